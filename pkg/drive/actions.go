package drive

import (
	"errors"

	"cumulus/pkg/remote"
	"cumulus/pkg/status"
	"cumulus/pkg/syncer"
	"cumulus/pkg/transfer"
	"cumulus/pkg/transport"
)

// Action describes one registered core operation. The CLI dispatches
// against this table instead of loading handlers dynamically.
type Action struct {
	Name    string
	Summary string
}

// Actions is the registered-capability table: the complete operation surface
// of the client, in presentation order.
func Actions() []Action {
	return []Action{
		{"sync", "reconcile the cache with the remote change feed"},
		{"resolve", "map a remote path to its node id"},
		{"ls", "list a folder's children"},
		{"tree", "print a subtree"},
		{"mkdir", "create a remote folder"},
		{"trash", "move a node to the trash"},
		{"restore", "restore a node from the trash"},
		{"mv", "move a node to another folder"},
		{"rename", "rename a node in place"},
		{"upload", "upload a file or directory"},
		{"overwrite", "replace a remote file's content"},
		{"download", "download a file or directory"},
		{"stream", "upload stdin as a remote file"},
		{"cat", "stream a remote file to stdout"},
		{"find", "find nodes by name"},
		{"find-hash", "find files by content hash"},
		{"usage", "summarize the cache"},
		{"mount", "mount the drive as a filesystem"},
		{"clear-cache", "drop all cached metadata"},
	}
}

// FlagsFor maps an operation error onto the exit-status bit flags. upload
// distinguishes duplicate-content conflicts from plain name collisions.
func FlagsFor(err error, upload bool) status.Flags {
	if err == nil {
		return status.OK
	}

	var conflict *remote.ConflictError
	var terr *transport.Error

	switch {
	case errors.Is(err, transfer.ErrHashMismatch):
		return status.HashMismatch
	case errors.Is(err, transfer.ErrSizeMismatch):
		return status.SizeMismatch
	case errors.Is(err, transfer.ErrFolderCreate):
		return status.FolderCreation
	case errors.Is(err, ErrStaleCache), errors.Is(err, syncer.ErrIncompleteSync):
		return status.StaleCache
	case errors.As(err, &conflict):
		if upload {
			return status.RemoteDuplicate
		}
		return status.NameCollision
	case errors.As(err, &terr):
		if upload && terr.Kind == transport.Timeout {
			return status.UploadTimeout | status.TransferFailed
		}
		return status.TransferFailed
	default:
		return status.TransferFailed
	}
}

// FlagsForBatch compounds per-file outcomes into one flag set.
func FlagsForBatch(result *transfer.BatchResult, upload bool) status.Flags {
	flags := status.OK
	for _, o := range result.Outcomes {
		if o.Err != nil {
			flags |= FlagsFor(o.Err, upload)
		}
	}
	return flags
}
