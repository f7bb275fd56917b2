package fusefs

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"cumulus/pkg/chunk"
	"cumulus/pkg/transfer"
	"cumulus/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// FileNode is a mounted file backed by a cached node. Content reads go
// through the chunk pool; writes buffer sequentially and reach the drive on
// flush. A placeholder file swaps its id for the remote one after the first
// successful upload.
type FileNode struct {
	fs.Inode
	shared *shared

	mu        sync.Mutex
	id        types.NodeID
	truncated bool
}

// Getattr reports the buffered size while writes are pending, otherwise the
// committed remote size.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.mu.Lock()
	id, truncated := f.id, f.truncated
	f.mu.Unlock()

	node, err := f.shared.client.Store.Get(id)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttr(node, &out.Attr)

	buffered := f.shared.chunks.BufferedSize(id)
	if truncated || buffered > node.Size {
		out.Attr.Size = uint64(buffered)
	}
	out.SetTimeout(1 * time.Second)
	return 0
}

// Open hands out direct I/O handles so the kernel page cache never masks
// the chunk pool's view of buffered writes.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

// Read serves file content from the chunk pool.
func (f *FileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	id := f.id
	f.mu.Unlock()

	node, err := f.shared.client.Store.Get(id)
	if err != nil {
		return nil, syscall.ENOENT
	}
	size := node.Size
	if f.isTruncated() {
		size = 0
	}

	n, err := f.shared.chunks.ReadAt(ctx, id, size, dest, off)
	if errors.Is(err, io.EOF) {
		return fuse.ReadResultData(nil), 0
	}
	if err != nil && n == 0 {
		f.shared.logger.Error("read failed",
			zap.String("node", string(id)), zap.Int64("offset", off), zap.Error(err))
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write buffers data in the chunk pool. Only sequential appends are
// supported; content reaches the drive as one stream on flush.
func (f *FileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	id := f.id
	f.mu.Unlock()

	n, err := f.shared.chunks.WriteAt(id, data, off)
	switch {
	case errors.Is(err, chunk.ErrNonSequentialWrite):
		f.shared.logger.Warn("rejecting non-sequential write",
			zap.String("node", string(id)), zap.Int64("offset", off))
		return 0, syscall.EINVAL
	case errors.Is(err, chunk.ErrCacheFull):
		return 0, syscall.ENOSPC
	case err != nil:
		return 0, syscall.EIO
	}
	return uint32(n), 0
}

// Setattr supports truncation to zero, which drops the buffered region and
// schedules an empty overwrite on the next flush. Other sizes are rejected.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if size != 0 {
			return syscall.ENOTSUP
		}
		f.mu.Lock()
		f.shared.chunks.Drop(f.id)
		f.truncated = true
		f.mu.Unlock()
	}
	return f.Getattr(ctx, fh, out)
}

// Flush uploads the buffered region as one content stream.
func (f *FileNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return f.flush(ctx)
}

// Fsync behaves like Flush; there is no weaker durability point.
func (f *FileNode) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	return f.flush(ctx)
}

// Release flushes any writes the kernel did not flush explicitly.
func (f *FileNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return f.flush(ctx)
}

func (f *FileNode) flush(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.shared.chunks.TakeDirty(f.id)
	if !ok {
		if !f.truncated {
			return 0
		}
		// Truncated with nothing rewritten: commit empty content.
		data = []byte{}
	}

	node, err := f.shared.client.Store.Get(f.id)
	if err != nil {
		f.shared.chunks.CompleteFlush(f.id, false)
		return syscall.ENOENT
	}

	placeholder := strings.HasPrefix(string(f.id), localIDPrefix)
	var job transfer.Job
	if placeholder {
		if len(node.Parents) == 0 {
			f.shared.chunks.CompleteFlush(f.id, false)
			return syscall.EIO
		}
		job = transfer.Job{
			Direction: types.Upload,
			Data:      data,
			Name:      node.Name,
			ParentID:  node.Parents[0],
			Policy:    transfer.PolicyForce,
		}
	} else {
		job = transfer.Job{
			Direction: types.Overwrite,
			Data:      data,
			NodeID:    f.id,
		}
	}

	h, err := f.shared.client.Sched.Enqueue(job)
	if err != nil {
		f.shared.chunks.CompleteFlush(f.id, false)
		return syscall.EIO
	}
	result, err := h.Wait()
	if err != nil {
		f.shared.logger.Error("flush upload failed",
			zap.String("node", string(f.id)), zap.Int("bytes", len(data)), zap.Error(err))
		f.shared.chunks.CompleteFlush(f.id, false)
		return syscall.EIO
	}

	f.shared.logger.Debug("flushed file",
		zap.String("node", string(result.ID)), zap.Int("bytes", len(data)))

	if placeholder {
		// The remote node replaces the placeholder entirely.
		f.shared.chunks.Drop(f.id)
		f.shared.client.Store.Purge([]types.NodeID{f.id})
		f.id = result.ID
	} else {
		f.shared.chunks.CompleteFlush(f.id, true)
	}
	f.truncated = false
	return 0
}

func (f *FileNode) isTruncated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.truncated
}
