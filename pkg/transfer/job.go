package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cumulus/pkg/remote"
	"cumulus/pkg/transport"
	"cumulus/pkg/types"

	"go.uber.org/zap"
)

// PartSuffix marks a download that has not completed verification yet.
const PartSuffix = ".cumulus-part"

// runUpload handles UPLOAD and STREAM jobs. Upload of a name already taken
// by a file is resolved by the job's overwrite policy.
func (s *Scheduler) runUpload(ctx context.Context, h *JobHandle) (*types.Node, error) {
	job := &h.job

	sourceHash, size, err := s.sourceHash(job)
	if err != nil {
		return nil, err
	}

	// Dedup applies to uploads only, and never to empty files: every
	// zero-byte file has the same hash, none of them are duplicates.
	if job.Direction == types.Upload && job.Dedup && size > 0 && sourceHash != "" {
		if existing := s.findDuplicate(sourceHash, size); existing != nil {
			s.logger.Info("upload deduplicated",
				zap.String("name", job.Name),
				zap.String("existing", string(existing.ID)))
			return existing, nil
		}
	}

	// Name collision at the destination: apply the overwrite policy before
	// touching the network.
	var overwriteID types.NodeID
	if existing, err := s.store.ChildByName(job.ParentID, job.Name); err == nil {
		if existing.IsFolder() {
			return nil, &remote.ConflictError{NodeID: existing.ID}
		}
		switch job.Policy {
		case PolicySkip:
			return nil, &remote.ConflictError{NodeID: existing.ID}
		case PolicyIfNewer:
			if !job.LocalMTime.After(existing.ModifiedAt) {
				s.logger.Info("skipping upload, remote file is not older",
					zap.String("name", job.Name))
				return &existing, nil
			}
			overwriteID = existing.ID
		case PolicyForce:
			overwriteID = existing.ID
		}
	}

	return s.uploadLoop(ctx, h, overwriteID, sourceHash, size)
}

// runOverwrite replaces the content of a known node.
func (s *Scheduler) runOverwrite(ctx context.Context, h *JobHandle) (*types.Node, error) {
	sourceHash, size, err := s.sourceHash(&h.job)
	if err != nil {
		return nil, err
	}
	return s.uploadLoop(ctx, h, h.job.NodeID, sourceHash, size)
}

// uploadLoop streams the source to the drive, restarting from the beginning
// on transient failures. Partial uploads are not resumable.
func (s *Scheduler) uploadLoop(ctx context.Context, h *JobHandle, overwriteID types.NodeID, sourceHash string, size int64) (*types.Node, error) {
	job := &h.job

	for {
		attempt := int(h.attempt.Add(1))

		body, hr, err := openSource(job)
		if err != nil {
			return nil, err
		}

		var node *types.Node
		if overwriteID != "" {
			node, err = s.remote.OverwriteContent(ctx, overwriteID, body, size)
		} else {
			node, err = s.remote.Upload(ctx, job.Name, job.ParentID, body, size, job.Dedup)
		}
		if c, ok := body.(io.Closer); ok {
			c.Close()
		}

		if err == nil {
			computed := sourceHash
			sent := size
			if hr != nil {
				// Stream sources declare no size up front; verify against
				// what actually went over the wire.
				if computed == "" {
					computed = hr.Sum()
				}
				sent = hr.n
			}
			return verifyNode(node, computed, sent)
		}

		// Streams cannot be replayed; everything else restarts.
		restartable := job.Reader == nil
		if retryable(err) && restartable && attempt < s.opts.MaxRetries {
			h.status.Store(int32(types.JobRetrying))
			s.logger.Warn("upload attempt failed, backing off",
				zap.Int("attempt", attempt), zap.Error(err))
			if berr := s.backoff(ctx, attempt); berr != nil {
				return nil, berr
			}
			h.status.Store(int32(types.JobRunning))
			continue
		}
		return nil, err
	}
}

// runDownload fetches a node's content to a local file (resumable) or a
// writer (single pass).
func (s *Scheduler) runDownload(ctx context.Context, h *JobHandle) error {
	job := &h.job

	expected := job.ExpectedHash
	size := job.Size
	var mtime time.Time
	if node, err := s.store.Get(job.NodeID); err == nil {
		if expected == "" {
			expected = node.ContentHash
		}
		if size == 0 {
			size = node.Size
		}
		mtime = node.ModifiedAt
	}

	if job.Writer != nil {
		return s.downloadStream(ctx, h, expected, size)
	}

	part := job.LocalPath + PartSuffix
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}

	confirmed, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	if confirmed > 0 {
		s.logger.Info("resuming download",
			zap.String("path", job.LocalPath), zap.Int64("offset", confirmed))
	}

	err = s.downloadLoop(ctx, h, f, &confirmed)
	f.Close()
	if err != nil {
		return s.discardPartial(part, err)
	}

	if size > 0 && confirmed != size {
		return s.discardPartial(part, fmt.Errorf("%w: got %d bytes, remote reports %d",
			ErrSizeMismatch, confirmed, size))
	}
	if expected != "" {
		computed, _, herr := HashFile(part)
		if herr != nil {
			return herr
		}
		if computed != expected {
			return s.discardPartial(part, fmt.Errorf("%w: computed %s, expected %s",
				ErrHashMismatch, computed, expected))
		}
	}

	if err := os.Rename(part, job.LocalPath); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	if !mtime.IsZero() {
		// Best effort; local mtime mirrors the remote modification date.
		_ = os.Chtimes(job.LocalPath, mtime, mtime)
	}
	return nil
}

// downloadLoop streams ranged reads into w, resuming from the last confirmed
// byte offset after transient failures.
func (s *Scheduler) downloadLoop(ctx context.Context, h *JobHandle, w io.Writer, confirmed *int64) error {
	for {
		attempt := int(h.attempt.Add(1))

		body, err := s.remote.Download(ctx, h.job.NodeID, *confirmed, -1)
		if err == nil {
			var n int64
			n, err = copyChunks(ctx, w, resumableBody{body})
			body.Close()
			*confirmed += n
			if err == nil {
				return nil
			}
		}

		if retryable(err) && attempt < s.opts.MaxRetries {
			h.status.Store(int32(types.JobRetrying))
			s.logger.Warn("download attempt failed, backing off",
				zap.Int("attempt", attempt),
				zap.Int64("confirmed", *confirmed),
				zap.Error(err))
			if berr := s.backoff(ctx, attempt); berr != nil {
				return berr
			}
			h.status.Store(int32(types.JobRunning))
			continue
		}
		return err
	}
}

// resumableBody classifies read failures mid-body, a connection reset while
// the response is streaming, as transport failures so the download loop backs
// off and resumes with a ranged request. Local write errors pass through
// untouched.
type resumableBody struct{ r io.Reader }

func (b resumableBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	var te *transport.Error
	if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return n, err
	}
	return n, &transport.Error{Kind: transport.ConnectionFailed, Err: err}
}

// downloadStream pipes content to the job's writer. No resume: the bytes
// already written cannot be taken back.
func (s *Scheduler) downloadStream(ctx context.Context, h *JobHandle, expected string, size int64) error {
	h.attempt.Add(1)

	body, err := s.remote.Download(ctx, h.job.NodeID, 0, -1)
	if err != nil {
		return err
	}
	defer body.Close()

	hr := newHashingReader(body)
	n, err := copyChunks(ctx, h.job.Writer, hr)
	if err != nil {
		return err
	}
	if size > 0 && n != size {
		return fmt.Errorf("%w: got %d bytes, remote reports %d", ErrSizeMismatch, n, size)
	}
	if expected != "" && hr.Sum() != expected {
		return fmt.Errorf("%w: streamed content", ErrHashMismatch)
	}
	return nil
}

// discardPartial applies the keep-incomplete policy to a failed download.
func (s *Scheduler) discardPartial(part string, cause error) error {
	if !s.opts.KeepIncomplete {
		if rmErr := os.Remove(part); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove partial file", zap.Error(rmErr))
		}
	}
	return cause
}

// sourceHash determines the upload source's content hash and size up front.
// Stream sources cannot be pre-hashed; their digest is computed in flight.
func (s *Scheduler) sourceHash(job *Job) (string, int64, error) {
	switch {
	case job.LocalPath != "":
		if job.ExpectedHash != "" {
			fi, err := os.Stat(job.LocalPath)
			if err != nil {
				return "", 0, err
			}
			return job.ExpectedHash, fi.Size(), nil
		}
		hash, size, err := HashFile(job.LocalPath)
		return hash, size, err
	case job.Data != nil:
		if job.ExpectedHash != "" {
			return job.ExpectedHash, int64(len(job.Data)), nil
		}
		return HashBytes(job.Data), int64(len(job.Data)), nil
	case job.Reader != nil:
		return job.ExpectedHash, job.Size, nil
	default:
		return "", 0, errors.New("upload job has no source")
	}
}

// findDuplicate looks for an available remote file with the same hash and
// size in the cache.
func (s *Scheduler) findDuplicate(hash string, size int64) *types.Node {
	entries, err := s.store.FindByHash(hash)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.Node.Size == size && e.Node.IsAvailable() {
			n := e.Node
			return &n
		}
	}
	return nil
}

// openSource returns a fresh reader over the job's source for one attempt.
// For stream sources the returned hashingReader computes the digest in
// flight.
func openSource(job *Job) (io.Reader, *hashingReader, error) {
	switch {
	case job.LocalPath != "":
		f, err := os.Open(job.LocalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open upload source: %w", err)
		}
		return f, nil, nil
	case job.Data != nil:
		return bytes.NewReader(job.Data), nil, nil
	case job.Reader != nil:
		hr := newHashingReader(job.Reader)
		return hr, hr, nil
	default:
		return nil, nil, errors.New("upload job has no source")
	}
}

// verifyNode checks the remote's view of the transfer against the source.
func verifyNode(node *types.Node, computed string, size int64) (*types.Node, error) {
	if node.Size != size {
		return nil, fmt.Errorf("%w: sent %d bytes, remote recorded %d",
			ErrSizeMismatch, size, node.Size)
	}
	if computed != "" && node.ContentHash != "" && node.ContentHash != computed {
		return nil, fmt.Errorf("%w: computed %s, remote reports %s",
			ErrHashMismatch, computed, node.ContentHash)
	}
	return node, nil
}
