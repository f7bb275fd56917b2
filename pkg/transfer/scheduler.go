// Package transfer moves file content between the local machine and the
// drive: a fixed pool of workers pulls jobs from one FIFO queue, retries
// transient transport failures with exponential backoff, deduplicates
// uploads by content hash, and commits finished transfers to the node store
// as optimistic entries.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"cumulus/pkg/remote"
	"cumulus/pkg/store"
	"cumulus/pkg/transport"
	"cumulus/pkg/types"

	"go.uber.org/zap"
)

var (
	// ErrHashMismatch means a completed transfer failed integrity
	// verification. The destination is left uncommitted.
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrSizeMismatch means the remote reported a different byte count than
	// the transfer produced.
	ErrSizeMismatch = errors.New("content size mismatch")
	// ErrSchedulerStopped rejects enqueues after Stop.
	ErrSchedulerStopped = errors.New("transfer scheduler stopped")
)

// OverwritePolicy decides what an upload does when the destination name is
// already taken by a file.
type OverwritePolicy int

const (
	// PolicySkip leaves the existing destination untouched.
	PolicySkip OverwritePolicy = iota
	// PolicyIfNewer overwrites only when the local file is newer than the
	// remote one.
	PolicyIfNewer
	// PolicyForce always overwrites.
	PolicyForce
)

// Job describes one requested content move.
type Job struct {
	Direction types.Direction

	// Source/destination on the local side. Exactly one of LocalPath, Data,
	// Reader or Writer is used, depending on the direction.
	LocalPath string
	Data      []byte
	Reader    io.Reader
	Writer    io.Writer
	Size      int64

	// Remote target: Name+ParentID for uploads, NodeID for overwrites and
	// downloads.
	Name     string
	ParentID types.NodeID
	NodeID   types.NodeID

	// ExpectedHash is the source hash for uploads (computed when empty) and
	// the remote-reported hash for downloads.
	ExpectedHash string

	Dedup  bool
	Policy OverwritePolicy
	// LocalMTime backs the if-newer overwrite policy.
	LocalMTime time.Time
}

// JobHandle tracks one enqueued job until it reaches a terminal status.
type JobHandle struct {
	job Job

	status  atomic.Int32
	attempt atomic.Int32
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	err  error
	node *types.Node
}

func (h *JobHandle) Status() types.JobStatus { return types.JobStatus(h.status.Load()) }

// Attempt returns how many tries the job has made so far.
func (h *JobHandle) Attempt() int { return int(h.attempt.Load()) }

// Done is closed when the job reaches SUCCEEDED or FAILED.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job is terminal and returns the resulting node (nil
// for downloads) and error.
func (h *JobHandle) Wait() (*types.Node, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.node, h.err
}

// Cancel cooperatively stops the job; the interruption is observed between
// chunks.
func (h *JobHandle) Cancel() { h.cancel() }

// Options tunes the scheduler.
type Options struct {
	Workers        int
	MaxRetries     int
	KeepIncomplete bool
	QueueDepth     int
}

// Scheduler runs transfer jobs with bounded concurrency.
type Scheduler struct {
	remote *remote.Client
	store  *store.Store
	logger *zap.Logger
	opts   Options

	queue   chan *JobHandle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	// backoff is swapped out in tests.
	backoff func(ctx context.Context, attempt int) error
}

func New(rc *remote.Client, st *store.Store, logger *zap.Logger, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		remote: rc,
		store:  st,
		logger: logger,
		opts:   opts,
		queue:   make(chan *JobHandle, opts.QueueDepth),
		ctx:     ctx,
		cancel:  cancel,
		backoff: backoff,
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("transfer scheduler started", zap.Int("workers", s.opts.Workers))
}

// Stop cancels running jobs, waits for the workers to exit, and fails any
// jobs still queued so a concurrent Wait never blocks past shutdown.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.cancel()
	s.wg.Wait()

	for {
		select {
		case h := <-s.queue:
			h.mu.Lock()
			h.err = ErrSchedulerStopped
			h.mu.Unlock()
			h.status.Store(int32(types.JobFailed))
			close(h.done)
		default:
			return
		}
	}
}

// Enqueue adds a job to the FIFO queue. Jobs have no priority ordering.
func (s *Scheduler) Enqueue(job Job) (*JobHandle, error) {
	if s.stopped.Load() {
		return nil, ErrSchedulerStopped
	}

	jobCtx, cancel := context.WithCancel(s.ctx)
	h := &JobHandle{
		job:    job,
		done:   make(chan struct{}),
		ctx:    jobCtx,
		cancel: cancel,
	}
	h.status.Store(int32(types.JobPending))

	select {
	case s.queue <- h:
		return h, nil
	case <-s.ctx.Done():
		cancel()
		return nil, ErrSchedulerStopped
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case h := <-s.queue:
			s.run(h)
		}
	}
}

func (s *Scheduler) run(h *JobHandle) {
	jobCtx := h.ctx
	defer h.cancel()

	h.status.Store(int32(types.JobRunning))
	s.logger.Debug("job started",
		zap.String("direction", string(h.job.Direction)),
		zap.String("name", h.job.Name),
		zap.String("node", string(h.job.NodeID)))

	var node *types.Node
	var err error
	switch h.job.Direction {
	case types.Upload, types.Stream:
		node, err = s.runUpload(jobCtx, h)
	case types.Overwrite:
		node, err = s.runOverwrite(jobCtx, h)
	case types.Download:
		err = s.runDownload(jobCtx, h)
	default:
		err = fmt.Errorf("unknown transfer direction %q", h.job.Direction)
	}

	if err == nil && node != nil {
		// Optimistic commit: path lookups see the result before the next
		// sync confirms it.
		committed := *node
		committed.Local = true
		if upErr := s.store.Upsert(committed); upErr != nil {
			s.logger.Warn("failed to commit transferred node to cache", zap.Error(upErr))
		}
	}

	h.mu.Lock()
	h.node = node
	h.err = err
	h.mu.Unlock()
	if err != nil {
		h.status.Store(int32(types.JobFailed))
		s.logger.Warn("job failed",
			zap.String("direction", string(h.job.Direction)),
			zap.Int("attempts", h.Attempt()),
			zap.Error(err))
	} else {
		h.status.Store(int32(types.JobSucceeded))
	}
	close(h.done)
}

// retryable reports whether the transfer loop should back off and try again.
func retryable(err error) bool {
	var te *transport.Error
	return errors.As(err, &te) && te.Retryable()
}

// backoff sleeps a full-jitter exponential delay: rand * 2^min(attempt, 8)
// seconds.
func backoff(ctx context.Context, attempt int) error {
	exp := attempt
	if exp > 8 {
		exp = 8
	}
	d := time.Duration(rand.Float64() * math.Exp2(float64(exp)) * float64(time.Second))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// copyChunks copies in fixed-size chunks, checking for cancellation between
// chunks. Returns the byte count copied.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 128*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
