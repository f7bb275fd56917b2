// Package syncer reconciles the node store against the drive's change feed.
// It is the only component allowed to apply authoritative remote state;
// optimistic local entries survive only until a feed page with a newer
// version confirms or overwrites them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"cumulus/pkg/remote"
	"cumulus/pkg/store"
	"cumulus/pkg/types"

	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateApplying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateApplying:
		return "APPLYING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrIncompleteSync means a full sync finished its feed replay without
	// establishing a root node. Committed pages and the checkpoint are kept;
	// the caller should resume later rather than discard progress.
	ErrIncompleteSync = errors.New("sync incomplete: feed did not establish a root node")
	// ErrOutOfOrder means nodes referenced parents that never arrived, even
	// after buffering across pages.
	ErrOutOfOrder = errors.New("change feed out of order: parent never arrived")
	// ErrSyncRunning means another sync holds the engine.
	ErrSyncRunning = errors.New("a sync is already running")
	// ErrTooDeep means a recursive subtree sync ran past the folder depth
	// limit, which points at a parent cycle on the remote side.
	ErrTooDeep = errors.New("subtree recursion exceeds depth limit")
)

// maxSubtreeDepth bounds recursive subtree sync.
const maxSubtreeDepth = 32

// deferLimit bounds the cross-page buffer for nodes whose parents have not
// arrived yet.
const deferLimit = 1000

// Engine drives full, incremental and subtree sync. One sync runs at a
// time; concurrent callers get ErrSyncRunning instead of queueing.
type Engine struct {
	store  *store.Store
	remote *remote.Client
	logger *zap.Logger

	mu    sync.Mutex
	state atomic.Int32
}

func New(st *store.Store, rc *remote.Client, logger *zap.Logger) *Engine {
	return &Engine{store: st, remote: rc, logger: logger}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Full clears the store and replays the change feed from the beginning.
// The store is marked ready only once the replay establishes the root.
func (e *Engine) Full(ctx context.Context) error {
	if !e.mu.TryLock() {
		return ErrSyncRunning
	}
	defer e.mu.Unlock()

	e.logger.Info("starting full sync")
	e.store.Clear()

	if err := e.replay(ctx, ""); err != nil {
		return err
	}
	if _, err := e.store.Root(); err != nil {
		return e.fail(ErrIncompleteSync)
	}
	e.store.SetReady(true)
	e.logStats("full sync complete")
	return nil
}

// Incremental replays the feed from the last committed checkpoint. On a
// fresh store this degrades to a full replay driven by the feed's reset
// page.
func (e *Engine) Incremental(ctx context.Context) error {
	if !e.mu.TryLock() {
		return ErrSyncRunning
	}
	defer e.mu.Unlock()

	cp := e.store.Checkpoint()
	e.logger.Info("starting incremental sync", zap.String("checkpoint", string(cp)))

	if err := e.replay(ctx, cp); err != nil {
		return err
	}
	if _, err := e.store.Root(); err == nil {
		e.store.SetReady(true)
	}
	e.logStats("incremental sync complete")
	return nil
}

// replay fetches and applies feed pages in order. The checkpoint advances
// only after a page fully commits, so a crash in between replays the same
// page; upserts are idempotent by id.
func (e *Engine) replay(ctx context.Context, cp types.Checkpoint) error {
	e.setState(StateFetching)

	feed, err := e.remote.Changes(ctx, cp, cp != "")
	if err != nil {
		return e.fail(fmt.Errorf("failed to open change feed: %w", err))
	}
	defer feed.Close()

	var deferred []types.Node
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(err)
		}

		page, err := feed.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return e.fail(fmt.Errorf("failed to fetch change feed page: %w", err))
		}

		e.setState(StateApplying)
		if page.Reset {
			e.logger.Info("feed requested reset, clearing cache")
			e.store.Clear()
			deferred = nil
		}

		batch := append(deferred, usable(page.Nodes)...)
		deferred, err = e.store.ApplyBatch(batch)
		if err != nil {
			return e.fail(fmt.Errorf("failed to apply change feed page: %w", err))
		}
		if len(deferred) > deferLimit {
			return e.fail(fmt.Errorf("%w: %d nodes buffered", ErrOutOfOrder, len(deferred)))
		}
		if len(page.Purged) > 0 {
			e.store.Purge(page.Purged)
		}

		e.store.SetCheckpoint(page.Checkpoint)
		pages++
		e.setState(StateFetching)
	}

	// A node deferred past the final page references a parent the feed
	// never delivered.
	if len(deferred) > 0 {
		deferred, err = e.store.ApplyBatch(deferred)
		if err != nil {
			return e.fail(err)
		}
		if len(deferred) > 0 {
			return e.fail(fmt.Errorf("%w: %d nodes unresolved after final page",
				ErrOutOfOrder, len(deferred)))
		}
	}

	e.logger.Debug("feed replay finished", zap.Int("pages", pages))
	e.setState(StateIdle)
	return nil
}

// Subtree refreshes a single folder, optionally recursively. It never
// advances the global checkpoint, and interleaving it with global sync can
// leave the cache transiently inconsistent; that is an accepted trade-off of
// targeted sync, not something this engine masks.
func (e *Engine) Subtree(ctx context.Context, folderID types.NodeID, recursive bool) error {
	if !e.mu.TryLock() {
		return ErrSyncRunning
	}
	defer e.mu.Unlock()

	e.setState(StateFetching)

	queue := []types.NodeID{folderID}
	visited := map[types.NodeID]bool{folderID: true}
	depth := 0

	for len(queue) > 0 {
		if depth > maxSubtreeDepth {
			return e.fail(fmt.Errorf("%w: %d folders left below depth %d",
				ErrTooDeep, len(queue), maxSubtreeDepth))
		}
		var next []types.NodeID
		for _, id := range queue {
			if err := ctx.Err(); err != nil {
				return e.fail(err)
			}

			children, err := e.remote.ListChildren(ctx, id)
			if err != nil {
				return e.fail(fmt.Errorf("failed to list folder %s: %w", id, err))
			}

			e.setState(StateApplying)
			batch := e.scopeParents(usable(children), id)
			if _, err := e.store.ApplyBatch(batch); err != nil {
				return e.fail(err)
			}
			e.setState(StateFetching)

			if !recursive {
				continue
			}
			for _, c := range children {
				if c.IsFolder() && !visited[c.ID] {
					visited[c.ID] = true
					next = append(next, c.ID)
				}
			}
		}
		queue = next
		depth++
	}

	e.setState(StateIdle)
	return nil
}

// scopeParents strips parent edges outside the synced subtree that the cache
// has never seen. A child listed under a known folder may carry extra
// parents the global feed has not delivered yet; keeping them would wedge
// the whole listing behind ErrParentUnknown.
func (e *Engine) scopeParents(nodes []types.Node, parent types.NodeID) []types.Node {
	for i := range nodes {
		kept := nodes[i].Parents[:0]
		for _, p := range nodes[i].Parents {
			if p == parent {
				kept = append(kept, p)
				continue
			}
			if _, err := e.store.Get(p); err == nil {
				kept = append(kept, p)
			} else {
				e.logger.Debug("dropping unknown parent edge in subtree sync",
					zap.String("node", string(nodes[i].ID)),
					zap.String("parent", string(p)))
			}
		}
		nodes[i].Parents = kept
	}
	return nodes
}

// usable filters out nodes the store cannot hold: entries the drive is still
// processing, and named-less non-root entries.
func usable(nodes []types.Node) []types.Node {
	out := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == types.Pending {
			continue
		}
		if n.Name == "" && len(n.Parents) > 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (e *Engine) fail(err error) error {
	e.setState(StateFailed)
	e.logger.Error("sync failed", zap.Error(err))
	// FAILED is transient: the engine returns to IDLE once the error has
	// been surfaced, and is never silently retried.
	e.setState(StateIdle)
	return err
}

func (e *Engine) logStats(msg string) {
	st := e.store.Stats()
	e.logger.Info(msg,
		zap.Int("nodes", st.Nodes),
		zap.Int("files", st.Files),
		zap.Int("folders", st.Folders),
		zap.String("checkpoint", string(e.store.Checkpoint())))
}
