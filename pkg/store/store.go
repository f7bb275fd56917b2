// Package store holds the authoritative local cache of remote metadata: the
// node table, the parent/child edge index, the change feed checkpoint, and
// the path resolver that walks them. All mutation goes through the store's
// narrow upsert/commit contract; the sync engine and the transfer scheduler
// never touch each other's in-flight state directly.
package store

import (
	"errors"
	"fmt"
	"sync"

	"cumulus/pkg/types"

	"go.uber.org/zap"
)

var (
	// ErrNotFound means a node id or path is not in the cache.
	ErrNotFound = errors.New("node not found")
	// ErrParentUnknown means an upsert declared a parent the store has not
	// seen yet. The change feed does not guarantee parent-before-child
	// ordering; the caller buffers the node and retries.
	ErrParentUnknown = errors.New("parent not in store")
	// ErrCycle means a traversal revisited a node. Parent/child edges are
	// not guaranteed acyclic, so every walk is bounded.
	ErrCycle = errors.New("cycle detected in node graph")
	// ErrNoRoot means the cache has no root folder yet; a sync is required.
	ErrNoRoot = errors.New("no root node in cache")
	// ErrLastParent guards against detaching a node from the tree entirely.
	ErrLastParent = errors.New("cannot remove a node's last parent")
)

// Store is the single source of truth for cached remote metadata. It is safe
// for concurrent use; batch mutations commit atomically under the write lock
// so readers observe either the pre- or post-batch state.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	nodes    map[types.NodeID]*types.Node
	children map[types.NodeID]map[types.NodeID]struct{}
	rootID   types.NodeID

	checkpoint types.Checkpoint
	// ready is false until a full sync has established the root. Operations
	// that need a trustworthy cache refuse to run on a not-ready store.
	ready bool

	persist *persistence
}

// Stats summarizes cache contents for the usage command and sync reporting.
type Stats struct {
	Nodes     int
	Files     int
	Folders   int
	Trashed   int
	TotalSize int64
}

// NewMemory creates an empty, unpersisted store.
func NewMemory(logger *zap.Logger) *Store {
	return &Store{
		logger:   logger,
		nodes:    make(map[types.NodeID]*types.Node),
		children: make(map[types.NodeID]map[types.NodeID]struct{}),
	}
}

// Get returns a copy of one node.
func (s *Store) Get(id types.NodeID) (types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return types.Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneNode(n), nil
}

// Root returns the distinguished parentless root folder.
func (s *Store) Root() (types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rootID == "" {
		return types.Node{}, ErrNoRoot
	}
	return cloneNode(s.nodes[s.rootID]), nil
}

// Children returns copies of a folder's direct children.
func (s *Store) Children(parent types.NodeID) ([]types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.nodes[parent]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	out := make([]types.Node, 0, len(s.children[parent]))
	for id := range s.children[parent] {
		out = append(out, cloneNode(s.nodes[id]))
	}
	return out, nil
}

// Upsert inserts or updates a single node. An upsert carrying a version
// older than the stored node is ignored as stale, which keeps optimistic
// commits from being reverted by sync pages that started before the commit.
func (s *Store) Upsert(n types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(n)
}

// ApplyBatch commits one change-feed page or one job result under a single
// lock hold, so readers never observe a half-applied batch. Folders are
// inserted before files and nodes whose parents have not arrived yet are
// retried within the batch; nodes still unresolved are returned to the
// caller for cross-page buffering. A rejected node (parentless file, second
// root) aborts the batch with earlier upserts left in place; replaying the
// corrected page is idempotent, so nothing is rolled back.
func (s *Store) ApplyBatch(nodes []types.Node) ([]types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Parent-before-child within the page: folders first.
	pending := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsFolder() {
			pending = append(pending, n)
		}
	}
	for _, n := range nodes {
		if !n.IsFolder() {
			pending = append(pending, n)
		}
	}

	for {
		var deferred []types.Node
		for _, n := range pending {
			if err := s.upsertLocked(n); err != nil {
				if errors.Is(err, ErrParentUnknown) {
					deferred = append(deferred, n)
					continue
				}
				return nil, err
			}
		}
		if len(deferred) == 0 {
			return nil, nil
		}
		if len(deferred) == len(pending) {
			// No progress; the parents live in a later page.
			return deferred, nil
		}
		pending = deferred
	}
}

func (s *Store) upsertLocked(n types.Node) error {
	if n.Parents == nil {
		n.Parents = []types.NodeID{}
	}

	existing := s.nodes[n.ID]
	if existing != nil && existing.Version > n.Version {
		s.logger.Debug("ignoring stale upsert",
			zap.String("id", string(n.ID)),
			zap.Int64("stored_version", existing.Version),
			zap.Int64("incoming_version", n.Version))
		return nil
	}

	if len(n.Parents) == 0 {
		if !n.IsFolder() {
			return fmt.Errorf("parentless file %s", n.ID)
		}
		if s.rootID != "" && s.rootID != n.ID {
			return fmt.Errorf("parentless folder %s conflicts with root %s", n.ID, s.rootID)
		}
	}
	for _, p := range n.Parents {
		if _, ok := s.nodes[p]; !ok {
			return fmt.Errorf("%w: node %s declares parent %s", ErrParentUnknown, n.ID, p)
		}
	}

	if existing != nil {
		for _, p := range existing.Parents {
			delete(s.children[p], n.ID)
		}
	}
	for _, p := range n.Parents {
		if s.children[p] == nil {
			s.children[p] = make(map[types.NodeID]struct{})
		}
		s.children[p][n.ID] = struct{}{}
	}

	stored := cloneNode(&n)
	s.nodes[n.ID] = &stored
	if len(n.Parents) == 0 {
		s.rootID = n.ID
	}
	return nil
}

// SetStatus flips a node's availability. Trashing never removes the node;
// trashed nodes are retained until an explicit full cache clear.
func (s *Store) SetStatus(id types.NodeID, status types.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	n.Status = status
	return nil
}

// Move swaps one parent edge for another.
func (s *Store) Move(id, from, to types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := s.nodes[to]; !ok {
		return fmt.Errorf("%w: destination %s", ErrNotFound, to)
	}
	idx := -1
	for i, p := range n.Parents {
		if p == from {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s is not a parent of %s", ErrNotFound, from, id)
	}

	n.Parents[idx] = to
	delete(s.children[from], id)
	if s.children[to] == nil {
		s.children[to] = make(map[types.NodeID]struct{})
	}
	s.children[to][id] = struct{}{}
	return nil
}

// AddParent adds a parent edge; nodes may be reachable under several folders.
func (s *Store) AddParent(id, parent types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := s.nodes[parent]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, parent)
	}
	for _, p := range n.Parents {
		if p == parent {
			return nil
		}
	}
	n.Parents = append(n.Parents, parent)
	if s.children[parent] == nil {
		s.children[parent] = make(map[types.NodeID]struct{})
	}
	s.children[parent][id] = struct{}{}
	return nil
}

// RemoveParent drops one parent edge. The last edge cannot be removed; that
// would detach the node from the tree.
func (s *Store) RemoveParent(id, parent types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(n.Parents) <= 1 {
		return ErrLastParent
	}
	for i, p := range n.Parents {
		if p == parent {
			n.Parents = append(n.Parents[:i], n.Parents[i+1:]...)
			delete(s.children[parent], id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a parent of %s", ErrNotFound, parent, id)
}

// Purge removes nodes the feed reports as hard-expired, scrubbing their
// edges. This is the only removal besides Clear.
func (s *Store) Purge(ids []types.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok {
			continue
		}
		for _, p := range n.Parents {
			delete(s.children[p], id)
		}
		for childID := range s.children[id] {
			child := s.nodes[childID]
			for i, p := range child.Parents {
				if p == id {
					child.Parents = append(child.Parents[:i], child.Parents[i+1:]...)
					break
				}
			}
		}
		delete(s.children, id)
		delete(s.nodes, id)
		if s.rootID == id {
			s.rootID = ""
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("purged nodes", zap.Int("count", removed))
	}
	return removed
}

// Clear drops everything, including trashed nodes and the checkpoint.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[types.NodeID]*types.Node)
	s.children = make(map[types.NodeID]map[types.NodeID]struct{})
	s.rootID = ""
	s.checkpoint = ""
	s.ready = false
}

func (s *Store) Checkpoint() types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint
}

func (s *Store) SetCheckpoint(cp types.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = cp
}

// Ready reports whether a full sync has established the cache.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *Store) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Nodes: len(s.nodes)}
	for _, n := range s.nodes {
		if n.IsFile() {
			st.Files++
			st.TotalSize += n.Size
		} else {
			st.Folders++
		}
		if n.IsTrashed() {
			st.Trashed++
		}
	}
	return st
}

func cloneNode(n *types.Node) types.Node {
	out := *n
	out.Parents = append([]types.NodeID(nil), n.Parents...)
	return out
}
