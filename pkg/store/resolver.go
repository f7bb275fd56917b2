package store

import (
	"fmt"
	"sort"
	"strings"

	"cumulus/pkg/types"
)

// maxWalkDepth bounds every recursive traversal. Parent/child edges come
// from the remote feed and are not guaranteed acyclic.
const maxWalkDepth = 32

// Entry pairs a node with one resolved path, for listings and search output.
type Entry struct {
	Node types.Node
	Path string
}

// Resolve maps a UNIX-style pathname to a node id. Name matching is
// case-insensitive with an exact-case match preferred when duplicates exist;
// among remaining duplicates the lowest node id wins, so resolution is
// deterministic. Trashed nodes do not participate.
func (s *Store) Resolve(path string) (types.NodeID, error) {
	root, err := s.Root()
	if err != nil {
		return "", err
	}

	cur := root.ID
	visited := map[types.NodeID]bool{cur: true}

	for _, seg := range splitPath(path) {
		children, err := s.Children(cur)
		if err != nil {
			return "", err
		}

		next, ok := matchChild(children, seg)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if visited[next] {
			return "", fmt.Errorf("%w: resolving %s", ErrCycle, path)
		}
		visited[next] = true
		cur = next
	}
	return cur, nil
}

// PathOf returns one deterministic path for a node: at every hop the
// lowest-id available parent is chosen. Paths of trashed nodes may not
// resolve back, since a trashed node's ancestors may themselves be trashed
// or reparented.
func (s *Store) PathOf(id types.NodeID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathOfLocked(id)
}

func (s *Store) pathOfLocked(id types.NodeID) (string, error) {
	n, ok := s.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var segments []string
	visited := map[types.NodeID]bool{}

	for depth := 0; ; depth++ {
		if depth > maxWalkDepth || visited[n.ID] {
			return "", fmt.Errorf("%w: computing path of %s", ErrCycle, id)
		}
		visited[n.ID] = true

		if len(n.Parents) == 0 {
			break
		}
		segments = append(segments, n.Name)

		parent := pickParent(n.Parents, s.nodes)
		next, ok := s.nodes[parent]
		if !ok {
			return "", fmt.Errorf("%w: parent %s of %s", ErrNotFound, parent, n.ID)
		}
		n = next
	}

	// Segments were collected leaf-first.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return "/" + strings.Join(segments, "/"), nil
}

// pickParent chooses the lowest-id parent, preferring available ones. This
// tie-break is a policy choice, not a remote invariant.
func pickParent(parents []types.NodeID, nodes map[types.NodeID]*types.Node) types.NodeID {
	best := types.NodeID("")
	bestAvailable := false
	for _, p := range parents {
		available := false
		if n, ok := nodes[p]; ok {
			available = n.IsAvailable()
		}
		switch {
		case best == "":
			best, bestAvailable = p, available
		case available && !bestAvailable:
			best, bestAvailable = p, available
		case available == bestAvailable && p < best:
			best = p
		}
	}
	return best
}

// Walk visits a subtree depth-first, folders after files at each level, with
// a visited set and depth bound. fn receives each entry with its depth
// relative to the start node.
func (s *Store) Walk(start types.NodeID, recursive, includeTrash bool, fn func(e Entry, depth int) error) error {
	startPath, err := s.PathOf(start)
	if err != nil {
		return err
	}
	visited := map[types.NodeID]bool{start: true}
	return s.walk(start, startPath, recursive, includeTrash, 0, visited, fn)
}

func (s *Store) walk(id types.NodeID, path string, recursive, includeTrash bool, depth int, visited map[types.NodeID]bool, fn func(e Entry, depth int) error) error {
	if depth > maxWalkDepth {
		return fmt.Errorf("%w: walking %s", ErrCycle, path)
	}

	children, err := s.Children(id)
	if err != nil {
		return err
	}
	sortEntries(children)

	for _, child := range children {
		if child.IsTrashed() && !includeTrash {
			continue
		}
		childPath := joinPath(path, child.Name)
		if err := fn(Entry{Node: child, Path: childPath}, depth+1); err != nil {
			return err
		}
		if child.IsFolder() && recursive {
			if visited[child.ID] {
				return fmt.Errorf("%w: folder %s recurs at %s", ErrCycle, child.ID, childPath)
			}
			visited[child.ID] = true
			if err := s.walk(child.ID, childPath, recursive, includeTrash, depth+1, visited, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Find returns all nodes whose name contains the given substring,
// case-insensitively, sorted by path.
func (s *Store) Find(name string) ([]Entry, error) {
	needle := strings.ToLower(name)
	return s.scan(func(n *types.Node) bool {
		return strings.Contains(strings.ToLower(n.Name), needle)
	})
}

// FindByHash returns all files with the given content hash, sorted by path.
func (s *Store) FindByHash(hash string) ([]Entry, error) {
	return s.scan(func(n *types.Node) bool {
		return n.IsFile() && n.ContentHash == hash
	})
}

func (s *Store) scan(match func(*types.Node) bool) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, n := range s.nodes {
		if n.ID == s.rootID || !match(n) {
			continue
		}
		path, err := s.pathOfLocked(n.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Node: cloneNode(n), Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ChildByName finds an available child by name, case-insensitively with an
// exact-case preference. Uniqueness checks treat names case-insensitively.
func (s *Store) ChildByName(parent types.NodeID, name string) (types.Node, error) {
	children, err := s.Children(parent)
	if err != nil {
		return types.Node{}, err
	}
	id, ok := matchChild(children, name)
	if !ok {
		return types.Node{}, fmt.Errorf("%w: %q under %s", ErrNotFound, name, parent)
	}
	return s.Get(id)
}

// matchChild picks a child by name: exact case first, then the lowest-id
// case-insensitive match.
func matchChild(children []types.Node, name string) (types.NodeID, bool) {
	lower := strings.ToLower(name)
	best := types.NodeID("")
	for _, c := range children {
		if !c.IsAvailable() {
			continue
		}
		if c.Name == name {
			return c.ID, true
		}
		if strings.ToLower(c.Name) == lower {
			if best == "" || c.ID < best {
				best = c.ID
			}
		}
	}
	return best, best != ""
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" && seg != "." {
			segments = append(segments, seg)
		}
	}
	return segments
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func sortEntries(nodes []types.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsFolder() != nodes[j].IsFolder() {
			return !nodes[i].IsFolder()
		}
		return nodes[i].Name < nodes[j].Name
	})
}
