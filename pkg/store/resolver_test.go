package store

import (
	"testing"

	"cumulus/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTree builds:
//
//	/
//	├── docs/
//	│   ├── report.txt
//	│   └── archive/
//	│       └── old.txt
//	└── pics/
func setupTree(t *testing.T) *Store {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(folder("docs", "docs", 1, "root")))
	require.NoError(t, s.Upsert(folder("pics", "pics", 1, "root")))
	require.NoError(t, s.Upsert(folder("arch", "archive", 1, "docs")))
	require.NoError(t, s.Upsert(file("n1", "report.txt", 42, "docs")))
	require.NoError(t, s.Upsert(file("n2", "old.txt", 7, "arch")))
	return s
}

func TestResolve(t *testing.T) {
	s := setupTree(t)

	tests := []struct {
		path string
		want types.NodeID
	}{
		{"/", "root"},
		{"/docs", "docs"},
		{"/docs/report.txt", "n1"},
		{"/docs/archive/old.txt", "n2"},
		{"docs/report.txt", "n1"},
		{"//docs//report.txt", "n1"},
		{"/DOCS/Report.TXT", "n1"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, err := s.Resolve(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := s.Resolve("/docs/nope.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePrefersExactCase(t *testing.T) {
	s := setupTree(t)
	require.NoError(t, s.Upsert(file("x1", "Readme", 1, "root")))
	require.NoError(t, s.Upsert(file("x2", "readme", 1, "root")))

	got, err := s.Resolve("/readme")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("x2"), got)

	// No exact match: the lowest id among case-insensitive matches wins.
	got, err = s.Resolve("/README")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("x1"), got)
}

func TestResolveExcludesTrashed(t *testing.T) {
	s := setupTree(t)
	require.NoError(t, s.SetStatus("n1", types.Trash))

	_, err := s.Resolve("/docs/report.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPathOfRoundTrip(t *testing.T) {
	s := setupTree(t)

	for _, id := range []types.NodeID{"docs", "arch", "n1", "n2"} {
		p, err := s.PathOf(id)
		require.NoError(t, err)

		back, err := s.Resolve(p)
		require.NoError(t, err)
		assert.Equal(t, id, back, "path %s", p)
	}

	p, err := s.PathOf("root")
	require.NoError(t, err)
	assert.Equal(t, "/", p)
}

func TestPathOfPicksLowestIDParent(t *testing.T) {
	s := setupTree(t)
	// old.txt becomes reachable under both archive and docs.
	require.NoError(t, s.AddParent("n2", "docs"))

	p, err := s.PathOf("n2")
	require.NoError(t, err)
	assert.Equal(t, "/docs/archive/old.txt", p)
}

func TestPathOfDetectsCycle(t *testing.T) {
	s := setupTree(t)
	// Reparent docs under its own child.
	cyc := folder("docs", "docs", 2, "arch")
	require.NoError(t, s.Upsert(cyc))

	_, err := s.PathOf("n1")
	assert.ErrorIs(t, err, ErrCycle)
}

func TestWalkOrderAndPaths(t *testing.T) {
	s := setupTree(t)

	var paths []string
	err := s.Walk("root", true, false, func(e Entry, depth int) error {
		paths = append(paths, e.Path)
		return nil
	})
	require.NoError(t, err)

	// Files before folders at each level, names ascending.
	assert.Equal(t, []string{
		"/docs",
		"/docs/report.txt",
		"/docs/archive",
		"/docs/archive/old.txt",
		"/pics",
	}, paths)
}

func TestWalkSkipsTrashByDefault(t *testing.T) {
	s := setupTree(t)
	require.NoError(t, s.SetStatus("arch", types.Trash))

	var seen []types.NodeID
	err := s.Walk("root", true, false, func(e Entry, depth int) error {
		seen = append(seen, e.Node.ID)
		return nil
	})
	require.NoError(t, err)
	assert.NotContains(t, seen, types.NodeID("arch"))
	assert.NotContains(t, seen, types.NodeID("n2"))

	seen = nil
	err = s.Walk("root", true, true, func(e Entry, depth int) error {
		seen = append(seen, e.Node.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, seen, types.NodeID("arch"))
}

func TestFind(t *testing.T) {
	s := setupTree(t)

	entries, err := s.Find("txt")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/docs/archive/old.txt", entries[0].Path)
	assert.Equal(t, "/docs/report.txt", entries[1].Path)

	entries, err = s.Find("REPORT")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.NodeID("n1"), entries[0].Node.ID)
}

func TestFindByHash(t *testing.T) {
	s := setupTree(t)
	hashed := file("n3", "dup.bin", 9, "root")
	hashed.ContentHash = "abc123"
	require.NoError(t, s.Upsert(hashed))

	entries, err := s.FindByHash("abc123")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.NodeID("n3"), entries[0].Node.ID)

	entries, err = s.FindByHash("nothing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChildByName(t *testing.T) {
	s := setupTree(t)

	got, err := s.ChildByName("docs", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), got.ID)

	_, err = s.ChildByName("docs", "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
