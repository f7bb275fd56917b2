package store

import (
	"testing"

	"cumulus/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func folder(id, name string, version int64, parents ...types.NodeID) types.Node {
	return types.Node{
		ID:      types.NodeID(id),
		Type:    types.Folder,
		Name:    name,
		Status:  types.Available,
		Parents: parents,
		Version: version,
	}
}

func file(id, name string, size int64, parents ...types.NodeID) types.Node {
	return types.Node{
		ID:      types.NodeID(id),
		Type:    types.File,
		Name:    name,
		Status:  types.Available,
		Parents: parents,
		Size:    size,
	}
}

func setupStore(t *testing.T) *Store {
	return NewMemory(zaptest.NewLogger(t))
}

func TestUpsertAndGet(t *testing.T) {
	s := setupStore(t)

	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(folder("f1", "docs", 1, "root")))
	require.NoError(t, s.Upsert(file("n1", "report.txt", 42, "f1")))

	got, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", got.Name)
	assert.Equal(t, int64(42), got.Size)

	root, err := s.Root()
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("root"), root.ID)

	// Mutating the returned copy must not leak into the store.
	got.Name = "mutated"
	again, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", again.Name)
}

func TestUpsertUnknownParent(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	err := s.Upsert(file("n1", "orphan.txt", 1, "missing"))
	assert.ErrorIs(t, err, ErrParentUnknown)

	_, err = s.Get("n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParentlessFileRejected(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	err := s.Upsert(file("n1", "floating.txt", 1))
	assert.Error(t, err)
}

func TestSecondRootRejected(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	err := s.Upsert(folder("root2", "", 1))
	assert.Error(t, err)
}

func TestStaleUpsertIgnored(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	newer := file("n1", "newer.txt", 10, "root")
	newer.Version = 5
	require.NoError(t, s.Upsert(newer))

	stale := file("n1", "stale.txt", 3, "root")
	stale.Version = 2
	require.NoError(t, s.Upsert(stale))

	got, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "newer.txt", got.Name)
	assert.Equal(t, int64(5), got.Version)
}

func TestApplyBatchOrdersFoldersFirst(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	// The file precedes its folder in the page; the batch must still apply.
	deferred, err := s.ApplyBatch([]types.Node{
		file("n1", "report.txt", 1, "f1"),
		folder("f1", "docs", 1, "root"),
	})
	require.NoError(t, err)
	assert.Empty(t, deferred)

	_, err = s.Get("n1")
	assert.NoError(t, err)
}

func TestApplyBatchDefersCrossPageParents(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	deferred, err := s.ApplyBatch([]types.Node{
		file("n1", "report.txt", 1, "later"),
	})
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	// The parent arrives in the next page; the deferred node now applies.
	_, err = s.ApplyBatch([]types.Node{folder("later", "docs", 1, "root")})
	require.NoError(t, err)
	deferred, err = s.ApplyBatch(deferred)
	require.NoError(t, err)
	assert.Empty(t, deferred)
}

func TestApplyBatchRejectionIsReplayable(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))

	// A parentless file aborts the batch; the folder applied before it
	// stands, and replaying the corrected page converges.
	_, err := s.ApplyBatch([]types.Node{
		folder("f1", "docs", 1, "root"),
		file("n1", "floating.txt", 1),
	})
	require.Error(t, err)

	_, err = s.Get("f1")
	require.NoError(t, err)

	deferred, err := s.ApplyBatch([]types.Node{
		folder("f1", "docs", 1, "root"),
		file("n1", "report.txt", 1, "f1"),
	})
	require.NoError(t, err)
	assert.Empty(t, deferred)

	id, err := s.Resolve("/docs/report.txt")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), id)
}

func TestMoveSwapsParentEdge(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(folder("a", "a", 1, "root")))
	require.NoError(t, s.Upsert(folder("b", "b", 1, "root")))
	require.NoError(t, s.Upsert(file("n1", "x.txt", 1, "a")))

	require.NoError(t, s.Move("n1", "a", "b"))

	inA, err := s.Children("a")
	require.NoError(t, err)
	assert.Empty(t, inA)

	inB, err := s.Children("b")
	require.NoError(t, err)
	require.Len(t, inB, 1)
	assert.Equal(t, types.NodeID("n1"), inB[0].ID)
}

func TestRemoveParentKeepsLastEdge(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(folder("a", "a", 1, "root")))
	require.NoError(t, s.Upsert(file("n1", "x.txt", 1, "a")))

	assert.ErrorIs(t, s.RemoveParent("n1", "a"), ErrLastParent)

	require.NoError(t, s.AddParent("n1", "root"))
	require.NoError(t, s.RemoveParent("n1", "a"))

	got, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"root"}, got.Parents)
}

func TestPurgeScrubsEdges(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(folder("a", "a", 1, "root")))
	require.NoError(t, s.Upsert(folder("b", "b", 1, "root")))
	require.NoError(t, s.Upsert(file("n1", "x.txt", 1, "a")))
	require.NoError(t, s.AddParent("n1", "b"))

	removed := s.Purge([]types.NodeID{"a", "unknown"})
	assert.Equal(t, 1, removed)

	_, err := s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// The purged folder's edge disappears from the surviving child.
	got, err := s.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"b"}, got.Parents)
}

func TestTrashRetainsNode(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(file("n1", "x.txt", 7, "root")))

	require.NoError(t, s.SetStatus("n1", types.Trash))

	got, err := s.Get("n1")
	require.NoError(t, err)
	assert.True(t, got.IsTrashed())
	assert.Equal(t, 1, s.Stats().Trashed)
}

func TestStats(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	require.NoError(t, s.Upsert(folder("a", "a", 1, "root")))
	require.NoError(t, s.Upsert(file("n1", "x.txt", 10, "a")))
	require.NoError(t, s.Upsert(file("n2", "y.txt", 5, "a")))

	st := s.Stats()
	assert.Equal(t, 4, st.Nodes)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 2, st.Folders)
	assert.Equal(t, int64(15), st.TotalSize)
}

func TestClearResetsEverything(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Upsert(folder("root", "", 1)))
	s.SetCheckpoint("cp-1")
	s.SetReady(true)

	s.Clear()

	_, err := s.Root()
	assert.ErrorIs(t, err, ErrNoRoot)
	assert.Empty(t, s.Checkpoint())
	assert.False(t, s.Ready())
}
