package drive

import (
	"context"
	"net/http"
	"testing"

	"cumulus/pkg/config"
	"cumulus/pkg/remote"
	"cumulus/pkg/store"
	"cumulus/pkg/transport"
	"cumulus/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupClient(t *testing.T) (*Client, *transport.Mock) {
	logger := zaptest.NewLogger(t)
	mock := transport.NewMock()
	st := store.NewMemory(logger)

	c := New(config.Default(), mock, st, logger)
	c.Start()
	t.Cleanup(c.Close)
	return c, mock
}

func seedReady(t *testing.T, c *Client) {
	require.NoError(t, c.Store.Upsert(types.Node{
		ID: "root", Type: types.Folder, Status: types.Available, Version: 1,
	}))
	require.NoError(t, c.Store.Upsert(types.Node{
		ID: "docs", Type: types.Folder, Name: "docs", Status: types.Available,
		Parents: []types.NodeID{"root"}, Version: 1,
	}))
	require.NoError(t, c.Store.Upsert(types.Node{
		ID: "n1", Type: types.File, Name: "report.txt", Status: types.Available,
		Parents: []types.NodeID{"docs"}, Size: 4, Version: 1,
	}))
	c.Store.SetReady(true)
}

func TestActionsRequireSyncedCache(t *testing.T) {
	c, _ := setupClient(t)

	_, err := c.Resolve("/docs")
	assert.ErrorIs(t, err, ErrStaleCache)

	_, err = c.Find("report")
	assert.ErrorIs(t, err, ErrStaleCache)

	_, err = c.CreateFolder(context.Background(), "/new")
	assert.ErrorIs(t, err, ErrStaleCache)
}

func TestCreateFolderCommitsOptimistically(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)

	mock.Handle(http.MethodPost, "/nodes", func(req *transport.Request) (*transport.Response, error) {
		return transport.JSONResponse(http.StatusCreated, types.Node{
			ID: "f2", Type: types.Folder, Name: "new", Status: types.Available,
			Parents: []types.NodeID{"docs"}, Version: 1,
		}), nil
	})

	node, err := c.CreateFolder(context.Background(), "/docs/new")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("f2"), node.ID)

	// Visible by path before any sync confirms it.
	id, err := c.Resolve("/docs/new")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("f2"), id)

	cached, err := c.Store.Get("f2")
	require.NoError(t, err)
	assert.True(t, cached.Local)
}

func TestCreateFolderRejectsCollision(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)

	_, err := c.CreateFolder(context.Background(), "/docs/report.txt")
	var conflict *remote.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, types.NodeID("n1"), conflict.NodeID)
	assert.Equal(t, 0, mock.Calls(http.MethodPost, "/nodes"))
}

func TestTrashUpdatesCache(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)

	mock.Handle(http.MethodPost, "/trash/n1", func(req *transport.Request) (*transport.Response, error) {
		return transport.JSONResponse(http.StatusOK, types.Node{
			ID: "n1", Type: types.File, Name: "report.txt", Status: types.Trash,
			Parents: []types.NodeID{"docs"}, Size: 4, Version: 2,
		}), nil
	})

	require.NoError(t, c.Trash(context.Background(), "/docs/report.txt"))

	// Trashed paths stop resolving.
	_, err := c.Resolve("/docs/report.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRenameRejectsSiblingCollision(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)
	require.NoError(t, c.Store.Upsert(types.Node{
		ID: "n2", Type: types.File, Name: "other.txt", Status: types.Available,
		Parents: []types.NodeID{"docs"}, Version: 1,
	}))

	err := c.Rename(context.Background(), "/docs/report.txt", "other.txt")
	var conflict *remote.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, types.NodeID("n2"), conflict.NodeID)
	assert.Equal(t, 0, mock.Calls(http.MethodPatch, "/nodes/n1"))
}

func TestRenameToOwnNameAllowed(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)

	mock.Handle(http.MethodPatch, "/nodes/n1", func(req *transport.Request) (*transport.Response, error) {
		return transport.JSONResponse(http.StatusOK, types.Node{
			ID: "n1", Type: types.File, Name: "report.txt", Status: types.Available,
			Parents: []types.NodeID{"docs"}, Size: 4, Version: 2,
		}), nil
	})

	// Renaming a node to the name it already has is not a collision.
	assert.NoError(t, c.Rename(context.Background(), "/docs/report.txt", "report.txt"))
}

func TestMoveRejectsDestinationCollision(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)
	require.NoError(t, c.Store.Upsert(types.Node{
		ID: "n2", Type: types.File, Name: "report.txt", Status: types.Available,
		Parents: []types.NodeID{"root"}, Version: 1,
	}))

	err := c.Move(context.Background(), "/docs/report.txt", "/")
	var conflict *remote.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, mock.Calls(http.MethodPatch, "/nodes/n1"))
}

func TestMoveUpdatesCache(t *testing.T) {
	c, mock := setupClient(t)
	seedReady(t, c)

	mock.Handle(http.MethodPatch, "/nodes/n1", func(req *transport.Request) (*transport.Response, error) {
		return transport.JSONResponse(http.StatusOK, types.Node{
			ID: "n1", Type: types.File, Name: "report.txt", Status: types.Available,
			Parents: []types.NodeID{"root"}, Size: 4, Version: 2,
		}), nil
	})

	require.NoError(t, c.Move(context.Background(), "/docs/report.txt", "/"))

	id, err := c.Resolve("/report.txt")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), id)

	_, err = c.Resolve("/docs/report.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncThroughFacade(t *testing.T) {
	c, mock := setupClient(t)
	mock.Handle(http.MethodPost, "/changes", func(req *transport.Request) (*transport.Response, error) {
		body := `{"nodes": [{"id": "root", "kind": "FOLDER", "status": "AVAILABLE", "version": 1}], "checkpoint": "cp-1"}` +
			"\n" + `{"end": true}` + "\n"
		return transport.TextResponse(http.StatusOK, body), nil
	})

	require.NoError(t, c.Sync(context.Background(), true))

	id, err := c.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("root"), id)
}

func TestClearCache(t *testing.T) {
	c, _ := setupClient(t)
	seedReady(t, c)

	require.NoError(t, c.ClearCache())

	_, err := c.Resolve("/docs")
	assert.ErrorIs(t, err, ErrStaleCache)
	assert.Equal(t, 0, c.Usage().Nodes)
}

func TestUsage(t *testing.T) {
	c, _ := setupClient(t)
	seedReady(t, c)

	stats := c.Usage()
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, int64(4), stats.TotalSize)
}
