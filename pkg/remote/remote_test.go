package remote

import (
	"context"
	"io"
	"net/http"
	"testing"

	"cumulus/pkg/transport"
	"cumulus/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupClient(t *testing.T) (*Client, *transport.Mock) {
	mock := transport.NewMock()
	return NewClient(mock, zaptest.NewLogger(t)), mock
}

func TestGetNode(t *testing.T) {
	c, mock := setupClient(t)
	mock.Handle(http.MethodGet, "/nodes/n1", func(req *transport.Request) (*transport.Response, error) {
		return transport.JSONResponse(http.StatusOK, types.Node{
			ID: "n1", Type: types.File, Name: "x.txt", Status: types.Available, Version: 3,
		}), nil
	})

	node, err := c.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "x.txt", node.Name)
	assert.Equal(t, int64(3), node.Version)
}

func TestConflictCarriesNodeID(t *testing.T) {
	c, mock := setupClient(t)
	mock.Handle(http.MethodPost, "/nodes", func(req *transport.Request) (*transport.Response, error) {
		return transport.JSONResponse(http.StatusConflict, map[string]string{"nodeId": "n9"}), nil
	})

	_, err := c.CreateFolder(context.Background(), "docs", "root")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, types.NodeID("n9"), conflict.NodeID)
}

func TestConflictWithEmptyBody(t *testing.T) {
	c, mock := setupClient(t)
	mock.Handle(http.MethodPost, "/nodes", func(req *transport.Request) (*transport.Response, error) {
		return transport.TextResponse(http.StatusConflict, ""), nil
	})

	_, err := c.CreateFolder(context.Background(), "docs", "root")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, conflict.NodeID)
}

func TestDownloadRangeHeader(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		length int64
		want   string
	}{
		{"whole file", 0, -1, ""},
		{"bounded range", 10, 5, "bytes=10-14"},
		{"open ended", 10, -1, "bytes=10-"},
		{"bounded from start", 0, 8, "bytes=0-7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := setupClient(t)
			mock.Handle(http.MethodGet, "/nodes/n1/content", func(req *transport.Request) (*transport.Response, error) {
				return transport.TextResponse(http.StatusPartialContent, "data"), nil
			})

			body, err := c.Download(context.Background(), "n1", tc.offset, tc.length)
			require.NoError(t, err)
			body.Close()

			reqs := mock.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, tc.want, reqs[0].Header.Get("Range"))
		})
	}
}

func TestDownloadRejectsBadStatus(t *testing.T) {
	c, mock := setupClient(t)
	mock.Handle(http.MethodGet, "/nodes/n1/content", func(req *transport.Request) (*transport.Response, error) {
		return transport.TextResponse(http.StatusNotFound, "gone"), nil
	})

	_, err := c.Download(context.Background(), "n1", 0, -1)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.Code)
	assert.False(t, te.Retryable())
}

func TestUploadDedupSuppression(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		dedup    bool
		suppress bool
	}{
		{"dedup enabled", 4, true, false},
		{"dedup disabled", 4, false, true},
		{"empty file always suppresses", 0, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := setupClient(t)
			mock.Handle(http.MethodPost, "/nodes/content", func(req *transport.Request) (*transport.Response, error) {
				if req.Body != nil {
				io.Copy(io.Discard, req.Body)
			}
				return transport.JSONResponse(http.StatusCreated, types.Node{
					ID: "n1", Type: types.File, Name: "x", Status: types.Available, Size: tc.size,
				}), nil
			})

			var body io.Reader
			if tc.size > 0 {
				body = io.LimitReader(neverEnding{}, tc.size)
			}
			_, err := c.Upload(context.Background(), "x", "root", body, tc.size, tc.dedup)
			require.NoError(t, err)

			reqs := mock.Requests()
			require.Len(t, reqs, 1)
			got := reqs[0].Query.Get("suppress")
			if tc.suppress {
				assert.Equal(t, "deduplication", got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestListChildrenStatusError(t *testing.T) {
	c, mock := setupClient(t)
	mock.Handle(http.MethodGet, "/nodes/f1/children", func(req *transport.Request) (*transport.Response, error) {
		return transport.TextResponse(http.StatusBadGateway, "down"), nil
	})

	_, err := c.ListChildren(context.Background(), "f1")
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable())
}

// neverEnding is an infinite reader of zero bytes for upload bodies whose
// content does not matter.
type neverEnding struct{}

func (neverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
