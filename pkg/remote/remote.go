// Package remote binds the drive's REST API onto the transport collaborator.
// Both the sync engine and the transfer scheduler speak to the drive through
// this package; nothing here touches the node store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"cumulus/pkg/transport"
	"cumulus/pkg/types"

	"go.uber.org/zap"
)

// ConflictError reports a name collision or duplicate rejected by the drive.
// NodeID names the existing node when the drive includes it in the response.
type ConflictError struct {
	NodeID types.NodeID
}

func (e *ConflictError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("remote conflict with existing node %s", e.NodeID)
	}
	return "remote conflict"
}

// Client issues typed drive operations.
type Client struct {
	tp     transport.Interface
	logger *zap.Logger
}

func NewClient(tp transport.Interface, logger *zap.Logger) *Client {
	return &Client{tp: tp, logger: logger}
}

// GetNode fetches one node's current metadata.
func (c *Client) GetNode(ctx context.Context, id types.NodeID) (*types.Node, error) {
	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   "/nodes/" + string(id),
	})
	if err != nil {
		return nil, err
	}
	return decodeNode(resp, http.StatusOK)
}

// ListChildren fetches the direct children of a folder. It backs partial
// sync and never touches the change feed checkpoint.
func (c *Client) ListChildren(ctx context.Context, id types.NodeID) ([]types.Node, error) {
	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   "/nodes/" + string(id) + "/children",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, transport.StatusError(resp.StatusCode)
	}

	var out struct {
		Nodes []types.Node `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode children listing: %w", err)
	}
	return out.Nodes, nil
}

// CreateFolder creates a folder under the given parent. A 409 maps to
// *ConflictError carrying the existing node's id.
func (c *Client) CreateFolder(ctx context.Context, name string, parent types.NodeID) (*types.Node, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"kind":    types.Folder,
		"name":    name,
		"parents": []types.NodeID{parent},
	})

	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "/nodes",
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, err
	}
	return decodeNode(resp, http.StatusCreated)
}

// Upload streams a new file's content. When dedup is false the drive's
// server-side deduplication is suppressed; zero-length uploads always
// suppress it because empty files are never duplicates.
func (c *Client) Upload(ctx context.Context, name string, parent types.NodeID, body io.Reader, size int64, dedup bool) (*types.Node, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("parent", string(parent))
	if !dedup || size == 0 {
		q.Set("suppress", "deduplication")
	}

	resp, err := c.tp.Do(ctx, &transport.Request{
		Method:        http.MethodPost,
		Path:          "/nodes/content",
		Query:         q,
		Header:        octetStream(),
		Body:          body,
		ContentLength: size,
	})
	if err != nil {
		return nil, err
	}
	return decodeNode(resp, http.StatusCreated)
}

// OverwriteContent replaces an existing file's content.
func (c *Client) OverwriteContent(ctx context.Context, id types.NodeID, body io.Reader, size int64) (*types.Node, error) {
	resp, err := c.tp.Do(ctx, &transport.Request{
		Method:        http.MethodPut,
		Path:          "/nodes/" + string(id) + "/content",
		Header:        octetStream(),
		Body:          body,
		ContentLength: size,
	})
	if err != nil {
		return nil, err
	}
	return decodeNode(resp, http.StatusOK)
}

// Download opens a ranged read of a file's content. length < 0 reads to the
// end. The caller must close the returned body.
func (c *Client) Download(ctx context.Context, id types.NodeID, offset, length int64) (io.ReadCloser, error) {
	h := http.Header{}
	if offset > 0 || length >= 0 {
		if length >= 0 {
			h.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			h.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodGet,
		Path:   "/nodes/" + string(id) + "/content",
		Header: h,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, transport.StatusError(resp.StatusCode)
	}
	return resp.Body, nil
}

// Trash soft-deletes a node on the drive. The drive has no hard delete.
func (c *Client) Trash(ctx context.Context, id types.NodeID) (*types.Node, error) {
	return c.post(ctx, "/trash/"+string(id), nil)
}

// Restore brings a trashed node back to AVAILABLE.
func (c *Client) Restore(ctx context.Context, id types.NodeID) (*types.Node, error) {
	return c.post(ctx, "/trash/"+string(id)+"/restore", nil)
}

// Rename changes a node's display name.
func (c *Client) Rename(ctx context.Context, id types.NodeID, name string) (*types.Node, error) {
	return c.patch(ctx, id, map[string]interface{}{"name": name})
}

// Move atomically swaps one parent edge for another.
func (c *Client) Move(ctx context.Context, id, from, to types.NodeID) (*types.Node, error) {
	return c.patch(ctx, id, map[string]interface{}{
		"removeParent": from,
		"addParent":    to,
	})
}

// AddParent adds a parent edge, making the node reachable under another
// folder as well.
func (c *Client) AddParent(ctx context.Context, id, parent types.NodeID) (*types.Node, error) {
	return c.patch(ctx, id, map[string]interface{}{"addParent": parent})
}

// RemoveParent drops one parent edge.
func (c *Client) RemoveParent(ctx context.Context, id, parent types.NodeID) (*types.Node, error) {
	return c.patch(ctx, id, map[string]interface{}{"removeParent": parent})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*types.Node, error) {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}
	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return decodeNode(resp, http.StatusOK)
}

func (c *Client) patch(ctx context.Context, id types.NodeID, payload interface{}) (*types.Node, error) {
	data, _ := json.Marshal(payload)
	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodPatch,
		Path:   "/nodes/" + string(id),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return nil, err
	}
	return decodeNode(resp, http.StatusOK)
}

// decodeNode consumes a response expected to carry one node.
func decodeNode(resp *transport.Response, ok int) (*types.Node, error) {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var payload struct {
			NodeID types.NodeID `json:"nodeId"`
		}
		// Best effort: the conflict body may name the existing node.
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return nil, &ConflictError{NodeID: payload.NodeID}
	}
	if resp.StatusCode != ok {
		return nil, transport.StatusError(resp.StatusCode)
	}

	var node types.Node
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		return nil, fmt.Errorf("failed to decode node: %w", err)
	}
	return &node, nil
}

func octetStream() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/octet-stream")
	return h
}
