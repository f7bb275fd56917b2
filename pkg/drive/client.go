// Package drive is the client facade: one method per user-facing operation,
// tying the path resolver, node store, sync engine and transfer scheduler
// together. The CLI and the FUSE adapter both sit on top of this package.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"cumulus/pkg/config"
	"cumulus/pkg/remote"
	"cumulus/pkg/store"
	"cumulus/pkg/syncer"
	"cumulus/pkg/transfer"
	"cumulus/pkg/transport"
	"cumulus/pkg/types"

	"go.uber.org/zap"
)

// ErrStaleCache means the cache has not been established by a sync, so the
// requested action cannot proceed safely.
var ErrStaleCache = errors.New("cache is stale: run sync first")

// UploadOptions tunes upload and download actions.
type UploadOptions struct {
	Exclude []string
	Policy  transfer.OverwritePolicy
	Dedup   bool
}

// Client owns one node store and the components sharing it.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	Store  *store.Store
	Remote *remote.Client
	Sched  *transfer.Scheduler
	Syncer *syncer.Engine
}

// New wires the core components around an existing store and transport.
func New(cfg *config.Config, tp transport.Interface, st *store.Store, logger *zap.Logger) *Client {
	rc := remote.NewClient(tp, logger)
	return &Client{
		cfg:    cfg,
		logger: logger,
		Store:  st,
		Remote: rc,
		Sched: transfer.New(rc, st, logger, transfer.Options{
			Workers:        cfg.Transfer.Workers,
			MaxRetries:     cfg.Transfer.MaxRetries,
			KeepIncomplete: cfg.Transfer.KeepIncomplete,
		}),
		Syncer: syncer.New(st, rc, logger),
	}
}

// Start launches the transfer workers.
func (c *Client) Start() { c.Sched.Start() }

// Close stops the transfer workers. The store is closed by its owner.
func (c *Client) Close() { c.Sched.Stop() }

// Sync reconciles the cache with the remote change feed.
func (c *Client) Sync(ctx context.Context, full bool) error {
	if full {
		return c.Syncer.Full(ctx)
	}
	return c.Syncer.Incremental(ctx)
}

// SyncSubtree refreshes one folder without advancing the global checkpoint.
func (c *Client) SyncSubtree(ctx context.Context, p string, recursive bool) error {
	id, err := c.Resolve(p)
	if err != nil {
		return err
	}
	return c.Syncer.Subtree(ctx, id, recursive)
}

// Resolve maps a remote path to a node id.
func (c *Client) Resolve(p string) (types.NodeID, error) {
	if err := c.requireReady(); err != nil {
		return "", err
	}
	return c.Store.Resolve(p)
}

// ListChildren lists a folder, optionally recursively.
func (c *Client) ListChildren(p string, recursive, includeTrash bool) ([]store.Entry, error) {
	id, err := c.Resolve(p)
	if err != nil {
		return nil, err
	}
	var entries []store.Entry
	err = c.Store.Walk(id, recursive, includeTrash, func(e store.Entry, depth int) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// CreateFolder creates one remote folder at the given path, immediately
// visible in the cache as an optimistic entry.
func (c *Client) CreateFolder(ctx context.Context, p string) (*types.Node, error) {
	dir, name := path.Split(path.Clean(p))
	if name == "" || name == "/" {
		return nil, fmt.Errorf("invalid folder path %q", p)
	}
	parentID, err := c.Resolve(dir)
	if err != nil {
		return nil, err
	}
	return c.CreateFolderIn(ctx, parentID, name)
}

// CreateFolderIn creates a folder under a known parent id.
func (c *Client) CreateFolderIn(ctx context.Context, parentID types.NodeID, name string) (*types.Node, error) {
	if existing, err := c.Store.ChildByName(parentID, name); err == nil {
		return nil, &remote.ConflictError{NodeID: existing.ID}
	}

	node, err := c.Remote.CreateFolder(ctx, name, parentID)
	if err != nil {
		return nil, err
	}
	if err := c.commitOptimistic(node); err != nil {
		c.logger.Warn("failed to cache created folder", zap.Error(err))
	}
	return node, nil
}

// Trash soft-deletes a node. The drive has no hard delete; trashed nodes
// stay in the cache until a full clear.
func (c *Client) Trash(ctx context.Context, p string) error {
	id, err := c.Resolve(p)
	if err != nil {
		return err
	}
	return c.TrashNode(ctx, id)
}

// TrashNode soft-deletes by id.
func (c *Client) TrashNode(ctx context.Context, id types.NodeID) error {
	node, err := c.Remote.Trash(ctx, id)
	if err != nil {
		return err
	}
	return c.commitOptimistic(node)
}

// Restore brings a trashed node back by id; trashed paths may not resolve.
func (c *Client) Restore(ctx context.Context, id types.NodeID) error {
	node, err := c.Remote.Restore(ctx, id)
	if err != nil {
		return err
	}
	return c.commitOptimistic(node)
}

// Move relocates a node to another folder, keeping its name.
func (c *Client) Move(ctx context.Context, src, dstDir string) error {
	id, err := c.Resolve(src)
	if err != nil {
		return err
	}
	fromID, err := c.Resolve(path.Dir(path.Clean(src)))
	if err != nil {
		return err
	}
	toID, err := c.Resolve(dstDir)
	if err != nil {
		return err
	}
	return c.MoveNode(ctx, id, fromID, toID)
}

// MoveNode swaps one parent edge for another by id.
func (c *Client) MoveNode(ctx context.Context, id, fromID, toID types.NodeID) error {
	node, err := c.Store.Get(id)
	if err != nil {
		return err
	}
	if existing, err := c.Store.ChildByName(toID, node.Name); err == nil {
		return &remote.ConflictError{NodeID: existing.ID}
	}

	moved, err := c.Remote.Move(ctx, id, fromID, toID)
	if err != nil {
		return err
	}
	return c.commitOptimistic(moved)
}

// Rename changes a node's display name in place.
func (c *Client) Rename(ctx context.Context, p, newName string) error {
	id, err := c.Resolve(p)
	if err != nil {
		return err
	}
	parentID, err := c.Resolve(path.Dir(path.Clean(p)))
	if err != nil {
		return err
	}
	return c.RenameNode(ctx, id, parentID, newName)
}

// RenameNode renames by id, checking for sibling collisions first.
func (c *Client) RenameNode(ctx context.Context, id, parentID types.NodeID, newName string) error {
	if existing, err := c.Store.ChildByName(parentID, newName); err == nil && existing.ID != id {
		return &remote.ConflictError{NodeID: existing.ID}
	}

	node, err := c.Remote.Rename(ctx, id, newName)
	if err != nil {
		return err
	}
	return c.commitOptimistic(node)
}

// Upload sends a local file or directory tree to a remote folder.
func (c *Client) Upload(ctx context.Context, localPath, remoteDir string, opts UploadOptions) (*transfer.BatchResult, error) {
	parentID, err := c.Resolve(remoteDir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return c.Sched.UploadDir(ctx, localPath, parentID, transfer.DirOptions{
			Exclude: opts.Exclude,
			Policy:  opts.Policy,
			Dedup:   opts.Dedup,
		})
	}

	h, err := c.Sched.Enqueue(transfer.Job{
		Direction:  types.Upload,
		LocalPath:  localPath,
		Name:       fi.Name(),
		ParentID:   parentID,
		Dedup:      opts.Dedup,
		Policy:     opts.Policy,
		LocalMTime: fi.ModTime(),
	})
	if err != nil {
		return nil, err
	}
	_, jobErr := h.Wait()
	return &transfer.BatchResult{
		Outcomes: []transfer.Outcome{{LocalPath: localPath, RemotePath: remoteDir, Err: jobErr}},
	}, nil
}

// Overwrite replaces an existing remote file's content with a local file.
func (c *Client) Overwrite(ctx context.Context, localPath, remotePath string) error {
	id, err := c.Resolve(remotePath)
	if err != nil {
		return err
	}
	h, err := c.Sched.Enqueue(transfer.Job{
		Direction: types.Overwrite,
		LocalPath: localPath,
		NodeID:    id,
	})
	if err != nil {
		return err
	}
	_, err = h.Wait()
	return err
}

// Download fetches a remote file or folder tree into a local directory.
func (c *Client) Download(ctx context.Context, remotePath, localDir string, opts UploadOptions) (*transfer.BatchResult, error) {
	id, err := c.Resolve(remotePath)
	if err != nil {
		return nil, err
	}
	node, err := c.Store.Get(id)
	if err != nil {
		return nil, err
	}

	if node.IsFolder() {
		return c.Sched.DownloadDir(ctx, id, localDir, transfer.DirOptions{Exclude: opts.Exclude})
	}

	h, err := c.Sched.Enqueue(transfer.Job{
		Direction:    types.Download,
		LocalPath:    path.Join(localDir, node.Name),
		NodeID:       id,
		Size:         node.Size,
		ExpectedHash: node.ContentHash,
	})
	if err != nil {
		return nil, err
	}
	_, jobErr := h.Wait()
	return &transfer.BatchResult{
		Outcomes: []transfer.Outcome{{LocalPath: path.Join(localDir, node.Name), RemotePath: remotePath, Err: jobErr}},
	}, nil
}

// UploadStream sends stdin-like content to a remote path. Streams cannot be
// retried or deduplicated.
func (c *Client) UploadStream(ctx context.Context, r io.Reader, remotePath string) (*types.Node, error) {
	dir, name := path.Split(path.Clean(remotePath))
	parentID, err := c.Resolve(dir)
	if err != nil {
		return nil, err
	}
	h, err := c.Sched.Enqueue(transfer.Job{
		Direction: types.Stream,
		Reader:    r,
		Name:      name,
		ParentID:  parentID,
	})
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// DownloadStream writes a remote file's content to a writer.
func (c *Client) DownloadStream(ctx context.Context, remotePath string, w io.Writer) error {
	id, err := c.Resolve(remotePath)
	if err != nil {
		return err
	}
	h, err := c.Sched.Enqueue(transfer.Job{
		Direction: types.Download,
		NodeID:    id,
		Writer:    w,
	})
	if err != nil {
		return err
	}
	_, err = h.Wait()
	return err
}

// Find lists nodes whose name contains the given string.
func (c *Client) Find(name string) ([]store.Entry, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	return c.Store.Find(name)
}

// FindByHash lists files with the given content hash.
func (c *Client) FindByHash(hash string) ([]store.Entry, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	return c.Store.FindByHash(hash)
}

// Usage summarizes the cache.
func (c *Client) Usage() store.Stats { return c.Store.Stats() }

// ClearCache drops all cached metadata, including trashed nodes.
func (c *Client) ClearCache() error {
	c.Store.Clear()
	return c.Store.Flush()
}

func (c *Client) requireReady() error {
	if !c.Store.Ready() {
		return ErrStaleCache
	}
	return nil
}

func (c *Client) commitOptimistic(node *types.Node) error {
	committed := *node
	committed.Local = true
	return c.Store.Upsert(committed)
}
