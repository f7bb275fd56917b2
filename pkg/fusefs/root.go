package fusefs

import (
	"context"
	"fmt"
	"io"
	"time"

	"cumulus/pkg/chunk"
	"cumulus/pkg/config"
	"cumulus/pkg/drive"
	"cumulus/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Ensure the inode types implement the operations the kernel will call.
var _ fs.NodeGetattrer = (*DirNode)(nil)
var _ fs.NodeLookuper = (*DirNode)(nil)
var _ fs.NodeReaddirer = (*DirNode)(nil)
var _ fs.NodeMkdirer = (*DirNode)(nil)
var _ fs.NodeCreater = (*DirNode)(nil)
var _ fs.NodeUnlinker = (*DirNode)(nil)
var _ fs.NodeRmdirer = (*DirNode)(nil)
var _ fs.NodeRenamer = (*DirNode)(nil)
var _ fs.NodeStatfser = (*DirNode)(nil)

var _ fs.NodeGetattrer = (*FileNode)(nil)
var _ fs.NodeSetattrer = (*FileNode)(nil)
var _ fs.NodeOpener = (*FileNode)(nil)
var _ fs.NodeReader = (*FileNode)(nil)
var _ fs.NodeWriter = (*FileNode)(nil)
var _ fs.NodeFlusher = (*FileNode)(nil)
var _ fs.NodeFsyncer = (*FileNode)(nil)
var _ fs.NodeReleaser = (*FileNode)(nil)

// Server is one live mount plus its periodic sync loop.
type Server struct {
	srv    *fuse.Server
	client *drive.Client
	chunks *chunk.Cache
	logger *zap.Logger

	interval time.Duration
	stop     chan struct{}
}

// Mount exposes the cached tree at mountpoint. The cache must have been
// established by a sync; mounting an empty cache fails.
func Mount(client *drive.Client, mountpoint string, fscfg config.FSConfig, logger *zap.Logger) (*Server, error) {
	root, err := client.Store.Root()
	if err != nil {
		return nil, fmt.Errorf("cannot mount: %w", err)
	}

	chunks := chunk.New(fscfg.ChunkSize, fscfg.MaxChunks, fetcher(client), logger)
	sh := &shared{client: client, chunks: chunks, logger: logger}

	timeout := 1 * time.Second
	srv, err := fs.Mount(mountpoint, &DirNode{shared: sh, id: root.ID}, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName: "cumulus",
			Name:   "cumulus",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount: %w", err)
	}
	logger.Info("filesystem mounted",
		zap.String("mountpoint", mountpoint),
		zap.Duration("sync_interval", fscfg.SyncInterval))

	s := &Server{
		srv:      srv,
		client:   client,
		chunks:   chunks,
		logger:   logger,
		interval: fscfg.SyncInterval,
		stop:     make(chan struct{}),
	}
	if s.interval > 0 {
		go s.syncLoop()
	}
	return s, nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	s.srv.Wait()
	close(s.stop)
}

// Unmount detaches the filesystem and stops the sync loop.
func (s *Server) Unmount() error {
	return s.srv.Unmount()
}

// syncLoop keeps the cache fresh while mounted. A tick is skipped while
// buffered writes are pending so a sync page cannot race an in-flight flush.
func (s *Server) syncLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.chunks.AnyDirty() {
				s.logger.Debug("skipping periodic sync, writes in flight")
				continue
			}
			if err := s.client.Sync(context.Background(), false); err != nil {
				s.logger.Warn("periodic sync failed", zap.Error(err))
			}
		}
	}
}

// fetcher adapts ranged content downloads to the chunk pool's fetch contract.
func fetcher(client *drive.Client) chunk.FetchFunc {
	return func(ctx context.Context, id types.NodeID, offset, length int64) ([]byte, error) {
		body, err := client.Remote.Download(ctx, id, offset, length)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return io.ReadAll(io.LimitReader(body, length))
	}
}
