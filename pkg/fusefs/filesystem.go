// Package fusefs exposes the cached node tree as a POSIX filesystem. Reads
// go through the bounded chunk buffer pool with ranged fetches on miss;
// writes buffer sequentially and are uploaded as whole content streams on
// flush. Metadata operations act on the drive immediately and show up in the
// cache as optimistic entries.
package fusefs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"os"
	"syscall"
	"time"

	"cumulus/pkg/chunk"
	"cumulus/pkg/drive"
	"cumulus/pkg/remote"
	"cumulus/pkg/store"
	"cumulus/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// localIDPrefix marks placeholder ids for files created through the mount
// that have not been uploaded yet. Remote ids never start with it.
const localIDPrefix = "local-"

// shared is the state every inode of one mount hangs off.
type shared struct {
	client *drive.Client
	chunks *chunk.Cache
	logger *zap.Logger
}

// DirNode is a mounted folder backed by a cached node.
type DirNode struct {
	fs.Inode
	shared *shared
	id     types.NodeID
}

// Getattr returns folder attributes from the cache.
func (d *DirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	node, err := d.shared.client.Store.Get(d.id)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttr(node, &out.Attr)
	out.SetTimeout(1 * time.Second)
	return 0
}

// Lookup finds a child by name in the cache. Trashed nodes are invisible.
func (d *DirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, err := d.shared.client.Store.ChildByName(d.id, name)
	if err != nil || !child.IsAvailable() {
		return nil, syscall.ENOENT
	}

	inode := d.newChildInode(ctx, child)
	fillAttr(child, &out.Attr)
	out.SetEntryTimeout(1 * time.Second)
	out.SetAttrTimeout(1 * time.Second)
	return inode, 0
}

// Readdir lists the folder's available children.
func (d *DirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := d.shared.client.Store.Children(d.id)
	if err != nil {
		d.shared.logger.Error("failed to list folder",
			zap.String("node", string(d.id)), zap.Error(err))
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		if !child.IsAvailable() {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if child.IsFolder() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Mode: mode,
			Name: child.Name,
			Ino:  ino(child.ID),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a remote folder and materializes it immediately.
func (d *DirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, err := d.shared.client.CreateFolderIn(ctx, d.id, name)
	if err != nil {
		d.shared.logger.Error("mkdir failed", zap.String("name", name), zap.Error(err))
		return nil, errnoFor(err)
	}

	inode := d.newChildInode(ctx, *node)
	fillAttr(*node, &out.Attr)
	return inode, 0
}

// Create registers a placeholder file that exists only in the cache until the
// first flush uploads its content and swaps in the remote node.
func (d *DirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if existing, err := d.shared.client.Store.ChildByName(d.id, name); err == nil && existing.IsAvailable() {
		return nil, nil, 0, syscall.EEXIST
	}

	node := types.Node{
		ID:         newLocalID(),
		Type:       types.File,
		Name:       name,
		Status:     types.Available,
		Parents:    []types.NodeID{d.id},
		ModifiedAt: time.Now(),
		Local:      true,
	}
	if err := d.shared.client.Store.Upsert(node); err != nil {
		d.shared.logger.Error("failed to register new file", zap.String("name", name), zap.Error(err))
		return nil, nil, 0, syscall.EIO
	}
	d.shared.logger.Debug("created file", zap.String("name", name), zap.String("node", string(node.ID)))

	file := &FileNode{shared: d.shared, id: node.ID}
	inode := d.NewInode(ctx, file, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  ino(node.ID),
	})
	fillAttr(node, &out.Attr)
	return inode, nil, fuse.FOPEN_DIRECT_IO, 0
}

// Unlink trashes a file. The drive has no hard delete.
func (d *DirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	child, err := d.shared.client.Store.ChildByName(d.id, name)
	if err != nil {
		return syscall.ENOENT
	}
	if child.IsFolder() {
		return syscall.EISDIR
	}

	d.shared.chunks.Drop(child.ID)
	if err := d.shared.client.TrashNode(ctx, child.ID); err != nil {
		d.shared.logger.Error("unlink failed", zap.String("name", name), zap.Error(err))
		return errnoFor(err)
	}
	return 0
}

// Rmdir trashes an empty folder.
func (d *DirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	child, err := d.shared.client.Store.ChildByName(d.id, name)
	if err != nil {
		return syscall.ENOENT
	}
	if !child.IsFolder() {
		return syscall.ENOTDIR
	}

	children, err := d.shared.client.Store.Children(child.ID)
	if err != nil {
		return syscall.EIO
	}
	for _, c := range children {
		if c.IsAvailable() {
			return syscall.ENOTEMPTY
		}
	}

	if err := d.shared.client.TrashNode(ctx, child.ID); err != nil {
		d.shared.logger.Error("rmdir failed", zap.String("name", name), zap.Error(err))
		return errnoFor(err)
	}
	return 0
}

// Rename moves and/or renames a child. Both steps are remote calls; a
// crash between them leaves the node moved but not renamed.
func (d *DirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*DirNode)
	if !ok {
		return syscall.EXDEV
	}
	child, err := d.shared.client.Store.ChildByName(d.id, name)
	if err != nil {
		return syscall.ENOENT
	}

	if target.id != d.id {
		if err := d.shared.client.MoveNode(ctx, child.ID, d.id, target.id); err != nil {
			d.shared.logger.Error("move failed", zap.String("name", name), zap.Error(err))
			return errnoFor(err)
		}
	}
	if newName != child.Name {
		if err := d.shared.client.RenameNode(ctx, child.ID, target.id, newName); err != nil {
			d.shared.logger.Error("rename failed", zap.String("name", name), zap.Error(err))
			return errnoFor(err)
		}
	}
	return 0
}

// Statfs reports cache-derived usage. The drive exposes no quota, so free
// space is a fixed large figure.
func (d *DirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stats := d.shared.client.Usage()
	const bsize = 4096
	free := uint64(1) << 28

	out.Bsize = bsize
	out.Blocks = uint64(stats.TotalSize)/bsize + free
	out.Bfree = free
	out.Bavail = free
	out.Files = uint64(stats.Nodes)
	out.NameLen = 255
	return 0
}

func (d *DirNode) newChildInode(ctx context.Context, node types.Node) *fs.Inode {
	var embed fs.InodeEmbedder
	mode := uint32(syscall.S_IFREG)
	if node.IsFolder() {
		embed = &DirNode{shared: d.shared, id: node.ID}
		mode = syscall.S_IFDIR
	} else {
		embed = &FileNode{shared: d.shared, id: node.ID}
	}
	return d.NewInode(ctx, embed, fs.StableAttr{Mode: mode, Ino: ino(node.ID)})
}

// fillAttr converts a cached node to FUSE attributes.
func fillAttr(node types.Node, attr *fuse.Attr) {
	attr.Ino = ino(node.ID)
	if node.IsFolder() {
		attr.Mode = 0755 | syscall.S_IFDIR
	} else {
		attr.Mode = 0644 | syscall.S_IFREG
	}
	attr.Size = uint64(node.Size)
	attr.Nlink = 1
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
	if !node.ModifiedAt.IsZero() {
		ts := uint64(node.ModifiedAt.Unix())
		attr.Mtime = ts
		attr.Atime = ts
		attr.Ctime = ts
	}
}

// ino derives a stable inode number from a node id.
func ino(id types.NodeID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

func newLocalID() types.NodeID {
	var b [8]byte
	rand.Read(b[:])
	return types.NodeID(localIDPrefix + hex.EncodeToString(b[:]))
}

// errnoFor maps client errors onto POSIX errnos.
func errnoFor(err error) syscall.Errno {
	var conflict *remote.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return syscall.ENOENT
	case errors.As(err, &conflict):
		return syscall.EEXIST
	case errors.Is(err, store.ErrLastParent):
		return syscall.EPERM
	}
	return syscall.EIO
}
