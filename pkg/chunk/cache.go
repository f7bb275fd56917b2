// Package chunk manages fixed-size byte-range buffers of file content. The
// pool is bounded: least-recently-used clean buffers are evicted first, and
// dirty or flushing buffers are never dropped. It backs both FUSE I/O and
// streamed transfers; nothing here is persisted across restarts.
package chunk

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cumulus/pkg/types"

	"go.uber.org/zap"

	gosync "sync"
)

type BufferState int

const (
	Clean BufferState = iota
	Dirty
	Flushing
)

var (
	// ErrNonSequentialWrite rejects random-offset partial writes. The drive
	// uploads whole content streams, so buffered writes must append to the
	// buffered region.
	ErrNonSequentialWrite = errors.New("only sequential appending writes are supported")
	// ErrCacheFull means the pool is at its bound and nothing is evictable.
	ErrCacheFull = errors.New("chunk cache full: no clean buffer to evict")
)

// FetchFunc fills a read miss with a bounded ranged download.
type FetchFunc func(ctx context.Context, id types.NodeID, offset, length int64) ([]byte, error)

type key struct {
	node  types.NodeID
	index int64
}

type buffer struct {
	key        key
	state      BufferState
	data       []byte
	elem       *list.Element
	lastAccess time.Time
}

type fileState struct {
	// writeOff is the next offset a write must land on.
	writeOff int64
}

// Cache is the bounded chunk buffer pool. Safe for concurrent use.
type Cache struct {
	mu        gosync.Mutex
	logger    *zap.Logger
	chunkSize int64
	limit     int
	fetch     FetchFunc

	bufs     map[key]*buffer
	lru      *list.List // front = most recently used
	files    map[types.NodeID]*fileState
	inflight map[key]chan struct{}
}

func New(chunkSize int64, limit int, fetch FetchFunc, logger *zap.Logger) *Cache {
	return &Cache{
		logger:    logger,
		chunkSize: chunkSize,
		limit:     limit,
		fetch:     fetch,
		bufs:      make(map[key]*buffer),
		lru:       list.New(),
		files:     make(map[types.NodeID]*fileState),
		inflight:  make(map[key]chan struct{}),
	}
}

// Len reports how many buffers the pool currently holds.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bufs)
}

// BufferedSize returns the length of the buffered write region for a file,
// zero when nothing is buffered.
func (c *Cache) BufferedSize(id types.NodeID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.files[id]; f != nil {
		return f.writeOff
	}
	return 0
}

// HasDirty reports whether a file has unflushed buffered writes.
func (c *Cache) HasDirty(id types.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, b := range c.bufs {
		if k.node == id && b.state != Clean {
			return true
		}
	}
	return false
}

// AnyDirty reports whether any file has unflushed buffered writes.
func (c *Cache) AnyDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bufs {
		if b.state != Clean {
			return true
		}
	}
	return false
}

// ReadAt serves a read from the buffer pool, fetching missing chunks through
// the ranged fetch function. size is the file's committed remote size; dirty
// buffered writes extend and mask it (read-your-writes).
func (c *Cache) ReadAt(ctx context.Context, id types.NodeID, size int64, p []byte, off int64) (int, error) {
	effective := size
	if buffered := c.BufferedSize(id); buffered > effective {
		effective = buffered
	}
	if off >= effective {
		return 0, io.EOF
	}
	if max := effective - off; int64(len(p)) > max {
		p = p[:max]
	}

	read := 0
	for read < len(p) {
		pos := off + int64(read)
		idx := pos / c.chunkSize
		within := pos % c.chunkSize

		data, err := c.chunkData(ctx, id, idx, effective)
		if err != nil {
			return read, err
		}
		if within >= int64(len(data)) {
			break
		}
		read += copy(p[read:], data[within:])
	}
	return read, nil
}

// WriteAt appends to the file's buffered region, creating dirty buffers.
// The first write must start at offset 0 and every later write at the end of
// what is already buffered.
func (c *Cache) WriteAt(id types.NodeID, p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.files[id]
	if f == nil {
		f = &fileState{}
		c.files[id] = f
	}
	if off != f.writeOff {
		return 0, fmt.Errorf("%w: offset %d, buffered region ends at %d",
			ErrNonSequentialWrite, off, f.writeOff)
	}

	written := 0
	for written < len(p) {
		pos := off + int64(written)
		k := key{node: id, index: pos / c.chunkSize}
		within := int(pos % c.chunkSize)

		b := c.bufs[k]
		if b == nil {
			if err := c.evictLocked(); err != nil {
				return written, err
			}
			b = &buffer{key: k, state: Dirty, lastAccess: time.Now()}
			b.elem = c.lru.PushFront(b)
			c.bufs[k] = b
		} else {
			b.state = Dirty
			c.touchLocked(b)
		}
		// The write region is authoritative: discard previously fetched
		// bytes past the cursor.
		if len(b.data) > within {
			b.data = b.data[:within]
		}

		n := len(p) - written
		if room := int(c.chunkSize) - within; n > room {
			n = room
		}
		b.data = append(b.data, p[written:written+n]...)
		written += n
		f.writeOff = pos + int64(n)
	}
	return written, nil
}

// TakeDirty collects the file's dirty region in order and marks its buffers
// FLUSHING. The buffers keep serving reads until CompleteFlush settles them.
func (c *Cache) TakeDirty(id types.NodeID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.files[id]
	if f == nil || f.writeOff == 0 {
		return nil, false
	}

	data := make([]byte, 0, f.writeOff)
	for idx := int64(0); idx*c.chunkSize < f.writeOff; idx++ {
		b := c.bufs[key{node: id, index: idx}]
		if b == nil {
			return nil, false
		}
		if b.state == Dirty {
			b.state = Flushing
		}
		data = append(data, b.data...)
	}
	if int64(len(data)) > f.writeOff {
		data = data[:f.writeOff]
	}
	return data, true
}

// CompleteFlush settles the file's FLUSHING buffers: clean on success, back
// to dirty on failure so the data is not lost.
func (c *Cache) CompleteFlush(id types.NodeID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, b := range c.bufs {
		if k.node == id && b.state == Flushing {
			if ok {
				b.state = Clean
			} else {
				b.state = Dirty
			}
		}
	}
	if ok {
		// The region is committed remotely; the write cursor resets so a
		// later rewrite starts over.
		delete(c.files, id)
	}
}

// Drop discards every buffer of a file, dirty or not. Used when a file is
// trashed or its handle is released after a successful flush.
func (c *Cache) Drop(id types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, b := range c.bufs {
		if k.node == id {
			c.lru.Remove(b.elem)
			delete(c.bufs, k)
		}
	}
	delete(c.files, id)
}

// chunkData returns one chunk's bytes, fetching on miss. Concurrent misses
// of the same chunk share a single fetch.
func (c *Cache) chunkData(ctx context.Context, id types.NodeID, idx, size int64) ([]byte, error) {
	k := key{node: id, index: idx}

	for {
		c.mu.Lock()
		if b := c.bufs[k]; b != nil {
			c.touchLocked(b)
			data := b.data
			c.mu.Unlock()
			return data, nil
		}
		wait, fetching := c.inflight[k]
		if !fetching {
			done := make(chan struct{})
			c.inflight[k] = done
			c.mu.Unlock()

			data, err := c.fill(ctx, k, size)

			c.mu.Lock()
			delete(c.inflight, k)
			close(done)
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			c.prefetch(ctx, id, idx+1, size)
			return data, nil
		}
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Cache) fill(ctx context.Context, k key, size int64) ([]byte, error) {
	start := k.index * c.chunkSize
	length := c.chunkSize
	if start+length > size {
		length = size - start
	}
	if length <= 0 {
		return nil, io.EOF
	}

	data, err := c.fetch(ctx, k.node, start, length)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk %d of %s: %w", k.index, k.node, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.evictLocked(); err != nil {
		// Nothing evictable: serve the data without caching it.
		c.logger.Warn("chunk pool full, serving uncached read",
			zap.String("node", string(k.node)), zap.Int64("chunk", k.index))
		return data, nil
	}
	b := &buffer{key: k, state: Clean, data: data, lastAccess: time.Now()}
	b.elem = c.lru.PushFront(b)
	c.bufs[k] = b
	return data, nil
}

// prefetch warms the next chunk in the background.
func (c *Cache) prefetch(ctx context.Context, id types.NodeID, idx, size int64) {
	if idx*c.chunkSize >= size {
		return
	}
	k := key{node: id, index: idx}

	c.mu.Lock()
	_, cached := c.bufs[k]
	_, fetching := c.inflight[k]
	room := len(c.bufs) < c.limit
	if cached || fetching || !room {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.inflight[k] = done
	c.mu.Unlock()

	go func() {
		_, err := c.fill(context.WithoutCancel(ctx), k, size)
		if err != nil {
			c.logger.Debug("read-ahead failed", zap.Error(err))
		}
		c.mu.Lock()
		delete(c.inflight, k)
		close(done)
		c.mu.Unlock()
	}()
}

// evictLocked makes room for one more buffer, removing the least recently
// used CLEAN buffer. Dirty and flushing buffers are never evicted.
func (c *Cache) evictLocked() error {
	if len(c.bufs) < c.limit {
		return nil
	}
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*buffer)
		if b.state != Clean {
			continue
		}
		c.lru.Remove(e)
		delete(c.bufs, b.key)
		return nil
	}
	return ErrCacheFull
}

func (c *Cache) touchLocked(b *buffer) {
	b.lastAccess = time.Now()
	c.lru.MoveToFront(b.elem)
}
