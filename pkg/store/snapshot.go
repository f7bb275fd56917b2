package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cumulus/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	snapshotFile = "nodes.cbor.zst"
	lockFileName = "cache.lock"
)

// ErrCacheLocked means another process holds the cache directory. Two
// processes mutating the same persisted store is an unsupported
// configuration, guarded by an advisory lock.
var ErrCacheLocked = errors.New("cache directory is locked by another process")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

type persistence struct {
	dir  string
	lock *os.File
}

// snapshot is the on-disk shape of the store: the node table plus the
// checkpoint, zstd-compressed CBOR. Chunk buffers are never persisted.
type snapshot struct {
	Nodes      []types.Node     `cbor:"nodes"`
	Checkpoint types.Checkpoint `cbor:"checkpoint"`
	Ready      bool             `cbor:"ready"`
	SavedAt    time.Time        `cbor:"savedAt"`
}

// Open loads the persisted store from dir, creating it when empty, and takes
// an exclusive advisory lock. A second process opening the same directory
// fails fast with ErrCacheLocked.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, ErrCacheLocked
	}

	s := NewMemory(logger)
	s.persist = &persistence{dir: dir, lock: lock}

	if err := s.loadSnapshot(); err != nil {
		unix.Flock(int(lock.Fd()), unix.LOCK_UN)
		lock.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes the snapshot and releases the advisory lock. The store must
// not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.saveSnapshotLocked(); err != nil {
		return err
	}

	unix.Flock(int(s.persist.lock.Fd()), unix.LOCK_UN)
	err := s.persist.lock.Close()
	s.persist = nil
	return err
}

// Flush writes the snapshot without closing the store.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	return s.saveSnapshotLocked()
}

func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.persist.dir, snapshotFile)
	compressed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var snap snapshot
	if err := cbor.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	// The snapshot was written from a consistent store; rebuild the edge
	// index directly instead of re-running ordering checks.
	for i := range snap.Nodes {
		n := cloneNode(&snap.Nodes[i])
		s.nodes[n.ID] = &n
		if len(n.Parents) == 0 && n.IsFolder() {
			s.rootID = n.ID
		}
		for _, p := range n.Parents {
			if s.children[p] == nil {
				s.children[p] = make(map[types.NodeID]struct{})
			}
			s.children[p][n.ID] = struct{}{}
		}
	}
	s.checkpoint = snap.Checkpoint
	s.ready = snap.Ready

	s.logger.Info("loaded cache snapshot",
		zap.Int("nodes", len(snap.Nodes)),
		zap.Time("saved_at", snap.SavedAt))
	return nil
}

func (s *Store) saveSnapshotLocked() error {
	snap := snapshot{
		Nodes:      make([]types.Node, 0, len(s.nodes)),
		Checkpoint: s.checkpoint,
		Ready:      s.ready,
		SavedAt:    time.Now().UTC(),
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, cloneNode(n))
	}

	raw, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	// Write-then-rename so a crash never leaves a torn snapshot.
	path := filepath.Join(s.persist.dir, snapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Debug("saved cache snapshot", zap.Int("nodes", len(snap.Nodes)))
	return nil
}
