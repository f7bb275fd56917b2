package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cumulus/pkg/remote"
	"cumulus/pkg/store"
	"cumulus/pkg/types"

	"go.uber.org/zap"
)

// ErrFolderCreate wraps failures of the directory pre-pass.
var ErrFolderCreate = errors.New("folder creation failed")

// DirOptions tunes directory transfers. Exclude entries are matched
// case-insensitively against base names: glob patterns when they contain
// metacharacters, filename suffixes otherwise.
type DirOptions struct {
	Exclude []string
	Policy  OverwritePolicy
	Dedup   bool
}

// Outcome is one file's result within a directory transfer.
type Outcome struct {
	LocalPath  string
	RemotePath string
	Err        error
}

// BatchResult aggregates per-file outcomes; individual failures never abort
// sibling transfers.
type BatchResult struct {
	Outcomes []Outcome
}

func (r *BatchResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// UploadDir mirrors a local directory under a remote folder: an idempotent
// pre-pass creates the remote hierarchy (re-running a resumed transfer must
// not recreate existing folders), then one retryable job per leaf file.
func (s *Scheduler) UploadDir(ctx context.Context, localDir string, parentID types.NodeID, opts DirOptions) (*BatchResult, error) {
	result := &BatchResult{}

	rootID, err := s.ensureFolder(ctx, parentID, filepath.Base(localDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFolderCreate, filepath.Base(localDir), err)
	}

	// Pre-pass: walk the tree, applying exclusions before any job exists,
	// and build the remote folder hierarchy.
	folders := map[string]types.NodeID{localDir: rootID}
	var files []string

	walkErr := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == localDir {
			return nil
		}
		if excluded(d.Name(), opts.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, path)
			return nil
		}

		parent, ok := folders[filepath.Dir(path)]
		if !ok {
			// Parent folder creation already failed; skip the subtree.
			return filepath.SkipDir
		}
		id, err := s.ensureFolder(ctx, parent, d.Name())
		if err != nil {
			result.Outcomes = append(result.Outcomes, Outcome{
				LocalPath: path,
				Err:       fmt.Errorf("%w: %s: %v", ErrFolderCreate, d.Name(), err),
			})
			return filepath.SkipDir
		}
		folders[path] = id
		return nil
	})
	if walkErr != nil {
		return result, walkErr
	}

	handles := make(map[string]*JobHandle, len(files))
	for _, path := range files {
		parent, ok := folders[filepath.Dir(path)]
		if !ok {
			continue
		}
		mtime := time.Time{}
		if fi, err := os.Stat(path); err == nil {
			mtime = fi.ModTime()
		}
		h, err := s.Enqueue(Job{
			Direction:  types.Upload,
			LocalPath:  path,
			Name:       filepath.Base(path),
			ParentID:   parent,
			Dedup:      opts.Dedup,
			Policy:     opts.Policy,
			LocalMTime: mtime,
		})
		if err != nil {
			result.Outcomes = append(result.Outcomes, Outcome{LocalPath: path, Err: err})
			continue
		}
		handles[path] = h
	}

	for path, h := range handles {
		_, err := h.Wait()
		result.Outcomes = append(result.Outcomes, Outcome{LocalPath: path, Err: err})
	}
	return result, nil
}

// DownloadDir fetches a remote subtree into a local directory, one retryable
// job per file. The store walk is cycle-bounded.
func (s *Scheduler) DownloadDir(ctx context.Context, folderID types.NodeID, localDir string, opts DirOptions) (*BatchResult, error) {
	folder, err := s.store.Get(folderID)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(localDir, folder.Name)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFolderCreate, err)
	}

	type target struct {
		node      types.Node
		localPath string
		remote    string
	}
	var targets []target

	prefix, err := s.store.PathOf(folderID)
	if err != nil {
		return nil, err
	}
	walkErr := s.store.Walk(folderID, true, false, func(e store.Entry, depth int) error {
		if excluded(e.Node.Name, opts.Exclude) {
			return nil
		}
		rel := strings.TrimPrefix(e.Path, prefix)
		local := filepath.Join(root, filepath.FromSlash(rel))
		if e.Node.IsFolder() {
			return os.MkdirAll(local, 0755)
		}
		targets = append(targets, target{node: e.Node, localPath: local, remote: e.Path})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	result := &BatchResult{}
	handles := make([]*JobHandle, 0, len(targets))
	for _, t := range targets {
		h, err := s.Enqueue(Job{
			Direction:    types.Download,
			LocalPath:    t.localPath,
			NodeID:       t.node.ID,
			Size:         t.node.Size,
			ExpectedHash: t.node.ContentHash,
		})
		if err != nil {
			result.Outcomes = append(result.Outcomes, Outcome{
				LocalPath: t.localPath, RemotePath: t.remote, Err: err,
			})
			handles = append(handles, nil)
			continue
		}
		handles = append(handles, h)
	}
	for i, h := range handles {
		if h == nil {
			continue
		}
		_, err := h.Wait()
		result.Outcomes = append(result.Outcomes, Outcome{
			LocalPath:  targets[i].localPath,
			RemotePath: targets[i].remote,
			Err:        err,
		})
	}
	return result, nil
}

// ensureFolder finds or creates one remote folder. Existing folders are
// reused, a file squatting on the name is a conflict.
func (s *Scheduler) ensureFolder(ctx context.Context, parent types.NodeID, name string) (types.NodeID, error) {
	if existing, err := s.store.ChildByName(parent, name); err == nil {
		if !existing.IsFolder() {
			return "", &remote.ConflictError{NodeID: existing.ID}
		}
		return existing.ID, nil
	}

	node, err := s.remote.CreateFolder(ctx, name, parent)
	if err != nil {
		var conflict *remote.ConflictError
		if errors.As(err, &conflict) && conflict.NodeID != "" {
			// Created by an earlier run or another client; treat as ours.
			return conflict.NodeID, nil
		}
		return "", err
	}

	committed := *node
	committed.Local = true
	if err := s.store.Upsert(committed); err != nil {
		s.logger.Warn("failed to cache created folder", zap.Error(err))
	}
	return node.ID, nil
}

// excluded matches a base name against the exclusion rules,
// case-insensitively.
func excluded(name string, rules []string) bool {
	lower := strings.ToLower(name)
	for _, rule := range rules {
		r := strings.ToLower(rule)
		if strings.ContainsAny(r, "*?[") {
			if ok, err := filepath.Match(r, lower); err == nil && ok {
				return true
			}
			continue
		}
		if strings.HasSuffix(lower, r) {
			return true
		}
	}
	return false
}
