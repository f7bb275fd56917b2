package types

import (
	"time"
)

// NodeID is the opaque, immutable identifier the drive assigns to every node.
type NodeID string

// Checkpoint is an opaque cursor into the drive's change feed. The empty
// checkpoint means "replay the feed from the beginning".
type Checkpoint string

type NodeType string

const (
	File   NodeType = "FILE"
	Folder NodeType = "FOLDER"
)

type NodeStatus string

const (
	Available NodeStatus = "AVAILABLE"
	Trash     NodeStatus = "TRASH"
	// Pending nodes appear in the feed while the drive is still processing
	// an upload. They are skipped during sync.
	Pending NodeStatus = "PENDING"
)

// Node is one entry of the remote file tree, cached locally. A node may have
// more than one parent, so the cached structure is a DAG, not a tree.
type Node struct {
	ID          NodeID     `json:"id" cbor:"id"`
	Type        NodeType   `json:"kind" cbor:"kind"`
	Name        string     `json:"name" cbor:"name"`
	Status      NodeStatus `json:"status" cbor:"status"`
	Parents     []NodeID   `json:"parents" cbor:"parents"`
	Size        int64      `json:"size,omitempty" cbor:"size,omitempty"`
	ContentHash string     `json:"contentHash,omitempty" cbor:"contentHash,omitempty"`
	ModifiedAt  time.Time  `json:"modifiedDate,omitempty" cbor:"modifiedDate,omitempty"`

	// Version increases monotonically per node on the remote side. Stale
	// feed pages carrying an older version are ignored by the store.
	Version int64 `json:"version" cbor:"version"`

	// Local marks an optimistic entry created by a completed transfer or a
	// local mkdir, not yet confirmed by sync.
	Local bool `json:"-" cbor:"local,omitempty"`
}

func (n *Node) IsFile() bool   { return n.Type == File }
func (n *Node) IsFolder() bool { return n.Type == Folder }

func (n *Node) IsAvailable() bool { return n.Status == Available }
func (n *Node) IsTrashed() bool   { return n.Status == Trash }

// ChangeSet is one page of the drive's change feed.
type ChangeSet struct {
	Nodes      []Node     `json:"nodes"`
	Purged     []NodeID   `json:"purged"`
	Checkpoint Checkpoint `json:"checkpoint"`
	Reset      bool       `json:"reset"`
	StatusCode int        `json:"statusCode"`
	End        bool       `json:"end"`
}

// Direction says which way a transfer job moves content.
type Direction string

const (
	Upload    Direction = "UPLOAD"
	Download  Direction = "DOWNLOAD"
	Overwrite Direction = "OVERWRITE"
	Stream    Direction = "STREAM"
)

type JobStatus int32

const (
	JobPending JobStatus = iota
	JobRunning
	JobRetrying
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobRetrying:
		return "RETRYING"
	case JobSucceeded:
		return "SUCCEEDED"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether a job in this status is finished.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}
