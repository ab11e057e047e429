// Package coord defines the narrow capability interface this module
// uses against the external coordination service (spec §1/§6): a
// hierarchical key/value store with ephemeral nodes, watches,
// sequential child naming, and atomic multi-updates. The concrete
// binding lives in zk.go; the coordinator client library itself is
// out of scope per spec §1, so nothing outside this package imports
// go-zookeeper/zk directly.
package coord

import (
	"context"
	"errors"
)

// CreateMode selects the lifetime/naming discipline of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

// Stat is the subset of a node's metadata this module ever inspects:
// enough to drive optimistic version-checked writes (§4.1).
type Stat struct {
	Version int32
}

// OpKind identifies one step of an atomic multi-update (§4.1).
type OpKind int

const (
	OpCreate OpKind = iota
	OpDelete
	OpSetData
	OpCheckVersion
)

// Op is a single step of a Multi call. Exactly one of the fields
// relevant to Kind is read.
type Op struct {
	Kind    OpKind
	Path    string
	Data    []byte
	Mode    CreateMode // OpCreate only
	Version int32      // OpDelete/OpSetData/OpCheckVersion: expected version, -1 for "any"
}

func CreateOp(path string, data []byte, mode CreateMode) Op {
	return Op{Kind: OpCreate, Path: path, Data: data, Mode: mode}
}

func DeleteOp(path string, version int32) Op {
	return Op{Kind: OpDelete, Path: path, Version: version}
}

func SetDataOp(path string, data []byte, version int32) Op {
	return Op{Kind: OpSetData, Path: path, Data: data, Version: version}
}

func CheckVersionOp(path string, version int32) Op {
	return Op{Kind: OpCheckVersion, Path: path, Version: version}
}

// OpResult is the per-step outcome of a successful Multi call. For
// OpCreate on a sequential node, Path is the final, suffixed path.
type OpResult struct {
	Path string
}

// EventType classifies an asynchronous notification delivered on a
// watched path (Design Notes: "Coordinator watches ... do not leak
// the specific callback signature").
type EventType int

const (
	EventChildrenChanged EventType = iota
	EventDataChanged
	EventNodeDeleted
	EventSessionExpired
)

// Event is one notification delivered to a subscriber of WatchPrefix.
type Event struct {
	Type EventType
	Path string
}

var (
	ErrNoNode       = errors.New("coord: no node")
	ErrNodeExists   = errors.New("coord: node exists")
	ErrBadVersion   = errors.New("coord: version conflict")
	ErrNotEmpty     = errors.New("coord: node has children")
	ErrUnavailable  = errors.New("coord: unavailable")
	ErrSessionLost  = errors.New("coord: session expired")
)

// Client is the capability surface every component in this module is
// written against. Implementations: zkClient (production) and
// coord/fake.Client (tests).
type Client interface {
	// Create creates path with the given mode. For a sequential mode
	// the returned string is the final suffixed path.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)
	// Get returns the node's data and stat, or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	// Exists reports whether path exists without erroring if absent.
	Exists(ctx context.Context, path string) (bool, Stat, error)
	// Children lists the direct children of path, unsorted.
	Children(ctx context.Context, path string) ([]string, error)
	// SetData overwrites path's data, version-checked (-1 = any).
	SetData(ctx context.Context, path string, data []byte, version int32) (Stat, error)
	// Delete removes path, version-checked (-1 = any).
	Delete(ctx context.Context, path string, version int32) error
	// Multi executes every Op atomically: all succeed or all fail
	// (spec §4.1). On VersionConflict the caller is expected to
	// refresh and retry per spec §7.
	Multi(ctx context.Context, ops ...Op) ([]OpResult, error)
	// WatchPrefix subscribes to asynchronous notifications for paths
	// under prefix, delivered on the returned channel until ctx is
	// canceled or Close is called.
	WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error)
	// SessionID identifies the current coordinator session; it
	// changes across a reconnect (§4.9).
	SessionID() int64
	Close() error
}
