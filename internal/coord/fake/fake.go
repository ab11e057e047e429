// Package fake is an in-process stand-in for the coord.Client
// capability interface, used by unit tests that exercise multi-op
// commit semantics, ephemeral dedup locks, and sequential naming
// without a live ZooKeeper ensemble (SPEC_FULL.md, "Test tooling").
package fake

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/johnskopis/ClickHouse/internal/coord"
)

type node struct {
	data      []byte
	version   int32
	ephemeral bool
	children  map[string]*node
}

func newNode(data []byte, ephemeral bool) *node {
	return &node{data: data, version: 0, ephemeral: ephemeral, children: make(map[string]*node)}
}

// Client is a single-session in-memory coordinator. Multiple Clients
// can share a *Coordinator to model multiple replicas talking to one
// ensemble; each Client's ephemeral nodes are torn down by Expire.
type Client struct {
	coord *Coordinator
	id    int64
}

// Coordinator is the shared in-memory tree backing one or more fake
// Clients (sessions).
type Coordinator struct {
	mu       sync.Mutex
	root     *node
	nextSeq  map[string]int
	sessions map[int64][]string // session id -> ephemeral paths it owns
	nextID   int64
	watchers map[string][]chan coord.Event
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		root:     newNode(nil, false),
		nextSeq:  make(map[string]int),
		sessions: make(map[int64][]string),
		watchers: make(map[string][]chan coord.Event),
	}
}

// NewClient opens a new session against the shared coordinator.
func (co *Coordinator) NewClient() *Client {
	co.mu.Lock()
	co.nextID++
	id := co.nextID
	co.sessions[id] = nil
	co.mu.Unlock()
	return &Client{coord: co, id: id}
}

// Expire simulates coordinator session loss: every ephemeral node
// owned by the session is removed and a SessionExpired event fires,
// exactly the condition spec §4.9 describes as "ephemerals ...
// considered gone".
func (co *Coordinator) Expire(sessionID int64) {
	co.mu.Lock()
	paths := co.sessions[sessionID]
	delete(co.sessions, sessionID)
	for _, p := range paths {
		if n, ok := co.lookup(p); ok && n.ephemeral {
			co.removeLocked(p)
		}
	}
	co.mu.Unlock()
	co.fanOut(coord.Event{Type: coord.EventSessionExpired, Path: "/"})
}

func split(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (co *Coordinator) lookup(p string) (*node, bool) {
	n := co.root
	for _, part := range split(p) {
		child, ok := n.children[part]
		if !ok {
			return nil, false
		}
		n = child
	}
	return n, true
}

func (co *Coordinator) removeLocked(p string) {
	dir, base := path.Dir(p), path.Base(p)
	parent, ok := co.lookup(dir)
	if !ok {
		return
	}
	delete(parent.children, base)
	co.fanOutLocked(coord.Event{Type: coord.EventNodeDeleted, Path: p})
	co.fanOutLocked(coord.Event{Type: coord.EventChildrenChanged, Path: dir})
}

func (co *Coordinator) fanOutLocked(ev coord.Event) {
	for prefix, chans := range co.watchers {
		// a session-expiry event is global: every watcher observes it
		// regardless of which subtree it is watching, since the whole
		// session's ephemerals and watches are being torn down.
		if ev.Type != coord.EventSessionExpired && !strings.HasPrefix(ev.Path, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (co *Coordinator) fanOut(ev coord.Event) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.fanOutLocked(ev)
}

func (c *Client) Create(ctx context.Context, p string, data []byte, mode coord.CreateMode) (string, error) {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	return c.createLocked(p, data, mode)
}

func (c *Client) createLocked(p string, data []byte, mode coord.CreateMode) (string, error) {
	finalPath := p
	if mode == coord.PersistentSequential || mode == coord.EphemeralSequential {
		n := c.coord.nextSeq[p]
		c.coord.nextSeq[p] = n + 1
		finalPath = fmt.Sprintf("%s%010d", p, n)
	}
	dir, base := path.Dir(finalPath), path.Base(finalPath)
	parent, ok := c.coord.lookup(dir)
	if !ok {
		if _, err := c.createLocked(dir, nil, coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return "", err
		}
		parent, _ = c.coord.lookup(dir)
	}
	if _, exists := parent.children[base]; exists {
		return "", coord.ErrNodeExists
	}
	ephemeral := mode == coord.Ephemeral || mode == coord.EphemeralSequential
	parent.children[base] = newNode(data, ephemeral)
	if ephemeral {
		c.coord.sessions[c.id] = append(c.coord.sessions[c.id], finalPath)
	}
	c.coord.fanOutLocked(coord.Event{Type: coord.EventChildrenChanged, Path: dir})
	return finalPath, nil
}

func (c *Client) Get(ctx context.Context, p string) ([]byte, coord.Stat, error) {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	n, ok := c.coord.lookup(p)
	if !ok {
		return nil, coord.Stat{}, coord.ErrNoNode
	}
	return n.data, coord.Stat{Version: n.version}, nil
}

func (c *Client) Exists(ctx context.Context, p string) (bool, coord.Stat, error) {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	n, ok := c.coord.lookup(p)
	if !ok {
		return false, coord.Stat{}, nil
	}
	return true, coord.Stat{Version: n.version}, nil
}

func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	n, ok := c.coord.lookup(p)
	if !ok {
		return nil, coord.ErrNoNode
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) SetData(ctx context.Context, p string, data []byte, version int32) (coord.Stat, error) {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	n, ok := c.coord.lookup(p)
	if !ok {
		return coord.Stat{}, coord.ErrNoNode
	}
	if version != -1 && version != n.version {
		return coord.Stat{}, coord.ErrBadVersion
	}
	n.data = data
	n.version++
	c.coord.fanOutLocked(coord.Event{Type: coord.EventDataChanged, Path: p})
	return coord.Stat{Version: n.version}, nil
}

func (c *Client) Delete(ctx context.Context, p string, version int32) error {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()
	n, ok := c.coord.lookup(p)
	if !ok {
		return coord.ErrNoNode
	}
	if version != -1 && version != n.version {
		return coord.ErrBadVersion
	}
	c.coord.removeLocked(p)
	return nil
}

// Multi applies every op against a scratch copy of the touched nodes'
// versions first, so a single version conflict anywhere aborts the
// whole batch with no partial effect, matching spec §4.1.
func (c *Client) Multi(ctx context.Context, ops ...coord.Op) ([]coord.OpResult, error) {
	c.coord.mu.Lock()
	defer c.coord.mu.Unlock()

	// staged records paths deleted or created by earlier ops of this
	// batch, so a Delete followed by a Create of the same path validates.
	staged := map[string]bool{}
	exists := func(p string) bool {
		if e, ok := staged[p]; ok {
			return e
		}
		_, ok := c.coord.lookup(p)
		return ok
	}
	for _, op := range ops {
		switch op.Kind {
		case coord.OpCheckVersion, coord.OpDelete, coord.OpSetData:
			if !exists(op.Path) {
				return nil, coord.ErrNoNode
			}
			if n, ok := c.coord.lookup(op.Path); ok && op.Version != -1 && op.Version != n.version {
				return nil, coord.ErrBadVersion
			}
			if op.Kind == coord.OpDelete {
				staged[op.Path] = false
			}
		case coord.OpCreate:
			if op.Mode == coord.Persistent || op.Mode == coord.Ephemeral {
				if exists(op.Path) {
					return nil, coord.ErrNodeExists
				}
				staged[op.Path] = true
			}
		}
	}

	results := make([]coord.OpResult, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case coord.OpCreate:
			p, err := c.createLocked(op.Path, op.Data, op.Mode)
			if err != nil {
				return nil, err
			}
			results[i] = coord.OpResult{Path: p}
		case coord.OpDelete:
			c.coord.removeLocked(op.Path)
			results[i] = coord.OpResult{Path: op.Path}
		case coord.OpSetData:
			n, _ := c.coord.lookup(op.Path)
			n.data = op.Data
			n.version++
			c.coord.fanOutLocked(coord.Event{Type: coord.EventDataChanged, Path: op.Path})
			results[i] = coord.OpResult{Path: op.Path}
		case coord.OpCheckVersion:
			results[i] = coord.OpResult{Path: op.Path}
		}
	}
	return results, nil
}

func (c *Client) WatchPrefix(ctx context.Context, prefix string) (<-chan coord.Event, error) {
	ch := make(chan coord.Event, 32)
	c.coord.mu.Lock()
	c.coord.watchers[prefix] = append(c.coord.watchers[prefix], ch)
	c.coord.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.coord.mu.Lock()
		defer c.coord.mu.Unlock()
		list := c.coord.watchers[prefix]
		for i, existing := range list {
			if existing == ch {
				c.coord.watchers[prefix] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (c *Client) SessionID() int64 { return c.id }

func (c *Client) Close() error { return nil }

var _ coord.Client = (*Client)(nil)
