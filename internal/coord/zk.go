package coord

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/johnskopis/ClickHouse/internal/rlog"
)

// zkClient binds Client to a real ZooKeeper-compatible ensemble via
// go-zookeeper/zk. It is the only file in this module that imports
// that package, per the Design Notes' "do not leak the specific
// callback signature" guidance: everything above this line talks
// only to Client/Event.
type zkClient struct {
	conn *zk.Conn

	mu        sync.Mutex
	watchers  map[string][]chan Event
	closeOnce sync.Once
	events    <-chan zk.Event
	stop      chan struct{}
}

// Dial connects to the ensemble and starts the session-event pump
// that fans coordinator-level events out to WatchPrefix subscribers.
func Dial(ctx context.Context, hosts []string, sessionTimeout time.Duration) (Client, error) {
	conn, events, err := zk.Connect(hosts, sessionTimeout)
	if err != nil {
		return nil, ErrUnavailable
	}
	c := &zkClient{
		conn:     conn,
		watchers: make(map[string][]chan Event),
		events:   events,
		stop:     make(chan struct{}),
	}
	go c.pumpSessionEvents()
	return c, nil
}

func (c *zkClient) pumpSessionEvents() {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.State == zk.StateExpired {
				c.fanOut("/", Event{Type: EventSessionExpired, Path: "/"})
			}
		case <-c.stop:
			return
		}
	}
}

func (c *zkClient) fanOut(prefix string, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, chans := range c.watchers {
		if ev.Type != EventSessionExpired && !strings.HasPrefix(ev.Path, p) && p != prefix {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				// a slow subscriber must not stall the coordinator pump
			}
		}
	}
}

func toZKMode(mode CreateMode) int32 {
	switch mode {
	case Ephemeral:
		return zk.FlagEphemeral
	case PersistentSequential:
		return zk.FlagSequence
	case EphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence
	default:
		return 0
	}
}

func translateErr(err error) error {
	switch err {
	case zk.ErrNoNode:
		return ErrNoNode
	case zk.ErrNodeExists:
		return ErrNodeExists
	case zk.ErrBadVersion:
		return ErrBadVersion
	case zk.ErrNotEmpty:
		return ErrNotEmpty
	case zk.ErrConnectionClosed, zk.ErrNoServer:
		return ErrUnavailable
	case zk.ErrSessionExpired:
		return ErrSessionLost
	default:
		return err
	}
}

func (c *zkClient) Create(ctx context.Context, p string, data []byte, mode CreateMode) (string, error) {
	if err := c.ensureParents(ctx, path.Dir(p)); err != nil {
		return "", err
	}
	acl := zk.WorldACL(zk.PermAll)
	created, err := c.conn.Create(p, data, toZKMode(mode), acl)
	if err != nil {
		return "", translateErr(err)
	}
	return created, nil
}

// ensureParents lazily creates intermediate persistent nodes, the way
// the coordinator schema's fixed znode layout (§6) is always rooted
// under a pre-existing table path in production but not in tests.
func (c *zkClient) ensureParents(ctx context.Context, dir string) error {
	if dir == "/" || dir == "" {
		return nil
	}
	exists, _, err := c.Exists(ctx, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := c.ensureParents(ctx, path.Dir(dir)); err != nil {
		return err
	}
	_, err = c.conn.Create(dir, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return translateErr(err)
	}
	return nil
}

func (c *zkClient) Get(ctx context.Context, p string) ([]byte, Stat, error) {
	data, st, err := c.conn.Get(p)
	if err != nil {
		return nil, Stat{}, translateErr(err)
	}
	return data, Stat{Version: st.Version}, nil
}

func (c *zkClient) Exists(ctx context.Context, p string) (bool, Stat, error) {
	ok, st, err := c.conn.Exists(p)
	if err != nil {
		return false, Stat{}, translateErr(err)
	}
	return ok, Stat{Version: st.Version}, nil
}

func (c *zkClient) Children(ctx context.Context, p string) ([]string, error) {
	children, _, err := c.conn.Children(p)
	if err != nil {
		return nil, translateErr(err)
	}
	return children, nil
}

func (c *zkClient) SetData(ctx context.Context, p string, data []byte, version int32) (Stat, error) {
	st, err := c.conn.Set(p, data, version)
	if err != nil {
		return Stat{}, translateErr(err)
	}
	return Stat{Version: st.Version}, nil
}

func (c *zkClient) Delete(ctx context.Context, p string, version int32) error {
	if err := c.conn.Delete(p, version); err != nil {
		return translateErr(err)
	}
	return nil
}

func (c *zkClient) Multi(ctx context.Context, ops ...Op) ([]OpResult, error) {
	zops := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			zops = append(zops, &zk.CreateRequest{Path: op.Path, Data: op.Data, Acl: zk.WorldACL(zk.PermAll), Flags: toZKMode(op.Mode)})
		case OpDelete:
			zops = append(zops, &zk.DeleteRequest{Path: op.Path, Version: op.Version})
		case OpSetData:
			zops = append(zops, &zk.SetDataRequest{Path: op.Path, Data: op.Data, Version: op.Version})
		case OpCheckVersion:
			zops = append(zops, &zk.CheckVersionRequest{Path: op.Path, Version: op.Version})
		}
	}
	results, err := c.conn.Multi(zops...)
	if err != nil {
		rlog.Warn(ctx, "coordinator multi-op failed")
		return nil, translateErr(err)
	}
	out := make([]OpResult, len(results))
	for i, r := range results {
		out[i] = OpResult{Path: r.String}
	}
	return out, nil
}

func (c *zkClient) WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error) {
	ch := make(chan Event, 32)
	c.mu.Lock()
	c.watchers[prefix] = append(c.watchers[prefix], ch)
	c.mu.Unlock()

	go c.armWatch(ctx, prefix)

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.watchers[prefix]
		for i, existing := range list {
			if existing == ch {
				c.watchers[prefix] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// armWatch keeps a live ChildrenW+GetW pair on prefix so subscribers
// actually observe EventChildrenChanged/EventDataChanged rather than
// only EventSessionExpired: a ZooKeeper watch fires at most once, so
// it is re-armed after every delivery until ctx is canceled.
func (c *zkClient) armWatch(ctx context.Context, prefix string) {
	for {
		_, _, childEvents, err := c.conn.ChildrenW(prefix)
		if err != nil {
			if !c.sleepOrDone(ctx) {
				return
			}
			continue
		}
		_, _, dataEvents, err := c.conn.GetW(prefix)
		if err != nil {
			if !c.sleepOrDone(ctx) {
				return
			}
			continue
		}

		select {
		case ev := <-childEvents:
			c.dispatchZKEvent(prefix, ev)
		case ev := <-dataEvents:
			c.dispatchZKEvent(prefix, ev)
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

func (c *zkClient) sleepOrDone(ctx context.Context) bool {
	select {
	case <-time.After(time.Second):
		return true
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	}
}

func (c *zkClient) dispatchZKEvent(prefix string, ev zk.Event) {
	switch ev.Type {
	case zk.EventNodeChildrenChanged:
		c.fanOut(prefix, Event{Type: EventChildrenChanged, Path: prefix})
	case zk.EventNodeDataChanged:
		c.fanOut(prefix, Event{Type: EventDataChanged, Path: prefix})
	case zk.EventNodeDeleted:
		c.fanOut(prefix, Event{Type: EventNodeDeleted, Path: prefix})
	}
}

func (c *zkClient) SessionID() int64 {
	return c.conn.SessionID()
}

func (c *zkClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
	return nil
}
