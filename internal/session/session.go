// Package session implements the session/restart thread of spec
// §4.9: owns the coordinator session lifecycle, drives the engine
// readonly on session loss, and rebuilds replica state on reconnect.
// This thread is never killed by partial shutdown, only full shutdown.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/rlog"
)

// Rebuilder is invoked once per reconnect, after the session's
// ephemerals are back in place: re-register is_active, re-run
// checkParts, re-enter leader election, restart background threads
// (spec §4.9). Each field is optional.
type Rebuilder struct {
	RegisterIsActive func(ctx context.Context) error
	CheckParts       func(ctx context.Context) error
	RestartThreads   func(ctx context.Context) error
}

// Manager tracks readonly/active state across coordinator session
// transitions for one table.
type Manager struct {
	client    coord.Client
	tablePath string
	self      string
	rebuild   Rebuilder

	readonly atomic.Bool

	mu        sync.Mutex
	listeners []chan struct{}
}

func New(client coord.Client, tablePath, self string, rebuild Rebuilder) *Manager {
	m := &Manager{client: client, tablePath: tablePath, self: self, rebuild: rebuild}
	return m
}

// IsReadonly reports whether the engine is currently in the readonly
// state entered on session loss (spec §4.9).
func (m *Manager) IsReadonly() bool { return m.readonly.Load() }

// Run registers is_active and watches for session loss until ctx is
// canceled, reconnecting and rebuilding state each time the session
// is renewed underneath it. Per spec §4.9, this loop is the one
// background task that survives a partial shutdown — callers must
// cancel ctx only on full table shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.enterActive(ctx); err != nil {
		return err
	}
	for {
		events, err := m.client.WatchPrefix(ctx, m.tablePath)
		if err != nil {
			return err
		}
		if err := m.waitForSessionLoss(ctx, events); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		m.enterReadonly(ctx)
		if err := m.reconnect(ctx); err != nil {
			rlog.Error(ctx, "session reconnect failed, will retry on next loss signal", zap.Error(err))
		}
	}
}

func (m *Manager) waitForSessionLoss(ctx context.Context, events <-chan coord.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == coord.EventSessionExpired {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) enterActive(ctx context.Context) error {
	_, err := m.client.Create(ctx, m.isActivePath(), nil, coord.Ephemeral)
	if err != nil && err != coord.ErrNodeExists {
		return err
	}
	m.readonly.Store(false)
	return nil
}

func (m *Manager) enterReadonly(ctx context.Context) {
	rlog.Warn(ctx, "coordinator session lost, entering readonly")
	m.readonly.Store(true)
	m.fanOut()
}

// reconnect implements spec §4.9's "on reconnect it rebuilds
// is_active, re-runs checkParts, re-enters leader election, and
// restarts background threads" — leader election itself is driven by
// the caller's own election.Election.Run loop observing the same
// session-expiry signal, so this only re-registers is_active and
// invokes the remaining rebuild hooks.
func (m *Manager) reconnect(ctx context.Context) error {
	if err := m.enterActive(ctx); err != nil {
		return err
	}
	if m.rebuild.RegisterIsActive != nil {
		if err := m.rebuild.RegisterIsActive(ctx); err != nil {
			return err
		}
	}
	if m.rebuild.CheckParts != nil {
		if err := m.rebuild.CheckParts(ctx); err != nil {
			return err
		}
	}
	if m.rebuild.RestartThreads != nil {
		if err := m.rebuild.RestartThreads(ctx); err != nil {
			return err
		}
	}
	rlog.Info(ctx, "coordinator session restored, engine active again")
	return nil
}

func (m *Manager) isActivePath() string { return m.tablePath + "/replicas/" + m.self + "/is_active" }

// OnReadonlyTransition returns a channel that receives a value each
// time the engine enters readonly, for callers (e.g. the write path)
// that must reject in-flight operations immediately rather than
// waiting on the next failed coordinator call.
func (m *Manager) OnReadonlyTransition() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) fanOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
