package session

import (
	"context"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord/fake"
)

func TestRunRegistersIsActiveImmediately(t *testing.T) {
	defer leaktest.AfterTest(t)()

	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(client, "/tables/events", "r1", Rebuilder{})
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		exists, _, err := client.Exists(context.Background(), "/tables/events/replicas/r1/is_active")
		return err == nil && exists
	}, time.Second, time.Millisecond)
	require.False(t, m.IsReadonly())
}

func TestSessionLossEntersReadonlyThenRebuilds(t *testing.T) {
	defer leaktest.AfterTest(t)()

	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rebuilt := make(chan struct{}, 1)
	m := New(client, "/tables/events", "r1", Rebuilder{
		CheckParts: func(ctx context.Context) error {
			rebuilt <- struct{}{}
			return nil
		},
	})
	readonlySignal := m.OnReadonlyTransition()

	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, func() bool { return !m.IsReadonly() }, time.Second, time.Millisecond)

	co.Expire(client.SessionID())

	select {
	case <-readonlySignal:
	case <-time.After(time.Second):
		t.Fatal("expected a readonly transition signal")
	}
	select {
	case <-rebuilt:
	case <-time.After(time.Second):
		t.Fatal("expected checkParts to run on reconnect")
	}
	require.False(t, m.IsReadonly(), "readonly clears once the session is rebuilt")
}

func TestIsActivePathUsesSelfName(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	m := New(client, "/tables/events", "replica-7", Rebuilder{})
	require.Equal(t, "/tables/events/replicas/replica-7/is_active", m.isActivePath())
}
