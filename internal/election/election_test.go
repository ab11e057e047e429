package election

import (
	"context"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord/fake"
)

func TestSmallestSequentialChildBecomesLeader(t *testing.T) {
	defer leaktest.AfterTest(t)()

	co := fake.NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(co.NewClient(), "/tables/events", true)
	b := New(co.NewClient(), "/tables/events", true)

	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader()
	}, time.Second, time.Millisecond)
	require.True(t, a.IsLeader() || b.IsLeader())
}

func TestNonElectableReplicaNeverLeads(t *testing.T) {
	defer leaktest.AfterTest(t)()

	co := fake.NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New(co.NewClient(), "/tables/events", false)
	go func() { _ = e.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	require.False(t, e.IsLeader())
}

func TestLeaderHandoffOnSessionLoss(t *testing.T) {
	defer leaktest.AfterTest(t)()

	co := fake.NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := co.NewClient()
	clientB := co.NewClient()
	a := New(clientA, "/tables/events", true)
	b := New(clientB, "/tables/events", true)

	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader()
	}, time.Second, time.Millisecond)

	if a.IsLeader() {
		co.Expire(clientA.SessionID())
	} else {
		co.Expire(clientB.SessionID())
	}

	require.Eventually(t, func() bool {
		return b.IsLeader() || a.IsLeader()
	}, time.Second, time.Millisecond)
}
