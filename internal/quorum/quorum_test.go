package quorum

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord/fake"
)

func TestQuorumAdvancesLastPartOnceThresholdMet(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tracker := New(client, "/tables/events", []string{"a", "b", "c"})

	op, err := tracker.BeginOp("202401_1_1_0", 2, "a")
	require.NoError(t, err)
	_, err = client.Multi(ctx, op)
	require.NoError(t, err)

	last, err := tracker.LastPart(ctx, "202401")
	require.NoError(t, err)
	require.Empty(t, last, "quorum not yet met")

	require.NoError(t, tracker.Ack(ctx, "b", "202401"))

	last, err = tracker.LastPart(ctx, "202401")
	require.NoError(t, err)
	require.Equal(t, "202401_1_1_0", last)

	exists, _, err := client.Exists(ctx, "/tables/events/quorum/status")
	require.NoError(t, err)
	require.False(t, exists, "quorum status must be cleared once satisfied")
}

func TestLastPartNeverRegresses(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tracker := New(client, "/tables/events", []string{"a", "b"})

	op, _ := tracker.BeginOp("202401_1_1_0", 1, "a")
	_, err := client.Multi(ctx, op)
	require.NoError(t, err)
	require.NoError(t, tracker.Ack(ctx, "a", "202401"))
	first, _ := tracker.LastPart(ctx, "202401")

	op2, _ := tracker.BeginOp("202401_2_2_0", 1, "a")
	_, err = client.Multi(ctx, op2)
	require.NoError(t, err)
	require.NoError(t, tracker.Ack(ctx, "a", "202401"))
	second, _ := tracker.LastPart(ctx, "202401")

	require.NotEqual(t, first, second)
}

func TestInvalidateRemovesOrphanedStatus(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tracker := New(client, "/tables/events", []string{"a", "b"})

	op, _ := tracker.BeginOp("202401_1_1_0", 2, "a")
	_, err := client.Multi(ctx, op)
	require.NoError(t, err)

	require.NoError(t, tracker.Invalidate(ctx))

	exists, _, err := client.Exists(ctx, "/tables/events/quorum/status")
	require.NoError(t, err)
	require.False(t, exists)
}
