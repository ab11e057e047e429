package blockalloc

import (
	"context"
	"testing"

	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord/fake"
)

func TestGeneratedBlockIDUsedAsDedupKey(t *testing.T) {
	stubs := gostub.Stub(&newBlockID, func() string { return "fixed-generated-id" })
	defer stubs.Reset()

	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	alloc := New(client, "/tables/events")

	res, err := alloc.Allocate(ctx, "202401", "")
	require.NoError(t, err)
	require.False(t, res.Deduplicated)

	_, _, err = client.Get(ctx, "/tables/events/blocks/fixed-generated-id")
	require.NoError(t, err)
}

func TestConcurrentInsertsGetDistinctIncreasingNumbers(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	alloc := New(client, "/tables/events")

	var seen []int64
	for i := 0; i < 5; i++ {
		res, err := alloc.Allocate(ctx, "202401", "")
		require.NoError(t, err)
		require.False(t, res.Deduplicated)
		seen = append(seen, res.Lock.BlockNumber)
	}
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1])
	}
}

func TestSameBlockIDDeduplicates(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	alloc := New(client, "/tables/events")

	first, err := alloc.Allocate(ctx, "202401", "insert-x")
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	ops := first.Lock.CommitOps("202401_1_1_0")
	_, err = client.Multi(ctx, ops...)
	require.NoError(t, err)

	second, err := alloc.Allocate(ctx, "202401", "insert-x")
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, "202401_1_1_0", second.ExistingPart)
}

func TestAbortLeavesNoTrace(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	alloc := New(client, "/tables/events")

	res, err := alloc.Allocate(ctx, "202401", "insert-y")
	require.NoError(t, err)
	res.Lock.Abort(ctx, client)

	exists, _, err := client.Exists(ctx, "/tables/events/blocks/insert-y")
	require.NoError(t, err)
	require.False(t, exists)
}
