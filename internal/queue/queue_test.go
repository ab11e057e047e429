package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/coord/fake"
	"github.com/johnskopis/ClickHouse/internal/logentry"
)

func newTestQueue(t *testing.T, client coord.Client) *Queue {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(client, "/tables/events", "replica_a", store)
}

func appendLog(t *testing.T, client coord.Client, e logentry.Entry) {
	t.Helper()
	ctx := context.Background()
	_, err := client.Create(ctx, "/tables/events/log/log-", logentry.Encode(e), coord.PersistentSequential)
	require.NoError(t, err)
}

func TestPullLogsToQueueIsIdempotent(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()

	appendLog(t, client, logentry.Entry{Type: logentry.TypeGet, NewPartName: "all_0_0_0", CreateTime: time.Now(), SourceReplica: "replica_b", BlockID: "b1"})

	q := newTestQueue(t, client)
	require.NoError(t, q.PullLogsToQueue(ctx))
	require.Equal(t, 1, q.Len())

	require.NoError(t, q.PullLogsToQueue(ctx))
	require.Equal(t, 1, q.Len(), "re-running pullLogsToQueue must be a no-op")
}

func TestSelectEntryToProcessSkipsOverlappingEarlierEntry(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()

	appendLog(t, client, logentry.Entry{Type: logentry.TypeGet, NewPartName: "all_0_5_0", CreateTime: time.Now(), SourceReplica: "replica_b"})
	appendLog(t, client, logentry.Entry{Type: logentry.TypeGet, SourcePartNames: []string{"all_0_5_0"}, NewPartName: "all_0_5_1", CreateTime: time.Now(), SourceReplica: "replica_b"})

	q := newTestQueue(t, client)
	require.NoError(t, q.PullLogsToQueue(ctx))

	// first entry has no sources, so it should be selected
	entry, ok := q.SelectEntryToProcess()
	require.True(t, ok)
	require.Equal(t, "all_0_5_0", entry.NewPartName)

	// second entry depends on the first, which isn't done yet: must postpone
	_, ok = q.SelectEntryToProcess()
	require.False(t, ok)
}

func TestMarkSuccessUpdatesVirtualPartsAndDeletesLocally(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()

	appendLog(t, client, logentry.Entry{Type: logentry.TypeGet, NewPartName: "all_0_0_0", CreateTime: time.Now(), SourceReplica: "replica_b"})

	q := newTestQueue(t, client)
	require.NoError(t, q.PullLogsToQueue(ctx))
	entry, ok := q.SelectEntryToProcess()
	require.True(t, ok)

	require.NoError(t, q.MarkSuccess(ctx, entry))

	snap, err := q.store.LoadAll()
	require.NoError(t, err)
	require.Empty(t, snap.Entries)

	part, _ := logentry.ParsePartName("all_0_0_0")
	_, covered := q.Virtual().CoveringPart(part)
	require.True(t, covered)
}
