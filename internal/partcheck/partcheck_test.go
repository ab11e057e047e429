package partcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/coord/fake"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

func mkdirsTable(ctx context.Context, client coord.Client, tablePath string) error {
	for _, p := range []string{
		tablePath, tablePath + "/replicas", tablePath + "/replicas/r1",
		tablePath + "/replicas/r1/parts", tablePath + "/replicas/r1/queue",
	} {
		if _, err := client.Create(ctx, p, nil, coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return err
		}
	}
	return nil
}

func newCheckerFixture(t *testing.T) (*Checker, coord.Client, *storage.FakeEngine, string) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tablePath := "/tables/events"
	require.NoError(t, mkdirsTable(ctx, client, tablePath))

	engine := storage.NewFakeEngine()
	st, err := queue.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q := queue.New(client, tablePath, "r1", st)

	cfg := DefaultConfig()
	cfg.CheckDelay = 0
	return New(client, tablePath, "r1", engine, q, cfg), client, engine, tablePath
}

func TestCheckPassesWhenChecksumsMatch(t *testing.T) {
	checker, client, engine, tablePath := newCheckerFixture(t)
	ctx := context.Background()

	part, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	require.NoError(t, engine.CommitPart(ctx, storage.PartInfo{Name: part, Checksum: "good"}))
	_, err = client.Create(ctx, tablePath+"/replicas/r1/parts/"+part.String(), []byte("good"), coord.Persistent)
	require.NoError(t, err)

	require.NoError(t, checker.check(ctx, part))

	exists, _, err := client.Exists(ctx, tablePath+"/replicas/r1/parts/"+part.String())
	require.NoError(t, err)
	require.True(t, exists, "untouched on a clean check")
}

func TestCheckRepairsOnChecksumMismatch(t *testing.T) {
	checker, client, engine, tablePath := newCheckerFixture(t)
	ctx := context.Background()

	part, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	require.NoError(t, engine.CommitPart(ctx, storage.PartInfo{Name: part, Checksum: "good"}))
	engine.Corrupt(part)
	_, err = client.Create(ctx, tablePath+"/replicas/r1/parts/"+part.String(), []byte("good"), coord.Persistent)
	require.NoError(t, err)

	require.NoError(t, checker.check(ctx, part))

	exists, _, err := client.Exists(ctx, tablePath+"/replicas/r1/parts/"+part.String())
	require.NoError(t, err)
	require.False(t, exists, "removed from the replica's active parts on mismatch")

	children, err := client.Children(ctx, tablePath+"/replicas/r1/queue")
	require.NoError(t, err)
	require.Len(t, children, 1, "a GET was enqueued to refetch")
}

func TestCheckRepairsWhenLocallyMissingButRecorded(t *testing.T) {
	checker, client, _, tablePath := newCheckerFixture(t)
	ctx := context.Background()

	part, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	_, err = client.Create(ctx, tablePath+"/replicas/r1/parts/"+part.String(), []byte("good"), coord.Persistent)
	require.NoError(t, err)

	require.NoError(t, checker.check(ctx, part))

	children, err := client.Children(ctx, tablePath+"/replicas/r1/queue")
	require.NoError(t, err)
	require.Len(t, children, 1)
}
