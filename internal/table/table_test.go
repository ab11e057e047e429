package table

import (
	"context"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/alter"
	"github.com/johnskopis/ClickHouse/internal/config"
	"github.com/johnskopis/ClickHouse/internal/coord/fake"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ZookeeperHosts = []string{"zk1:2181"}
	cfg.ZookeeperRoot = "/tables"
	cfg.TableName = "events"
	cfg.ReplicaName = "r1"
	cfg.PartExchangeListenAddr = "" // keep the part-exchange HTTP listener out of this test
	return cfg
}

func newPreparedTable(t *testing.T, cfg config.Config) (*Table, storage.Engine) {
	store, err := queue.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := fake.NewCoordinator().NewClient()
	tbl, err := New(client, cfg, store)
	require.NoError(t, err)

	engine := storage.NewFakeEngine()
	require.NoError(t, tbl.Prepare(context.Background(), Meta{Engine: engine, Columns: alter.ColumnSet{"x": "Int64"}}))
	return tbl, engine
}

func TestPrepareRejectsNilEngine(t *testing.T) {
	store, err := queue.OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	client := fake.NewCoordinator().NewClient()
	tbl, err := New(client, testConfig(), store)
	require.NoError(t, err)

	err = tbl.Prepare(context.Background(), Meta{})
	require.Error(t, err)
}

func TestCommitIsIdempotent(t *testing.T) {
	tbl, _ := newPreparedTable(t, testConfig())
	ctx := context.Background()

	require.NoError(t, tbl.Commit(ctx))
	require.NoError(t, tbl.Commit(ctx))
}

func TestInsertBeforeCommitIsReadonly(t *testing.T) {
	tbl, _ := newPreparedTable(t, testConfig())
	_, err := tbl.Insert(context.Background(), "202401", "", 10, 100, "abc", 0)
	require.Error(t, err)
}

func TestInsertAfterCommitAllocatesAndCommitsPart(t *testing.T) {
	tbl, engine := newPreparedTable(t, testConfig())
	ctx := context.Background()
	require.NoError(t, tbl.Commit(ctx))

	result, err := tbl.Insert(ctx, "202401", "", 10, 100, "abc123", 0)
	require.NoError(t, err)
	require.False(t, result.Deduplicated)
	require.Equal(t, "202401_0_0_0", result.PartName)

	parts, err := engine.EnumerateActiveParts(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, result.PartName, parts[0].Name.String())
}

func TestInsertDeduplicatesRepeatedBlockID(t *testing.T) {
	tbl, _ := newPreparedTable(t, testConfig())
	ctx := context.Background()
	require.NoError(t, tbl.Commit(ctx))

	first, err := tbl.Insert(ctx, "202401", "dedup-key", 10, 100, "abc", 0)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := tbl.Insert(ctx, "202401", "dedup-key", 10, 100, "abc", 0)
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.PartName, second.PartName)
}

func TestRunDrivesLeaderElectionAndStopsOnCancel(t *testing.T) {
	defer leaktest.AfterTest(t)()

	tbl, _ := newPreparedTable(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tbl.Commit(ctx))

	runDone := make(chan error, 1)
	go func() { runDone <- tbl.Run(ctx, ctx) }()

	require.Eventually(t, tbl.IsLeader, time.Second, time.Millisecond, "sole electable replica must become leader")

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestSubmitMutationIsPickedUpByQueueAfterLog(t *testing.T) {
	tbl, _ := newPreparedTable(t, testConfig())
	ctx := context.Background()
	require.NoError(t, tbl.Commit(ctx))

	name, err := tbl.SubmitMutation(ctx, []string{"DELETE WHERE x=1"})
	require.NoError(t, err)
	require.NotEmpty(t, name)
}
