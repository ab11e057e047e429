package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/coord/fake"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

func mkdirsTable(ctx context.Context, client coord.Client, tablePath string) error {
	for _, p := range []string{
		tablePath, tablePath + "/log", tablePath + "/blocks",
		tablePath + "/replicas", tablePath + "/replicas/r1", tablePath + "/replicas/r1/parts",
	} {
		if _, err := client.Create(ctx, p, nil, coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return err
		}
	}
	return nil
}

func TestCleanLogRemovesEntriesBelowMinLogPointer(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tablePath := "/tables/events"
	require.NoError(t, mkdirsTable(ctx, client, tablePath))

	for i := 0; i < 3; i++ {
		_, err := client.Create(ctx, tablePath+"/log/log-", nil, coord.PersistentSequential)
		require.NoError(t, err)
	}
	_, err := client.Create(ctx, tablePath+"/replicas/r1/log_pointer", []byte("1"), coord.Persistent)
	require.NoError(t, err)

	engine := storage.NewFakeEngine()
	c := New(client, tablePath, "r1", engine, Config{Delay: time.Minute, DeduplicationWindow: 10})
	require.NoError(t, c.cleanLog(ctx))

	children, err := client.Children(ctx, tablePath+"/log")
	require.NoError(t, err)
	require.Len(t, children, 2, "entries at or above the min log_pointer survive")
}

func TestCleanBlocksEnforcesDeduplicationWindow(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tablePath := "/tables/events"
	require.NoError(t, mkdirsTable(ctx, client, tablePath))

	for i := 0; i < 5; i++ {
		_, err := client.Create(ctx, tablePath+"/blocks/block-", nil, coord.PersistentSequential)
		require.NoError(t, err)
	}

	engine := storage.NewFakeEngine()
	c := New(client, tablePath, "r1", engine, Config{Delay: time.Minute, DeduplicationWindow: 2})
	require.NoError(t, c.cleanBlocks(ctx))

	children, err := client.Children(ctx, tablePath+"/blocks")
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestCleanOutdatedPartsRemovesOrphanedRecords(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()
	tablePath := "/tables/events"
	require.NoError(t, mkdirsTable(ctx, client, tablePath))

	live, err := logentry.ParsePartName("202401_1_1_0")
	require.NoError(t, err)
	orphan, err := logentry.ParsePartName("202401_2_2_0")
	require.NoError(t, err)

	engine := storage.NewFakeEngine()
	require.NoError(t, engine.CommitPart(ctx, storage.PartInfo{Name: live}))

	_, err = client.Create(ctx, tablePath+"/replicas/r1/parts/"+live.String(), nil, coord.Persistent)
	require.NoError(t, err)
	_, err = client.Create(ctx, tablePath+"/replicas/r1/parts/"+orphan.String(), nil, coord.Persistent)
	require.NoError(t, err)

	c := New(client, tablePath, "r1", engine, Config{Delay: time.Minute, DeduplicationWindow: 10})
	require.NoError(t, c.cleanOutdatedParts(ctx))

	children, err := client.Children(ctx, tablePath+"/replicas/r1/parts")
	require.NoError(t, err)
	require.Equal(t, []string{live.String()}, children)
}
