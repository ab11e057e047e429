package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/coord/fake"
	"github.com/johnskopis/ClickHouse/internal/election"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

func TestSelectRangePicksSimilarSizedRun(t *testing.T) {
	parts := []storage.PartInfo{}
	parts = append(parts, mustPartHelper("202401_1_1_0", 100))
	parts = append(parts, mustPartHelper("202401_2_2_0", 110))
	parts = append(parts, mustPartHelper("202401_3_3_0", 120))
	parts = append(parts, mustPartHelper("202401_4_4_0", 100000))

	chosen, ok := SelectRange(parts, DefaultConfig())
	require.True(t, ok)
	require.Len(t, chosen, 3)
	require.Equal(t, "202401_1_1_0", chosen[0].Name.String())
	require.Equal(t, "202401_3_3_0", chosen[2].Name.String())
}

func TestSelectRangeRequiresAtLeastTwoParts(t *testing.T) {
	_, ok := SelectRange([]storage.PartInfo{mustPartHelper("202401_1_1_0", 10)}, DefaultConfig())
	require.False(t, ok)
}

func mustPartHelper(name string, bytes int64) storage.PartInfo {
	p, err := logentry.ParsePartName(name)
	if err != nil {
		panic(err)
	}
	return storage.PartInfo{Name: p, Bytes: bytes}
}

func TestTickProposesMergeLogEntryForLeader(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()

	tablePath := "/tables/events"
	require.NoError(t, mkdirs(ctx, client, tablePath))

	el := election.New(client, tablePath, true)
	go func() { _ = el.Run(ctx) }()
	<-el.BecameLeader()

	engine := storage.NewFakeEngine()
	require.NoError(t, engine.CommitPart(ctx, mustPartHelper("202401_1_1_0", 100)))
	require.NoError(t, engine.CommitPart(ctx, mustPartHelper("202401_2_2_0", 110)))

	st, err := queue.OpenStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	q := queue.New(client, tablePath, "r1", st)

	sel := New(client, tablePath, "r1", engine, el, q, DefaultConfig())
	require.NoError(t, sel.Tick(ctx))

	children, err := client.Children(ctx, tablePath+"/log")
	require.NoError(t, err)
	require.Len(t, children, 1)

	data, _, err := client.Get(ctx, tablePath+"/log/"+children[0])
	require.NoError(t, err)
	entry, err := logentry.Decode(data)
	require.NoError(t, err)
	require.Equal(t, logentry.TypeMerge, entry.Type)
	require.ElementsMatch(t, []string{"202401_1_1_0", "202401_2_2_0"}, entry.SourcePartNames)
}

func TestProposeMergeLosesRaceOnStaleVersion(t *testing.T) {
	co := fake.NewCoordinator()
	client := co.NewClient()
	ctx := context.Background()

	tablePath := "/tables/events"
	require.NoError(t, mkdirs(ctx, client, tablePath))

	el := election.New(client, tablePath, true)
	go func() { _ = el.Run(ctx) }()
	<-el.BecameLeader()

	engine := storage.NewFakeEngine()
	st, err := queue.OpenStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	q := queue.New(client, tablePath, "r1", st)

	sel := New(client, tablePath, "r1", engine, el, q, DefaultConfig())

	// fetch the version a selector would have read at the start of its
	// tick, then simulate a concurrent selector winning the hand-off
	// race by bumping the counter out from under it before it writes.
	version, err := sel.ensureVersionNode(ctx)
	require.NoError(t, err)
	_, err = client.SetData(ctx, sel.versionPath, []byte("99"), version)
	require.NoError(t, err)

	target := logentry.PartName{Partition: "202401", MinBlock: 1, MaxBlock: 2, Level: 1}
	require.NoError(t, sel.proposeMergeAtVersion(ctx, target, []string{"202401_1_1_0", "202401_2_2_0"}, version))

	children, err := client.Children(ctx, tablePath+"/log")
	require.NoError(t, err)
	require.Empty(t, children, "stale-version proposal must not append to /log")
}

func mkdirs(ctx context.Context, client coord.Client, tablePath string) error {
	for _, p := range []string{tablePath, tablePath + "/log", tablePath + "/leader_election", tablePath + "/replicas", tablePath + "/replicas/r1", tablePath + "/replicas/r1/queue"} {
		if _, err := client.Create(ctx, p, nil, coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return err
		}
	}
	return nil
}
