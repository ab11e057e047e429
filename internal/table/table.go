// Package table is the composition root of spec §2: one Table object
// owns every coordination subsystem for a single replicated table and
// drives the INSERT data flow (block allocation, local commit, quorum
// bookkeeping, log entries for peers), mirroring the teacher's own
// single-owning-object-with-interior-components shape for a storage
// engine instance.
package table

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/johnskopis/ClickHouse/internal/alter"
	"github.com/johnskopis/ClickHouse/internal/blockalloc"
	"github.com/johnskopis/ClickHouse/internal/cleanup"
	"github.com/johnskopis/ClickHouse/internal/config"
	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/election"
	"github.com/johnskopis/ClickHouse/internal/executor"
	"github.com/johnskopis/ClickHouse/internal/fetch"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/merge"
	"github.com/johnskopis/ClickHouse/internal/mutations"
	"github.com/johnskopis/ClickHouse/internal/partcheck"
	"github.com/johnskopis/ClickHouse/internal/quorum"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/session"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// Meta is the table-structure metadata staged by Prepare and flipped
// into effect by Commit (SPEC_FULL.md "Startup two-phase table
// attach"): the initial column set and the engine double/binding this
// replica will drive.
type Meta struct {
	Columns alter.ColumnSet
	Engine  storage.Engine
}

// Table owns every coordination subsystem for one replicated table on
// one replica. Construct with New, stage identity with Prepare, flip
// into serving state with Commit, then Run.
type Table struct {
	cfg       config.Config
	client    coord.Client
	tablePath string
	self      string
	engine    storage.Engine
	initCols  alter.ColumnSet

	store         *queue.Store
	queue         *queue.Queue
	blockAlloc    *blockalloc.Allocator
	quorumTracker *quorum.Tracker
	election      *election.Election
	mergeSelector *merge.Selector
	exec          *executor.Executor
	fetchClient   *fetch.Client
	fetchServer   *fetch.Server
	fetchCreds    *fetch.Credentials
	partChecker   *partcheck.Checker
	cleaner       *cleanup.Cleaner
	sessionMgr    *session.Manager
	alterWatcher  *alter.Watcher
	mutationsUpd  *mutations.Updater
	mutationsFin  *mutations.Finalizer
	httpServer    *http.Server

	mu       sync.RWMutex
	prepared bool
	serving  bool
}

// New wires every subsystem against client/cfg, without touching the
// coordinator tree yet; Prepare/Commit perform the actual startup
// sequence (SPEC_FULL.md "Startup two-phase table attach").
func New(client coord.Client, cfg config.Config, store *queue.Store) (*Table, error) {
	tablePath := cfg.ZookeeperRoot + "/" + cfg.TableName
	self := cfg.ReplicaName

	q := queue.New(client, tablePath, self, store)
	qt := quorum.New(client, tablePath, peerNames(cfg))
	el := election.New(client, tablePath, cfg.CanBecomeLeader)

	fetchUser, fetchPassword := credentialFor(cfg)
	fetchClient := fetch.NewClient(nil, cfg.PeerAddresses, fetchUser, fetchPassword)

	t := &Table{
		cfg: cfg, client: client, tablePath: tablePath, self: self,
		store: store, queue: q, blockAlloc: blockalloc.New(client, tablePath),
		quorumTracker: qt, election: el, fetchClient: fetchClient,
	}

	t.sessionMgr = session.New(client, tablePath, self, session.Rebuilder{
		RegisterIsActive: func(ctx context.Context) error { return nil },
		CheckParts:       t.checkParts,
		RestartThreads:   t.restartBackgroundThreads,
	})

	t.fetchCreds = fetch.NewCredentials(credentialPairs(cfg))
	t.fetchServer = fetch.NewServer(fetch.EngineLookup{}, t.fetchCreds, cfg.MaxParallelFetchesPerTable)
	return t, nil
}

func peerNames(cfg config.Config) []string {
	names := make([]string, 0, len(cfg.PeerAddresses)+1)
	names = append(names, cfg.ReplicaName)
	for name := range cfg.PeerAddresses {
		names = append(names, name)
	}
	return names
}

func credentialFor(cfg config.Config) (string, string) {
	if len(cfg.InterserverCredentials) == 0 {
		return "", ""
	}
	return cfg.InterserverCredentials[0].User, cfg.InterserverCredentials[0].Password
}

func credentialPairs(cfg config.Config) map[string]string {
	pairs := make(map[string]string, len(cfg.InterserverCredentials))
	for _, c := range cfg.InterserverCredentials {
		pairs[c.User] = c.Password
	}
	return pairs
}

// Prepare validates meta and stages the engine/alter-watcher without
// making the table visible to readers or background threads yet
// (SPEC_FULL.md two-phase attach, "validates and stages").
func (t *Table) Prepare(ctx context.Context, meta Meta) error {
	if meta.Engine == nil {
		return rerrors.New(rerrors.LogicalInvariantViolated, "table.Prepare requires a non-nil engine")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prepared {
		return rerrors.New(rerrors.LogicalInvariantViolated, "table already prepared")
	}
	t.engine = meta.Engine
	t.initCols = meta.Columns
	t.alterWatcher = alter.New(t.client, t.tablePath, t.self, meta.Engine)
	t.fetchServer = fetch.NewServer(fetch.EngineLookup{Engine: meta.Engine}, t.fetchCreds, t.cfg.MaxParallelFetchesPerTable)

	exec, err := executor.New(t.client, t.tablePath, t.self, meta.Engine, t.queue, t.fetchClient, t, t.quorumTracker, executor.DefaultConfig())
	if err != nil {
		return err
	}
	t.exec = exec
	t.mergeSelector = merge.New(t.client, t.tablePath, t.self, meta.Engine, t.election, t.queue, merge.DefaultConfig())
	t.partChecker = partcheck.New(t.client, t.tablePath, t.self, meta.Engine, t.queue, partcheck.DefaultConfig())
	cleanupCfg := cleanup.Config{Delay: t.cfg.CleanupDelayPeriod, DeduplicationWindow: t.cfg.ReplicatedDeduplicationWindow}
	t.cleaner = cleanup.New(t.client, t.tablePath, t.self, meta.Engine, cleanupCfg)
	t.mutationsUpd = mutations.NewUpdater(t.client, t.tablePath, t.self, meta.Engine, t.election)
	t.mutationsFin = mutations.NewFinalizer(t.client, t.tablePath, meta.Engine)

	t.prepared = true
	return nil
}

// Commit atomically flips the table into serving state: it creates
// the coordinator tree skeleton if absent, registers this replica,
// and loads the local queue mirror. No closure captures state across
// Prepare and Commit — everything Commit needs lives on t.
func (t *Table) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.prepared {
		return rerrors.New(rerrors.LogicalInvariantViolated, "table.Commit called before Prepare")
	}
	if t.serving {
		return nil
	}
	if err := t.ensureSkeleton(ctx); err != nil {
		return err
	}
	if err := t.seedColumns(ctx); err != nil {
		return err
	}
	if err := t.queue.Load(ctx); err != nil {
		return err
	}
	if err := t.queue.PullLogsToQueue(ctx); err != nil {
		return err
	}
	t.serving = true
	rlog.Info(ctx, "table committed, now serving", zap.String("table", t.tablePath), zap.String("replica", t.self))
	return nil
}

func (t *Table) ensureSkeleton(ctx context.Context) error {
	for _, p := range []string{
		t.tablePath,
		t.tablePath + "/log",
		t.tablePath + "/blocks",
		t.tablePath + "/block_numbers",
		t.tablePath + "/quorum",
		t.tablePath + "/quorum/last_part",
		t.tablePath + "/leader_election",
		t.tablePath + "/mutations",
		t.tablePath + "/replicas",
		t.tablePath + "/replicas/" + t.self,
		t.tablePath + "/replicas/" + t.self + "/parts",
		t.tablePath + "/replicas/" + t.self + "/queue",
		t.tablePath + "/columns",
	} {
		if _, err := t.client.Create(ctx, p, nil, coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "create %s", p)
		}
	}
	return nil
}

// seedColumns writes the initial column set into /columns if no
// replica has done so yet, so the first replica to attach a table
// defines its structure for the alter-watcher to mirror (spec §4.9).
func (t *Table) seedColumns(ctx context.Context) error {
	data, _, err := t.client.Get(ctx, t.tablePath+"/columns")
	if err != nil {
		return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "read /columns")
	}
	if len(data) > 0 || len(t.initCols) == 0 {
		return nil
	}
	encoded, err := json.Marshal(t.initCols)
	if err != nil {
		return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "marshal initial columns")
	}
	if _, err := t.client.SetData(ctx, t.tablePath+"/columns", encoded, 0); err != nil && err != coord.ErrBadVersion {
		return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "seed /columns")
	}
	return nil
}

// checkParts reconciles this replica's /replicas/me/parts record
// against the local engine's active set on reconnect (spec §4.9).
func (t *Table) checkParts(ctx context.Context) error {
	return t.cleaner.Tick(ctx)
}

func (t *Table) restartBackgroundThreads(ctx context.Context) error {
	return t.queue.PullLogsToQueue(ctx)
}

// Run starts every background subsystem and the part-exchange HTTP
// listener, returning once ctx is canceled (full shutdown per spec
// §4.9) or an unrecoverable subsystem error occurs. partialCtx is
// canceled on a graceful/partial shutdown: work in flight settles,
// but the session/restart thread (tied to ctx, not partialCtx) keeps
// running so a reconnect can still rebuild state, matching §4.9's
// "never killed by partial shutdown, only full shutdown."
func (t *Table) Run(ctx context.Context, partialCtx context.Context) error {
	var g errgroup.Group
	run := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				rlog.Error(ctx, "background thread exited with error", zap.String("thread", name), zap.Error(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	run("election", func() error { return t.election.Run(partialCtx) })
	run("queue-updater", func() error { return t.queue.Run(partialCtx, time.Second) })
	run("merge-selector", func() error { return t.mergeSelector.Run(partialCtx, 5*time.Second) })
	run("mutations-updater", func() error { return t.mutationsUpd.Run(partialCtx, 5*time.Second) })
	run("mutations-finalizer", func() error { return t.mutationsFin.Run(partialCtx, 5*time.Second) })
	run("executor", func() error { return t.exec.Run(partialCtx, time.Second) })
	run("part-checker", func() error { return t.partChecker.Run(partialCtx) })
	run("cleaner", func() error { return t.cleaner.Run(partialCtx) })
	run("alter-watcher", func() error { return t.alterWatcher.Run(partialCtx) })
	run("session", func() error { return t.sessionMgr.Run(ctx) })

	if t.cfg.PartExchangeListenAddr != "" {
		t.httpServer = &http.Server{Addr: t.cfg.PartExchangeListenAddr, Handler: t.fetchServer}
		run("part-exchange-server", func() error {
			err := t.httpServer.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-partialCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return t.httpServer.Shutdown(shutdownCtx)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// InsertResult reports the outcome of Insert (spec §4.1/§4.3).
type InsertResult struct {
	PartName     string
	Deduplicated bool
}

// Insert implements the INSERT data flow of spec §2/§4.1/§4.3/§4.4:
// allocate a block number (deduping on blockID), commit the part
// locally, then atomically install the coordinator records —
// replicas/me/parts, the block-number/dedup commit ops, and an
// optional quorum/status — in one multi-op.
func (t *Table) Insert(ctx context.Context, partition, blockID string, rows, bytes int64, checksum string, quorumSize int) (InsertResult, error) {
	t.mu.RLock()
	serving, eng := t.serving, t.engine
	t.mu.RUnlock()
	if !serving {
		return InsertResult{}, rerrors.New(rerrors.ReplicaReadonly, "table not yet committed")
	}
	if t.sessionMgr.IsReadonly() {
		return InsertResult{}, rerrors.New(rerrors.ReplicaReadonly, "coordinator session lost")
	}

	alloc, err := t.blockAlloc.Allocate(ctx, partition, blockID)
	if err != nil {
		return InsertResult{}, err
	}
	if alloc.Deduplicated {
		return InsertResult{PartName: alloc.ExistingPart, Deduplicated: true}, nil
	}

	target := logentry.PartName{Partition: partition, MinBlock: alloc.Lock.BlockNumber, MaxBlock: alloc.Lock.BlockNumber, Level: 0}
	partName := target.String()

	info := storage.PartInfo{Name: target, Rows: rows, Bytes: bytes, Checksum: checksum}
	if err := eng.CommitPart(ctx, info); err != nil {
		alloc.Lock.Abort(ctx, t.client)
		return InsertResult{}, err
	}

	ops := alloc.Lock.CommitOps(partName)
	ops = append(ops, coord.CreateOp(t.tablePath+"/replicas/"+t.self+"/parts/"+partName, nil, coord.Persistent))
	if quorumSize > 1 {
		qop, err := t.quorumTracker.BeginOp(partName, quorumSize, t.self)
		if err != nil {
			return InsertResult{}, err
		}
		ops = append(ops, qop)
	}

	if _, err := t.client.Multi(ctx, ops...); err != nil {
		_ = eng.RenameAndDetach(ctx, target)
		alloc.Lock.Abort(ctx, t.client)
		return InsertResult{}, rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "commit INSERT for %s", partName)
	}

	rlog.Info(ctx, "committed INSERT", zap.String("part", partName), zap.Int("quorum", quorumSize))
	return InsertResult{PartName: partName}, nil
}

// FindCoveringReplica implements executor.ReplicaLocator: scan every
// other live replica's /parts children for one that covers part.
func (t *Table) FindCoveringReplica(ctx context.Context, part logentry.PartName) (string, logentry.PartName, bool) {
	replicaNames, err := t.client.Children(ctx, t.tablePath+"/replicas")
	if err != nil {
		return "", logentry.PartName{}, false
	}
	for _, r := range replicaNames {
		if r == t.self {
			continue
		}
		active, _, err := t.client.Exists(ctx, t.tablePath+"/replicas/"+r+"/is_active")
		if err != nil || !active {
			continue
		}
		children, err := t.client.Children(ctx, t.tablePath+"/replicas/"+r+"/parts")
		if err != nil {
			continue
		}
		for _, name := range children {
			p, err := logentry.ParsePartName(name)
			if err != nil {
				continue
			}
			if p.Covers(part) {
				return r, p, true
			}
		}
	}
	return "", logentry.PartName{}, false
}

// ReplicaLag reports how far behind a replica's log_pointer is from
// the shared log's tail index (SPEC_FULL.md "Replica lag reporting").
// No other component of this module calls it; the alter-watcher does
// not wait on it.
func (t *Table) ReplicaLag(ctx context.Context, replica string) (int64, error) {
	children, err := t.client.Children(ctx, t.tablePath+"/log")
	if err != nil {
		return 0, err
	}
	tail := int64(0)
	for _, name := range children {
		if seq, err := logNameSequence(name); err == nil && seq > tail {
			tail = seq
		}
	}
	data, _, err := t.client.Get(ctx, t.tablePath+"/replicas/"+replica+"/log_pointer")
	if err == coord.ErrNoNode {
		return tail, nil
	}
	if err != nil {
		return 0, err
	}
	pointer, err := parseInt64(string(data))
	if err != nil {
		return 0, err
	}
	return tail - pointer, nil
}

// SubmitMutation records a new ALTER DELETE/UPDATE command set under
// /mutations (spec §3); the mutations-updater on whichever replica
// holds leadership turns it into per-part MUTATE log entries.
func (t *Table) SubmitMutation(ctx context.Context, alterCommands []string) (string, error) {
	return mutations.Submit(ctx, t.client, t.tablePath, alterCommands, time.Now())
}

// Queue exposes the replication-queue monitoring surface
// (SPEC_FULL.md "Monitoring/introspection surface") for operator tooling.
func (t *Table) Queue() *queue.Queue { return t.queue }

// IsLeader reports whether this replica currently holds the merge
// selector leadership (spec §4.5).
func (t *Table) IsLeader() bool { return t.election.IsLeader() }

// logNameSequence extracts the numeric suffix of a sequential
// coordinator child name ("log-0000000042" -> 42), mirroring
// internal/queue's own sequenceOf for the same naming convention.
func logNameSequence(name string) (int64, error) {
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	parts := strings.SplitAfter(base, "-")
	if len(parts) < 2 {
		return 0, fmt.Errorf("table: not a sequential name %q", name)
	}
	return strconv.ParseInt(parts[len(parts)-1], 10, 64)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
