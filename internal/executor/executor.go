// Package executor implements the queue executor of spec §4.6:
// dequeues executable entries and dispatches them to a local
// merge/mutate path or a remote fetch path, with bounded concurrency.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/quorum"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// Fetcher is the part-exchange client capability the executor needs
// for GET entries (spec §4.8); internal/fetch.Client satisfies it.
// Kept as an interface here so executor tests don't need a real HTTP
// server.
type Fetcher interface {
	FetchPart(ctx context.Context, sourceReplica string, part logentry.PartName, compress bool) (storage.PartInfo, error)
}

// ReplicaLocator answers findReplicaHavingCoveringPart (spec §4.6):
// given a part name, which live replica holds a part that covers it.
type ReplicaLocator interface {
	FindCoveringReplica(ctx context.Context, part logentry.PartName) (replica string, covering logentry.PartName, ok bool)
}

// Config bounds the executor's concurrency (spec §6): one pool of
// PoolSize workers runs every entry type; fetches and merges have no
// separate limits.
type Config struct {
	PoolSize           int
	StalePartThreshold time.Duration // age after which a missing-everywhere GET becomes a placeholder
}

func DefaultConfig() Config {
	return Config{PoolSize: 8, StalePartThreshold: time.Hour}
}

// Executor drains Queue.SelectEntryToProcess in a bounded worker pool.
type Executor struct {
	client    coord.Client
	tablePath string
	self      string
	engine    storage.Engine
	queue     *queue.Queue
	fetcher   Fetcher
	locator   ReplicaLocator
	quorum    *quorum.Tracker
	cfg       Config
	pool      *ants.Pool
}

func New(client coord.Client, tablePath, self string, engine storage.Engine, q *queue.Queue, fetcher Fetcher, locator ReplicaLocator, qt *quorum.Tracker, cfg Config) (*Executor, error) {
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "create executor worker pool")
	}
	return &Executor{
		client: client, tablePath: tablePath, self: self,
		engine: engine, queue: q, fetcher: fetcher, locator: locator, quorum: qt,
		cfg: cfg, pool: pool,
	}, nil
}

func (e *Executor) Close() { e.pool.Release() }

// Run polls the queue for executable entries and submits each to the
// worker pool until ctx is canceled.
func (e *Executor) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				qe, ok := e.queue.SelectEntryToProcess()
				if !ok {
					break
				}
				if err := e.pool.Submit(func() { e.execute(ctx, qe) }); err != nil {
					rlog.Warn(ctx, "executor pool submit failed", zap.Error(err))
					break
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Executor) execute(ctx context.Context, qe *queue.QueueEntry) {
	var err error
	switch qe.Type {
	case logentry.TypeGet:
		err = e.executeGet(ctx, qe)
	case logentry.TypeMerge, logentry.TypeMutate:
		err = e.executeMergeLike(ctx, qe)
	case logentry.TypeDropRange, logentry.TypeClearColumn, logentry.TypeReplaceRange:
		err = e.executeRangeOp(ctx, qe)
	default:
		err = rerrors.New(rerrors.LogicalInvariantViolated, "unknown entry type %s", qe.Type)
	}

	if err == nil {
		if merr := e.queue.MarkSuccess(ctx, qe); merr != nil {
			rlog.Error(ctx, "failed to mark queue entry done", zap.String("log_name", qe.LogName), zap.Error(merr))
		}
		return
	}
	rlog.Warn(ctx, "queue entry execution failed", zap.String("log_name", qe.LogName), zap.String("type", string(qe.Type)), zap.Error(err))
	if merr := e.queue.MarkFailure(qe, err); merr != nil {
		rlog.Error(ctx, "failed to record queue entry failure", zap.Error(merr))
	}
}

// executeGet implements spec §4.6's GET dispatch: dedup check via the
// block allocator state already folded into the entry, locate a
// covering replica, fetch, commit atomically, and rewrite
// actual_new_part_name when the fetched part covers more than asked.
func (e *Executor) executeGet(ctx context.Context, qe *queue.QueueEntry) error {
	target, err := logentry.ParsePartName(qe.NewPartName)
	if err != nil {
		return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "malformed GET target %s", qe.NewPartName)
	}

	if existing, ok := e.queue.Virtual().CoveringPart(target); ok && existing == target {
		return nil // already active locally, nothing to fetch
	}

	replica, covering, ok := e.locator.FindCoveringReplica(ctx, target)
	if !ok {
		if time.Since(qe.CreateTime) > e.cfg.StalePartThreshold {
			return e.placeholderForLostPart(ctx, target)
		}
		return rerrors.New(rerrors.PartNotFound, "no replica currently holds %s", target.String())
	}

	info, err := e.fetcher.FetchPart(ctx, replica, covering, true)
	if err != nil {
		return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "fetch %s from %s", covering.String(), replica)
	}

	if err := e.engine.CommitPart(ctx, info); err != nil && rerrors.KindOf(err) != rerrors.PartAlreadyExists {
		return err
	}

	ops := []coord.Op{
		coord.CreateOp(e.tablePath+"/replicas/"+e.self+"/parts/"+info.Name.String(), nil, coord.Persistent),
	}
	if info.Name != target {
		qe.ActualNewPartName = info.Name.String()
		ops = append(ops, coord.SetDataOp(e.tablePath+"/log/"+qe.LogName, logentry.Encode(qe.Entry), -1))
	}
	if _, err := e.client.Multi(ctx, ops...); err != nil {
		return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "register fetched part %s", info.Name.String())
	}

	if qe.Quorum > 0 && e.quorum != nil {
		if err := e.quorum.Ack(ctx, e.self, target.Partition); err != nil {
			rlog.Warn(ctx, "quorum ack after fetch failed", zap.Error(err))
		}
	}
	return nil
}

// placeholderForLostPart creates an empty part to advance the block
// range when a GET's source is unrecoverable (spec §4.6, §4.7
// "permanent loss ... create a placeholder empty part to advance
// block numbers").
func (e *Executor) placeholderForLostPart(ctx context.Context, target logentry.PartName) error {
	rlog.Error(ctx, "part permanently lost, creating placeholder", zap.String("part", target.String()))
	info := storage.PartInfo{Name: target, Rows: 0, Bytes: 0, Checksum: fmt.Sprintf("placeholder:%s", target)}
	if err := e.engine.CommitPart(ctx, info); err != nil && rerrors.KindOf(err) != rerrors.PartAlreadyExists {
		return err
	}
	_, err := e.client.Multi(ctx, coord.CreateOp(e.tablePath+"/replicas/"+e.self+"/parts/"+target.String(), nil, coord.Persistent))
	return err
}

// executeMergeLike implements spec §4.6's MERGE/MUTATE dispatch: local
// merge/mutate via the storage engine contract, with the
// recommend-fetch fallback when a source part vanished mid-way.
func (e *Executor) executeMergeLike(ctx context.Context, qe *queue.QueueEntry) error {
	target, err := logentry.ParsePartName(qe.Resolve())
	if err != nil {
		return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "malformed target %s", qe.Resolve())
	}
	e.queue.BeginMerge(target)

	sources := make([]logentry.PartName, 0, len(qe.SourcePartNames))
	for _, s := range qe.SourcePartNames {
		p, err := logentry.ParsePartName(s)
		if err != nil {
			return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "malformed source %s", s)
		}
		sources = append(sources, p)
	}

	var info storage.PartInfo
	if qe.Type == logentry.TypeMerge {
		info, err = e.engine.MergeParts(ctx, sources, target)
	} else {
		info, err = e.engine.MutatePart(ctx, sources[0], qe.AlterCommands, target)
	}
	if rerrors.KindOf(err) == rerrors.PartNotFound {
		return e.convertToGet(ctx, qe, target)
	}
	if err != nil {
		return err
	}

	ops := []coord.Op{
		coord.CreateOp(e.tablePath+"/replicas/"+e.self+"/parts/"+info.Name.String(), nil, coord.Persistent),
	}
	for _, s := range sources {
		ops = append(ops, coord.DeleteOp(e.tablePath+"/replicas/"+e.self+"/parts/"+s.String(), -1))
	}
	_, err = e.client.Multi(ctx, ops...)
	return err
}

// convertToGet implements the "abort merge and convert the entry into
// a GET (recommend-fetch policy)" rule of spec §4.6: a fresh GET is
// written to this replica's own queue, and the original entry is
// marked done rather than retried as a merge.
func (e *Executor) convertToGet(ctx context.Context, qe *queue.QueueEntry, target logentry.PartName) error {
	rlog.Info(ctx, "merge source missing, converting to fetch", zap.String("part", target.String()))
	get := logentry.Entry{
		Type:          logentry.TypeGet,
		NewPartName:   target.String(),
		CreateTime:    time.Now(),
		SourceReplica: e.self,
	}
	queuePath := e.tablePath + "/replicas/" + e.self + "/queue/queue-"
	if _, err := e.client.Create(ctx, queuePath, logentry.Encode(get), coord.PersistentSequential); err != nil {
		return err
	}
	return nil
}

// executeRangeOp handles DROP_RANGE/CLEAR_COLUMN/REPLACE_RANGE alike:
// every active part overlapping the entry's target range is detached
// via renameAndDetach on the local engine contract and its record under
// this replica's /parts is deleted. No part is rewritten: CLEAR_COLUMN
// does not clear column data and REPLACE_RANGE attaches no replacement
// parts.
func (e *Executor) executeRangeOp(ctx context.Context, qe *queue.QueueEntry) error {
	target, err := logentry.ParsePartName(qe.NewPartName)
	if err != nil {
		return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "malformed range target %s", qe.NewPartName)
	}
	for _, p := range e.queue.Virtual().Active(target.Partition) {
		if !p.Overlaps(target) {
			continue
		}
		if err := e.engine.RenameAndDetach(ctx, p); err != nil && rerrors.KindOf(err) != rerrors.PartNotFound {
			return err
		}
		if err := e.client.Delete(ctx, e.tablePath+"/replicas/"+e.self+"/parts/"+p.String(), -1); err != nil && err != coord.ErrNoNode {
			return err
		}
	}
	return nil
}
