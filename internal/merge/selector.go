// Package merge implements the leader's merge selector (spec §4.5):
// a size-tiered heuristic over the active-part set, bounded by a
// configured in-queue merge limit, proposing MERGE log entries.
package merge

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/election"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// Config bounds the selector's behavior (spec §6 configuration,
// max_replicated_merges_in_queue).
type Config struct {
	MaxMergesInQueue int
	MaxPartsPerMerge  int
	SizeTierRatio     float64 // a part merges with neighbors within this size ratio
}

func DefaultConfig() Config {
	return Config{MaxMergesInQueue: 16, MaxPartsPerMerge: 10, SizeTierRatio: 5.0}
}

// Selector is the leader-only merge proposer. Non-leaders never call
// Tick's write path (spec §4.5).
type Selector struct {
	client      coord.Client
	tablePath   string
	self        string
	engine      storage.Engine
	election    *election.Election
	queue       *queue.Queue
	cfg         Config
	versionPath string // guards against two leaders proposing overlapping merges across a hand-off
}

func New(client coord.Client, tablePath, self string, engine storage.Engine, el *election.Election, q *queue.Queue, cfg Config) *Selector {
	return &Selector{
		client: client, tablePath: tablePath, self: self, engine: engine, election: el, queue: q, cfg: cfg,
		versionPath: tablePath + "/merge_selector_version",
	}
}

// Run ticks the selector on interval until ctx is canceled, the
// cooperative re-armed-callback shape of the background schedule pool
// (spec §5).
func (s *Selector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.election.IsLeader() {
				continue
			}
			if err := s.Tick(ctx); err != nil {
				rlog.Warn(ctx, "merge selector tick failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick examines the active-part set and proposes at most one MERGE
// per call, so repeated selection re-reads the freshly-written queue
// state rather than racing itself within one tick.
func (s *Selector) Tick(ctx context.Context) error {
	inQueue := 0
	for _, e := range s.queue.Snapshot() {
		if e.Type == string(logentry.TypeMerge) && e.State != queue.Done.String() && e.State != queue.Obsolete.String() {
			inQueue++
		}
	}
	if inQueue >= s.cfg.MaxMergesInQueue {
		return nil
	}
	parts, err := s.engine.EnumerateActiveParts(ctx)
	if err != nil {
		return err
	}
	byPartition := map[string][]storage.PartInfo{}
	for _, p := range parts {
		byPartition[p.Name.Partition] = append(byPartition[p.Name.Partition], p)
	}
	for partition, ps := range byPartition {
		if chosen, ok := SelectRange(ps, s.cfg); ok {
			return s.proposeMerge(ctx, partition, chosen)
		}
	}
	return nil
}

// SelectRange applies the size-tiered heuristic: from each starting
// part it extends a contiguous run while every following part is at
// most SizeTierRatio times the size of the run's first part, up to
// MaxPartsPerMerge parts, and returns the longest run of at least two
// parts (the earliest one when runs tie) (spec
// §4.5 "size-tiered, bounded by ... TTL rules"; TTL-based selection is
// left to the local storage engine per spec §1 out-of-scope boundary).
func SelectRange(parts []storage.PartInfo, cfg Config) ([]storage.PartInfo, bool) {
	if len(parts) < 2 {
		return nil, false
	}
	best := -1
	bestLen := 0
	for i := 0; i < len(parts); i++ {
		j := i + 1
		for j < len(parts) && j-i < cfg.MaxPartsPerMerge {
			if float64(parts[j].Bytes) > float64(parts[i].Bytes)*cfg.SizeTierRatio {
				break
			}
			j++
		}
		runLen := j - i
		if runLen >= 2 && runLen > bestLen {
			best = i
			bestLen = runLen
		}
	}
	if best < 0 {
		return nil, false
	}
	return parts[best : best+bestLen], true
}

func (s *Selector) proposeMerge(ctx context.Context, partition string, chosen []storage.PartInfo) error {
	sources := make([]string, len(chosen))
	minBlock, maxBlock, level := chosen[0].Name.MinBlock, chosen[0].Name.MaxBlock, 0
	for i, p := range chosen {
		sources[i] = p.Name.String()
		if p.Name.MinBlock < minBlock {
			minBlock = p.Name.MinBlock
		}
		if p.Name.MaxBlock > maxBlock {
			maxBlock = p.Name.MaxBlock
		}
		if p.Name.Level > level {
			level = p.Name.Level
		}
	}
	level++
	target := logentry.PartName{Partition: partition, MinBlock: minBlock, MaxBlock: maxBlock, Level: level}

	// The queue's own tie-break rule (spec §4.2) rejects this proposal
	// at selection time if an earlier entry already claims an
	// overlapping range, but that check runs on each replica well
	// after this append; during a leader hand-off the outgoing and
	// incoming leader can both reach this point with the same stale
	// part listing. versionPath is CheckVersionOp-guarded in the same
	// Multi as the log append, so only the first of the two proposals
	// to reach the coordinator commits; the loser gets ErrBadVersion
	// and simply retries selection on its next tick.
	version, err := s.ensureVersionNode(ctx)
	if err != nil {
		return err
	}
	return s.proposeMergeAtVersion(ctx, target, sources, version)
}

// proposeMergeAtVersion performs the guarded append for a version
// already fetched by proposeMerge; split out so the hand-off race
// itself is directly testable.
func (s *Selector) proposeMergeAtVersion(ctx context.Context, target logentry.PartName, sources []string, version int32) error {
	entry := logentry.Entry{
		Type:            logentry.TypeMerge,
		NewPartName:     target.String(),
		SourcePartNames: sources,
		CreateTime:      time.Now(),
		SourceReplica:   s.self,
	}
	logPath := s.tablePath + "/log/log-"
	_, err := s.client.Multi(ctx,
		coord.CheckVersionOp(s.versionPath, version),
		coord.SetDataOp(s.versionPath, []byte(strconv.FormatInt(int64(version)+1, 10)), version),
		coord.CreateOp(logPath, logentry.Encode(entry), coord.PersistentSequential),
	)
	if err == coord.ErrBadVersion {
		rlog.Warn(ctx, "merge proposal lost the hand-off race, will retry", zap.String("target", target.String()))
		return nil
	}
	return err
}

// ensureVersionNode lazily creates the merge-selector version counter
// and returns its current version, the field CheckVersionOp guards in
// proposeMerge's Multi.
func (s *Selector) ensureVersionNode(ctx context.Context) (int32, error) {
	exists, _, err := s.client.Exists(ctx, s.versionPath)
	if err != nil {
		return 0, err
	}
	if !exists {
		if _, err := s.client.Create(ctx, s.versionPath, []byte("0"), coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return 0, err
		}
	}
	_, stat, err := s.client.Get(ctx, s.versionPath)
	if err != nil {
		return 0, err
	}
	return stat.Version, nil
}
