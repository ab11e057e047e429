package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/rlog"
)

// Queue is the per-replica durable mirror of the shared log (spec
// §4.2): it tracks which log entries have been pulled, holds the
// mutable QueueEntry copies, and maintains VirtualParts for
// executability decisions.
type Queue struct {
	client        coord.Client
	logPath       string
	queuePath     string
	logPointerPath string // /replicas/<self>/log_pointer, published as logPointer advances
	store         *Store // local durable mirror, see store.go

	mu              sync.Mutex
	entries         map[string]*QueueEntry // keyed by LogName
	order           []string                // LogName, ascending
	logPointer      int64                   // highest log index pulled, -1 before the first
	mutationPointer int64
	virtual         *VirtualParts
	inFlightMerges  []logentry.PartName // ranges with a merge/mutate currently executing
}

func New(client coord.Client, tablePath, replicaName string, store *Store) *Queue {
	return &Queue{
		client:         client,
		logPath:        tablePath + "/log",
		queuePath:      tablePath + "/replicas/" + replicaName + "/queue",
		logPointerPath: tablePath + "/replicas/" + replicaName + "/log_pointer",
		store:          store,
		entries:        make(map[string]*QueueEntry),
		logPointer:     -1,
		virtual:        NewVirtualParts(),
	}
}

// Run is the queue-updater background-schedule-pool task of spec §2/
// §5: it periodically mirrors new /log entries into this replica's
// queue until ctx is canceled, mirroring executor.Executor.Run's
// ticker-plus-warn-and-continue shape so a transient coordinator
// failure (spec §7) doesn't tear down the task.
func (q *Queue) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := q.PullLogsToQueue(ctx); err != nil {
				rlog.Warn(ctx, "queue-updater pull failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// sequenceOf extracts the numeric suffix of a sequential coordinator
// child name ("log-0000000042" -> 42), the authoritative ordering key
// per spec §3 invariant 3.
func sequenceOf(name string) (int64, error) {
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	parts := strings.SplitAfter(base, "-")
	if len(parts) < 2 {
		return 0, fmt.Errorf("queue: not a sequential name %q", name)
	}
	return strconv.ParseInt(parts[len(parts)-1], 10, 64)
}

// Load reconstructs VirtualParts and the executability index from the
// local durable mirror at startup (spec §4.2).
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap, err := q.store.LoadAll()
	if err != nil {
		return err
	}
	for _, qe := range snap.Entries {
		q.insertLocked(qe)
	}
	q.logPointer = snap.LogPointer
	q.mutationPointer = snap.MutationPointer
	return nil
}

func (q *Queue) insertLocked(qe *QueueEntry) {
	if _, exists := q.entries[qe.LogName]; exists {
		return
	}
	q.entries[qe.LogName] = qe
	q.order = append(q.order, qe.LogName)
	sort.Slice(q.order, func(i, j int) bool {
		si, _ := sequenceOf(q.order[i])
		sj, _ := sequenceOf(q.order[j])
		return si < sj
	})
	if qe.State == Done || qe.State == Obsolete {
		return
	}
	_ = q.virtual.Apply(qe.Entry)
}

// PullLogsToQueue reads /log children beyond the current log pointer
// and mirrors them into this replica's queue (spec §4.2). It is
// idempotent: re-running with unchanged coordinator state mirrors
// nothing new, because the authoritative dedup key is the sequential
// LogName already present in q.entries.
func (q *Queue) PullLogsToQueue(ctx context.Context) error {
	children, err := q.client.Children(ctx, q.logPath)
	if err != nil {
		return err
	}
	sort.Strings(children)

	q.mu.Lock()
	pointer := q.logPointer
	q.mu.Unlock()

	for _, name := range children {
		seq, err := sequenceOf(name)
		if err != nil || seq <= pointer {
			continue
		}
		logNodePath := q.logPath + "/" + name
		data, _, err := q.client.Get(ctx, logNodePath)
		if err != nil {
			if err == coord.ErrNoNode {
				continue // entry was cleaned up between Children and Get
			}
			return err
		}
		entry, err := logentry.Decode(data)
		if err != nil {
			return fmt.Errorf("queue: decode %s: %w", name, err)
		}
		entry.LogName = name

		qe := &QueueEntry{Entry: entry, State: Pending}
		queueNodePath, err := q.client.Create(ctx, q.queuePath+"/queue-", data, coord.PersistentSequential)
		if err != nil && err != coord.ErrNodeExists {
			return err
		}
		_ = queueNodePath

		if err := q.store.SaveEntry(qe); err != nil {
			return err
		}
		if err := q.store.SaveLogPointer(seq); err != nil {
			return err
		}

		q.mu.Lock()
		q.insertLocked(qe)
		q.logPointer = seq
		q.mu.Unlock()

		if err := q.publishLogPointer(ctx, seq); err != nil {
			rlog.Warn(ctx, "failed to publish log_pointer", zap.Error(err))
		}

		rlog.Info(ctx, "pulled log entry into queue", zap.String("log_name", name), zap.String("type", string(entry.Type)))
	}
	return nil
}

// publishLogPointer mirrors the local log pointer into this replica's
// ReplicaRecord (spec §3 "log_pointer: highest log index copied into
// queue"), the value cleanup.minLogPointer and table.ReplicaLag read
// from every other replica.
func (q *Queue) publishLogPointer(ctx context.Context, seq int64) error {
	data := []byte(strconv.FormatInt(seq, 10))
	if _, err := q.client.SetData(ctx, q.logPointerPath, data, -1); err != nil {
		if err == coord.ErrNoNode {
			if _, cerr := q.client.Create(ctx, q.logPointerPath, data, coord.Persistent); cerr != nil && cerr != coord.ErrNodeExists {
				return cerr
			}
			return nil
		}
		return err
	}
	return nil
}

// SelectEntryToProcess returns the next pending entry for which
// shouldExecute holds (spec §4.2): sources present or fetchable, no
// covering merge already scheduled ahead of it, and no conflict with
// an in-progress operation on an overlapping range.
func (q *Queue) SelectEntryToProcess() (*QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, name := range q.order {
		qe := q.entries[name]
		if qe.State != Pending && qe.State != FailedRetriable {
			continue
		}
		if qe.State == FailedRetriable && time.Now().Before(qe.NextAttemptTime) {
			continue
		}
		if ok, _ := q.shouldExecuteLocked(qe); ok {
			qe.State = Executing
			return qe, true
		}
	}
	return nil, false
}

func (q *Queue) shouldExecuteLocked(qe *QueueEntry) (bool, string) {
	// tie-break: skip if any earlier-ordered entry targets an overlapping range.
	for _, name := range q.order {
		if name == qe.LogName {
			break
		}
		earlier := q.entries[name]
		if earlier.State == Done || earlier.State == Obsolete {
			continue
		}
		overlap, err := q.entriesOverlap(earlier, qe)
		if err == nil && overlap {
			return false, fmt.Sprintf("waiting on earlier entry %s over an overlapping range", earlier.LogName)
		}
	}
	if qe.IsMergeLike() {
		target, err := logentry.ParsePartName(qe.Resolve())
		if err == nil {
			for _, inflight := range q.inFlightMerges {
				if inflight.Overlaps(target) {
					return false, "a concurrent merge has started on an overlapping range"
				}
			}
		}
	}
	for _, s := range qe.SourcePartNames {
		p, err := logentry.ParsePartName(s)
		if err != nil {
			return false, "malformed source part name"
		}
		if !q.virtual.Covered(p.Partition, p.MinBlock, p.MaxBlock) {
			if _, ok := q.virtual.CoveringPart(p); !ok {
				return false, fmt.Sprintf("source part %s not present or fetchable", s)
			}
		}
	}
	return true, ""
}

func (q *Queue) entriesOverlap(a, b *QueueEntry) (bool, error) {
	target, err := logentry.ParsePartName(b.Resolve())
	if err != nil {
		return false, err
	}
	return a.TargetsOverlapping(target)
}

// PostponeReason returns the human-readable reason selectEntryToProcess
// did not pick entry, for monitoring (spec §4.2).
func (q *Queue) PostponeReason(logName string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	qe, ok := q.entries[logName]
	if !ok {
		return "unknown entry"
	}
	_, reason := q.shouldExecuteLocked(qe)
	if reason == "" {
		return "ready to execute"
	}
	return reason
}

// MarkSuccess records a successful execution: the entry is deleted
// from the coordinator and the local mirror (spec §4.2).
func (q *Queue) MarkSuccess(ctx context.Context, qe *QueueEntry) error {
	q.mu.Lock()
	qe.State = Done
	_ = q.virtual.Apply(qe.Entry)
	q.removeInFlightLocked(qe)
	q.mu.Unlock()

	if err := q.store.DeleteEntry(qe.LogName); err != nil {
		return err
	}
	children, err := q.client.Children(ctx, q.queuePath)
	if err == nil {
		for _, c := range children {
			data, _, gerr := q.client.Get(ctx, q.queuePath+"/"+c)
			if gerr != nil {
				continue
			}
			if decoded, derr := logentry.Decode(data); derr == nil && decoded.NewPartName == qe.NewPartName {
				_ = q.client.Delete(ctx, q.queuePath+"/"+c, -1)
			}
		}
	}
	return nil
}

// MarkFailure records a failed attempt, scheduling exponential
// backoff (spec §4.2).
func (q *Queue) MarkFailure(qe *QueueEntry, cause error) error {
	q.mu.Lock()
	qe.NumTries++
	qe.LastException = cause.Error()
	qe.LastAttemptTime = time.Now()
	qe.NextAttemptTime = qe.LastAttemptTime.Add(backoffFor(qe.NumTries))
	qe.State = FailedRetriable
	q.removeInFlightLocked(qe)
	q.mu.Unlock()
	return q.store.SaveEntry(qe)
}

// MarkObsolete drops a MERGE/MUTATE entry whose sources were replaced
// by a larger merge before it ran (spec §4.2).
func (q *Queue) MarkObsolete(ctx context.Context, qe *QueueEntry) error {
	q.mu.Lock()
	qe.State = Obsolete
	q.removeInFlightLocked(qe)
	q.mu.Unlock()
	return q.store.DeleteEntry(qe.LogName)
}

// BeginMerge/EndMerge track the in-progress-range set used by the
// tie-break rule "MERGE entries are skipped when a concurrent MERGE
// has started on an overlapping range" (spec §4.2).
func (q *Queue) BeginMerge(target logentry.PartName) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlightMerges = append(q.inFlightMerges, target)
}

func (q *Queue) removeInFlightLocked(qe *QueueEntry) {
	target, err := logentry.ParsePartName(qe.Resolve())
	if err != nil {
		return
	}
	out := q.inFlightMerges[:0]
	for _, r := range q.inFlightMerges {
		if r != target {
			out = append(out, r)
		}
	}
	q.inFlightMerges = out
}

func (q *Queue) Virtual() *VirtualParts { return q.virtual }

func (q *Queue) LogPointer() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.logPointer
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the per-entry monitoring view named in
// SPEC_FULL.md's "Monitoring/introspection surface" supplement, the
// Go analogue of system.replication_queue.
type Snapshot struct {
	LogName         string
	Type            string
	State           string
	NumTries        int
	LastException   string
	PostponeReason  string
}

func (q *Queue) Snapshot() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, 0, len(q.order))
	for _, name := range q.order {
		qe := q.entries[name]
		_, reason := q.shouldExecuteLocked(qe)
		out = append(out, Snapshot{
			LogName:        qe.LogName,
			Type:           string(qe.Type),
			State:          qe.State.String(),
			NumTries:       qe.NumTries,
			LastException:  qe.LastException,
			PostponeReason: reason,
		})
	}
	return out
}
