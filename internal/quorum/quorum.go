// Package quorum implements the quorum-write tracker of spec §4.4:
// /quorum/status for the in-flight part and /quorum/last_part for the
// highest quorum-committed block per partition.
package quorum

import (
	"context"
	"encoding/json"

	"github.com/RoaringBitmap/roaring"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
)

// status is the wire shape of /quorum/status (spec §3).
type status struct {
	PartName string   `json:"part_name"`
	Required int      `json:"required"`
	Acked    []uint32 `json:"acked"` // replica ordinals, see Tracker.ordinals
}

// Tracker manages one table's quorum bookkeeping. Replica names are
// mapped to stable ordinals so the acknowledged set can be held as a
// roaring bitmap (SPEC_FULL.md domain stack) instead of a string set.
type Tracker struct {
	client    coord.Client
	tablePath string

	ordinals map[string]uint32
	names    []string
}

func New(client coord.Client, tablePath string, replicas []string) *Tracker {
	t := &Tracker{client: client, tablePath: tablePath, ordinals: make(map[string]uint32)}
	for i, r := range replicas {
		t.ordinals[r] = uint32(i)
		t.names = append(t.names, r)
	}
	return t
}

func (t *Tracker) statusPath() string { return t.tablePath + "/quorum/status" }
func (t *Tracker) lastPartPath(partition string) string {
	return t.tablePath + "/quorum/last_part/" + partition
}

// BeginOp returns the multi-op step that publishes /quorum/status as
// part of the same commit that installs the new part (spec §4.4);
// the caller appends it to the INSERT's atomic multi-op.
func (t *Tracker) BeginOp(partName string, required int, self string) (coord.Op, error) {
	bm := roaring.New()
	if ord, ok := t.ordinals[self]; ok {
		bm.Add(ord)
	}
	data, err := json.Marshal(status{PartName: partName, Required: required, Acked: bm.ToArray()})
	if err != nil {
		return coord.Op{}, err
	}
	return coord.CreateOp(t.statusPath(), data, coord.Persistent), nil
}

// Ack records that replica has fetched or already held the in-flight
// part, advancing /quorum/last_part when the threshold is met (spec §4.4).
func (t *Tracker) Ack(ctx context.Context, replica string, partition string) error {
	data, stat, err := t.client.Get(ctx, t.statusPath())
	if err != nil {
		if err == coord.ErrNoNode {
			return nil // nothing in flight, nothing to ack
		}
		return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "read quorum status")
	}
	var st status
	if err := json.Unmarshal(data, &st); err != nil {
		return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "decode quorum status")
	}

	bm := roaring.BitmapOf(st.Acked...)
	ord, ok := t.ordinals[replica]
	if !ok {
		return rerrors.New(rerrors.LogicalInvariantViolated, "unknown replica %s", replica)
	}
	bm.Add(ord)
	st.Acked = bm.ToArray()

	if bm.GetCardinality() >= uint64(st.Required) {
		if _, err := t.client.Multi(ctx,
			coord.SetDataOp(t.lastPartPath(partition), []byte(st.PartName), -1),
			coord.DeleteOp(t.statusPath(), stat.Version),
		); err != nil {
			if err == coord.ErrNoNode {
				if _, cerr := t.client.Create(ctx, t.lastPartPath(partition), []byte(st.PartName), coord.Persistent); cerr != nil {
					return rerrors.Wrap(rerrors.CoordinatorUnavailable, cerr, "advance quorum last_part")
				}
				return t.client.Delete(ctx, t.statusPath(), stat.Version)
			}
			return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "complete quorum")
		}
		return nil
	}

	data, err = json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = t.client.SetData(ctx, t.statusPath(), data, stat.Version)
	if err == coord.ErrBadVersion {
		return t.Ack(ctx, replica, partition) // someone else acked concurrently, retry
	}
	return err
}

// LastPart returns the highest quorum-committed part name recorded
// for partition, or "" if none.
func (t *Tracker) LastPart(ctx context.Context, partition string) (string, error) {
	data, _, err := t.client.Get(ctx, t.lastPartPath(partition))
	if err == coord.ErrNoNode {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Invalidate removes an orphaned /quorum/status left by a producer
// whose session expired before quorum was met, and that no surviving
// replica holds the part for (spec §4.4).
func (t *Tracker) Invalidate(ctx context.Context) error {
	_, stat, err := t.client.Get(ctx, t.statusPath())
	if err == coord.ErrNoNode {
		return nil
	}
	if err != nil {
		return err
	}
	return t.client.Delete(ctx, t.statusPath(), stat.Version)
}
