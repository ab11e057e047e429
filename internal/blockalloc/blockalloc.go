// Package blockalloc implements the per-partition monotonic block
// number allocator and at-most-once INSERT deduplication of spec §4.3.
package blockalloc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
)

// Lock ties an allocated block number to the dedup ephemeral that
// reserves it (spec §4.3): on commit the ephemeral is converted to
// persistent in the same multi-commit that installs the part; on
// abort both nodes are cleaned up by Abort.
type Lock struct {
	Partition    string
	BlockNumber  int64
	blockNumPath string // /block_numbers/<partition>/block-NNNNNNNNNN
	dedupPath    string // /blocks/<block_id>, empty if no block_id was given
}

// Result of Allocate.
type Result struct {
	Lock         Lock
	Deduplicated bool
	ExistingPart string // set when Deduplicated
}

// Allocator allocates block numbers and enforces dedup against the
// coordinator's /blocks and /block_numbers/<partition> schema (spec §6).
type Allocator struct {
	client    coord.Client
	tablePath string
}

func New(client coord.Client, tablePath string) *Allocator {
	return &Allocator{client: client, tablePath: tablePath}
}

func (a *Allocator) blocksPath() string          { return a.tablePath + "/blocks" }
func (a *Allocator) blockNumbersPath(p string) string { return a.tablePath + "/block_numbers/" + p }

// newBlockID is a package var, not a direct uuid.NewString() call, so
// tests can pin it with gostub to assert on a deterministic dedup key.
var newBlockID = uuid.NewString

// Allocate implements spec §4.3 steps 1-2. If blockID is empty, one
// is generated (SPEC_FULL.md domain stack: google/uuid) so every
// INSERT still has a stable retry key even without client-supplied
// dedup.
func (a *Allocator) Allocate(ctx context.Context, partition, blockID string) (Result, error) {
	if blockID == "" {
		blockID = newBlockID()
	}
	dedupPath := a.blocksPath() + "/" + blockID

	created, err := a.client.Create(ctx, dedupPath, nil, coord.Ephemeral)
	if err != nil {
		if err == coord.ErrNodeExists {
			data, _, getErr := a.client.Get(ctx, dedupPath)
			if getErr != nil {
				return Result{}, rerrors.Wrap(rerrors.CoordinatorUnavailable, getErr, "read dedup node %s", dedupPath)
			}
			return Result{Deduplicated: true, ExistingPart: string(data)}, nil
		}
		return Result{}, rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "create dedup node %s", dedupPath)
	}

	seqPath, err := a.client.Create(ctx, a.blockNumbersPath(partition)+"/block-", nil, coord.EphemeralSequential)
	if err != nil {
		_ = a.client.Delete(ctx, dedupPath, -1)
		return Result{}, rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "allocate block number in partition %s", partition)
	}
	n, err := sequenceSuffix(seqPath)
	if err != nil {
		_ = a.client.Delete(ctx, dedupPath, -1)
		_ = a.client.Delete(ctx, seqPath, -1)
		return Result{}, rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "malformed sequential node %s", seqPath)
	}

	return Result{Lock: Lock{Partition: partition, BlockNumber: n, blockNumPath: seqPath, dedupPath: created}}, nil
}

func sequenceSuffix(path string) (int64, error) {
	if len(path) < 10 {
		return 0, fmt.Errorf("blockalloc: path too short: %s", path)
	}
	return strconv.ParseInt(path[len(path)-10:], 10, 64)
}

// CommitOps returns the multi-op steps that convert the dedup
// ephemeral to persistent and reserve the block-number gap
// permanently, meant to be appended to the same atomic commit that
// installs the new part (spec §4.1, §4.3).
func (l Lock) CommitOps(partName string) []coord.Op {
	ops := []coord.Op{
		coord.DeleteOp(l.blockNumPath, -1),
		coord.CreateOp(l.blockNumPath, []byte(partName), coord.Persistent),
	}
	if l.dedupPath != "" {
		ops = append(ops,
			coord.DeleteOp(l.dedupPath, -1),
			coord.CreateOp(l.dedupPath, []byte(partName), coord.Persistent),
		)
	}
	return ops
}

// Abort releases both nodes when the local commit could not proceed,
// leaving no trace of the attempted allocation (spec §4.3).
func (l Lock) Abort(ctx context.Context, client coord.Client) {
	_ = client.Delete(ctx, l.blockNumPath, -1)
	if l.dedupPath != "" {
		_ = client.Delete(ctx, l.dedupPath, -1)
	}
}
