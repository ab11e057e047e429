package queue

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/btree"

	"github.com/johnskopis/ClickHouse/internal/logentry"
)

// VirtualParts is the in-memory set of part names that would be
// active if every queued entry completed (spec §3). It is maintained
// by symbolically applying each entry: source parts are replaced by
// the entry's resolved target name.
//
// Per partition it keeps a google/btree ordered by minBlock (so a
// covering-part lookup is a single floor-search, since spec invariant
// 1 guarantees active ranges never overlap) plus a roaring64 bitmap of
// covered block numbers (so "is block N covered" is O(1) rather than
// a tree walk), the same pairing the teacher uses metadata btrees for
// ordered lookup and roaring bitmaps for fast membership tests.
type VirtualParts struct {
	mu         sync.RWMutex
	partitions map[string]*btree.BTree
	covered    map[string]*roaring64.Bitmap
}

type rangeItem struct {
	min, max int64
	name     string
}

func (a rangeItem) Less(than btree.Item) bool {
	b := than.(rangeItem)
	return a.min < b.min
}

func NewVirtualParts() *VirtualParts {
	return &VirtualParts{
		partitions: make(map[string]*btree.BTree),
		covered:    make(map[string]*roaring64.Bitmap),
	}
}

func (v *VirtualParts) treeFor(partition string) *btree.BTree {
	t, ok := v.partitions[partition]
	if !ok {
		t = btree.New(16)
		v.partitions[partition] = t
	}
	return t
}

func (v *VirtualParts) bitmapFor(partition string) *roaring64.Bitmap {
	b, ok := v.covered[partition]
	if !ok {
		b = roaring64.New()
		v.covered[partition] = b
	}
	return b
}

// Add inserts part into the virtual set.
func (v *VirtualParts) Add(part logentry.PartName) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.treeFor(part.Partition).ReplaceOrInsert(rangeItem{min: part.MinBlock, max: part.MaxBlock, name: part.String()})
	v.bitmapFor(part.Partition).AddRange(uint64(part.MinBlock), uint64(part.MaxBlock)+1)
}

// Remove deletes part from the virtual set.
func (v *VirtualParts) Remove(part logentry.PartName) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.treeFor(part.Partition).Delete(rangeItem{min: part.MinBlock})
	v.bitmapFor(part.Partition).RemoveRange(uint64(part.MinBlock), uint64(part.MaxBlock)+1)
}

// Apply replaces every source part with the entry's resolved target,
// the symbolic-application rule of spec §4.2.
func (v *VirtualParts) Apply(e logentry.Entry) error {
	for _, s := range e.SourcePartNames {
		p, err := logentry.ParsePartName(s)
		if err != nil {
			return err
		}
		v.Remove(p)
	}
	if target := e.Resolve(); target != "" {
		p, err := logentry.ParsePartName(target)
		if err != nil {
			return err
		}
		v.Add(p)
	}
	return nil
}

// CoveringPart returns the active part covering target, if any. Since
// invariant 1 guarantees active ranges in one partition never
// overlap, the floor entry by minBlock is the only candidate.
func (v *VirtualParts) CoveringPart(target logentry.PartName) (logentry.PartName, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tree, ok := v.partitions[target.Partition]
	if !ok {
		return logentry.PartName{}, false
	}
	var candidate rangeItem
	found := false
	tree.DescendLessOrEqual(rangeItem{min: target.MinBlock}, func(item btree.Item) bool {
		candidate = item.(rangeItem)
		found = true
		return false
	})
	if !found {
		return logentry.PartName{}, false
	}
	p, err := logentry.ParsePartName(candidate.name)
	if err != nil {
		return logentry.PartName{}, false
	}
	if p.Covers(target) {
		return p, true
	}
	return logentry.PartName{}, false
}

// Covered reports whether every block in [min,max] of partition is
// covered by some active part, used by shouldExecute's "sources
// fetchable" check (spec §4.2).
func (v *VirtualParts) Covered(partition string, min, max int64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.covered[partition]
	if !ok {
		return false
	}
	for i := min; i <= max; i++ {
		if !b.Contains(uint64(i)) {
			return false
		}
	}
	return true
}

// Active returns a snapshot of every active part name in partition,
// ordered by minBlock.
func (v *VirtualParts) Active(partition string) []logentry.PartName {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tree, ok := v.partitions[partition]
	if !ok {
		return nil
	}
	var out []logentry.PartName
	tree.Ascend(func(item btree.Item) bool {
		ri := item.(rangeItem)
		if p, err := logentry.ParsePartName(ri.name); err == nil {
			out = append(out, p)
		}
		return true
	})
	return out
}
