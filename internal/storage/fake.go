package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
)

// FakeEngine is a deterministic in-memory Engine double for tests
// exercising the merge selector, executor, and part-check threads
// without a real MergeTree storage engine (out of scope per spec §1).
type FakeEngine struct {
	mu    sync.Mutex
	parts map[string]PartInfo
	// Corrupt marks part names whose checksum reported by Checksum no
	// longer matches what CommitPart recorded, for part-check tests.
	corrupt map[string]bool

	lastAlteredColumns map[string]string
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{parts: make(map[string]PartInfo), corrupt: make(map[string]bool)}
}

func (f *FakeEngine) CommitPart(ctx context.Context, part PartInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := part.Name.String()
	if _, exists := f.parts[name]; exists {
		return rerrors.New(rerrors.PartAlreadyExists, "%s", name)
	}
	f.parts[name] = part
	return nil
}

func (f *FakeEngine) RenameAndDetach(ctx context.Context, part logentry.PartName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := part.String()
	if _, ok := f.parts[name]; !ok {
		return rerrors.New(rerrors.PartNotFound, "%s", name)
	}
	delete(f.parts, name)
	return nil
}

func (f *FakeEngine) MergeParts(ctx context.Context, sources []logentry.PartName, target logentry.PartName) (PartInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows, bytes int64
	for _, s := range sources {
		p, ok := f.parts[s.String()]
		if !ok {
			return PartInfo{}, rerrors.New(rerrors.PartNotFound, "merge source %s missing", s)
		}
		rows += p.Rows
		bytes += p.Bytes
		delete(f.parts, s.String())
	}
	info := PartInfo{Name: target, Rows: rows, Bytes: bytes, Checksum: fmt.Sprintf("merged:%s", target)}
	f.parts[target.String()] = info
	return info, nil
}

func (f *FakeEngine) MutatePart(ctx context.Context, source logentry.PartName, commands []string, target logentry.PartName) (PartInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parts[source.String()]
	if !ok {
		return PartInfo{}, rerrors.New(rerrors.PartNotFound, "mutate source %s missing", source)
	}
	delete(f.parts, source.String())
	info := PartInfo{Name: target, Rows: p.Rows, Bytes: p.Bytes, Checksum: fmt.Sprintf("mutated:%s", target)}
	f.parts[target.String()] = info
	return info, nil
}

func (f *FakeEngine) EnumerateActiveParts(ctx context.Context) ([]PartInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PartInfo, 0, len(f.parts))
	for _, p := range f.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name.Partition != out[j].Name.Partition {
			return out[i].Name.Partition < out[j].Name.Partition
		}
		return out[i].Name.MinBlock < out[j].Name.MinBlock
	})
	return out, nil
}

func (f *FakeEngine) Checksum(ctx context.Context, part logentry.PartName) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := part.String()
	p, ok := f.parts[name]
	if !ok {
		return "", rerrors.New(rerrors.PartNotFound, "%s", name)
	}
	if f.corrupt[name] {
		return p.Checksum + "-corrupted", nil
	}
	return p.Checksum, nil
}

// Corrupt marks a part's on-disk checksum as no longer matching what
// was recorded at commit time, for part-check tests (spec §4.7).
func (f *FakeEngine) Corrupt(part logentry.PartName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[part.String()] = true
}

// AlterColumns is a no-op here: the fake engine never tracks per-part
// column schemas, it only records that the call happened, for tests
// asserting the alter-watcher reaches the engine at all.
func (f *FakeEngine) AlterColumns(ctx context.Context, addedOrModified, dropped []string, columns map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAlteredColumns = columns
	return nil
}

// LastAlteredColumns returns the column set passed to the most recent
// AlterColumns call, for tests asserting the alter-watcher reached the
// engine at all.
func (f *FakeEngine) LastAlteredColumns() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAlteredColumns
}

var _ Engine = (*FakeEngine)(nil)
