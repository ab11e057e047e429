// Package storage defines the local engine contract of spec §6: the
// narrow, synchronous set of calls this module makes into local
// MergeTree storage. The on-disk part format and the storage engine
// itself are out of scope per spec §1 — only this contract, and a
// deterministic in-memory double for tests, live here.
package storage

import (
	"context"

	"github.com/johnskopis/ClickHouse/internal/logentry"
)

// PartInfo is everything about a committed part this module needs to
// make scheduling and validation decisions without touching column
// data (spec §3 "Part" attributes).
type PartInfo struct {
	Name      logentry.PartName
	Rows      int64
	Bytes     int64
	Checksum  string
	Granularity int64
}

// Engine is the local engine contract (spec §6): commitPart,
// renameAndDetach, mergeParts, mutatePart, enumerateActiveParts,
// checksum. All calls are synchronous, as the teacher's local
// storage-engine call sites assume.
type Engine interface {
	CommitPart(ctx context.Context, part PartInfo) error
	RenameAndDetach(ctx context.Context, part logentry.PartName) error
	MergeParts(ctx context.Context, sources []logentry.PartName, target logentry.PartName) (PartInfo, error)
	MutatePart(ctx context.Context, source logentry.PartName, commands []string, target logentry.PartName) (PartInfo, error)
	EnumerateActiveParts(ctx context.Context) ([]PartInfo, error)
	Checksum(ctx context.Context, part logentry.PartName) (string, error)
	// AlterColumns rewrites local part column metadata to match
	// columns (spec §4.9); addedOrModified/dropped name the changed
	// columns only, columns is the full resulting column set.
	AlterColumns(ctx context.Context, addedOrModified, dropped []string, columns map[string]string) error
}
