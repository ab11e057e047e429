package logentry

import "time"

// Type is the action kind of a LogEntry (spec §3).
type Type string

const (
	TypeGet         Type = "GET"
	TypeMerge       Type = "MERGE"
	TypeMutate      Type = "MUTATE"
	TypeDropRange   Type = "DROP_RANGE"
	TypeClearColumn Type = "CLEAR_COLUMN"
	TypeReplaceRange Type = "REPLACE_RANGE"
)

// Entry is a record in the shared log, or its local durable copy in a
// replica's queue (spec §3, QueueEntry). The coordinator-visible
// fields are immutable once written (spec §3); the QueueState fields
// below are local-only bookkeeping layered on top by internal/queue.
type Entry struct {
	// LogName is the sequential coordinator node name, e.g.
	// "log-0000000042"; it is the authoritative ordering key (spec §3).
	LogName string

	Type            Type
	NewPartName     string
	SourcePartNames []string
	CreateTime      time.Time
	SourceReplica   string
	Quorum          int    // expected ack count; 0 disables quorum for this entry
	BlockID         string // dedup key, GET entries only

	// ActualNewPartName is set when a fetched part strictly covers
	// what the entry originally asked for (Open Question in spec §9):
	// the executor rewrites this field rather than the immutable
	// NewPartName, so entries that reference the old name by content
	// (not by log index) can still resolve it via Resolve().
	ActualNewPartName string

	// AlterCommands carries the ALTER DELETE/UPDATE commands for a
	// MUTATE entry (opaque to this package; interpreted by the local
	// storage engine per the §6 local engine contract).
	AlterCommands []string
}

// Resolve returns ActualNewPartName if the entry's target was
// rewritten by a covering fetch, else NewPartName.
func (e Entry) Resolve() string {
	if e.ActualNewPartName != "" {
		return e.ActualNewPartName
	}
	return e.NewPartName
}

// TargetsOverlapping reports whether the entry's source or target
// ranges overlap partName, used by the tie-break/conflict rules of
// spec §4.2 ("skipped if any preceding entry targets an overlapping
// range").
func (e Entry) TargetsOverlapping(partName PartName) (bool, error) {
	if target := e.Resolve(); target != "" {
		p, err := ParsePartName(target)
		if err != nil {
			return false, err
		}
		if p.Overlaps(partName) {
			return true, nil
		}
	}
	for _, s := range e.SourcePartNames {
		p, err := ParsePartName(s)
		if err != nil {
			return false, err
		}
		if p.Overlaps(partName) {
			return true, nil
		}
	}
	return false, nil
}

// IsMergeLike reports whether the entry is one of the merge/mutate
// family whose sources are consumed into a new part.
func (e Entry) IsMergeLike() bool {
	return e.Type == TypeMerge || e.Type == TypeMutate
}
