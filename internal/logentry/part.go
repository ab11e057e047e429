// Package logentry implements the data model of spec §3: Part naming
// and covering, the LogEntry action record, and its text-framed wire
// serialization (spec §6).
package logentry

import (
	"fmt"
	"strconv"
	"strings"
)

// PartName identifies an immutable on-disk part:
// partition_minBlock_maxBlock_level[_mutation] (spec §3).
type PartName struct {
	Partition string
	MinBlock  int64
	MaxBlock  int64
	Level     int
	Mutation  int64 // 0 if the part carries no mutation suffix
}

func (p PartName) String() string {
	if p.Mutation > 0 {
		return fmt.Sprintf("%s_%d_%d_%d_%d", p.Partition, p.MinBlock, p.MaxBlock, p.Level, p.Mutation)
	}
	return fmt.Sprintf("%s_%d_%d_%d", p.Partition, p.MinBlock, p.MaxBlock, p.Level)
}

// ParsePartName parses the name format described in spec §3.
func ParsePartName(s string) (PartName, error) {
	fields := strings.Split(s, "_")
	if len(fields) < 4 {
		return PartName{}, fmt.Errorf("logentry: malformed part name %q", s)
	}
	n := len(fields)
	mutation := int64(0)
	levelIdx := n - 1
	if len(fields) >= 5 {
		if m, err := strconv.ParseInt(fields[n-1], 10, 64); err == nil {
			mutation = m
			levelIdx = n - 2
		}
	}
	level, err := strconv.Atoi(fields[levelIdx])
	if err != nil {
		return PartName{}, fmt.Errorf("logentry: bad level in %q: %w", s, err)
	}
	maxBlock, err := strconv.ParseInt(fields[levelIdx-1], 10, 64)
	if err != nil {
		return PartName{}, fmt.Errorf("logentry: bad maxBlock in %q: %w", s, err)
	}
	minBlock, err := strconv.ParseInt(fields[levelIdx-2], 10, 64)
	if err != nil {
		return PartName{}, fmt.Errorf("logentry: bad minBlock in %q: %w", s, err)
	}
	partition := strings.Join(fields[:levelIdx-2], "_")
	return PartName{Partition: partition, MinBlock: minBlock, MaxBlock: maxBlock, Level: level, Mutation: mutation}, nil
}

// Covers reports whether p covers q: same partition, and q's block
// range is contained in p's (spec §3).
func (p PartName) Covers(q PartName) bool {
	return p.Partition == q.Partition && p.MinBlock <= q.MinBlock && q.MaxBlock <= p.MaxBlock
}

// Overlaps reports whether p and q share a partition and any block.
func (p PartName) Overlaps(q PartName) bool {
	return p.Partition == q.Partition && p.MinBlock <= q.MaxBlock && q.MinBlock <= p.MaxBlock
}
