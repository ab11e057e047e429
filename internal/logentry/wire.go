package logentry

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireVersion is bumped whenever a required field is added; readers
// tolerate unknown trailing fields from a newer writer (spec §6,
// "forward-compatible with unknown trailing fields ignored").
const wireVersion = 1

// field order: required fields first, optional last, exactly as
// spec §6 mandates so a partial read can bail out early on a
// malformed required field without needing to buffer the whole entry.
var requiredFields = []string{"type", "new_part_name", "create_time", "source_replica"}

// Encode renders e in the versioned text-framed format of spec §6.
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "format version: %d\n", wireVersion)
	fmt.Fprintf(&buf, "type: %s\n", e.Type)
	fmt.Fprintf(&buf, "new_part_name: %s\n", e.NewPartName)
	fmt.Fprintf(&buf, "create_time: %d\n", e.CreateTime.UnixNano())
	fmt.Fprintf(&buf, "source_replica: %s\n", e.SourceReplica)
	// optional fields, in declared order
	if len(e.SourcePartNames) > 0 {
		fmt.Fprintf(&buf, "source_part_names: %s\n", strings.Join(e.SourcePartNames, ","))
	}
	if e.Quorum > 0 {
		fmt.Fprintf(&buf, "quorum: %d\n", e.Quorum)
	}
	if e.BlockID != "" {
		fmt.Fprintf(&buf, "block_id: %s\n", e.BlockID)
	}
	if e.ActualNewPartName != "" {
		fmt.Fprintf(&buf, "actual_new_part_name: %s\n", e.ActualNewPartName)
	}
	if len(e.AlterCommands) > 0 {
		fmt.Fprintf(&buf, "alter_commands: %s\n", strings.Join(e.AlterCommands, ";"))
	}
	return buf.Bytes()
}

// Decode parses the text-framed format written by Encode. Unknown
// trailing keys are ignored (spec §6 forward-compatibility rule);
// missing required fields are reported as an error.
func Decode(data []byte) (Entry, error) {
	var e Entry
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		seen[key] = true
		switch key {
		case "format version":
			// the value is not checked; any format version is accepted.
		case "type":
			e.Type = Type(val)
		case "new_part_name":
			e.NewPartName = val
		case "create_time":
			nanos, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Entry{}, fmt.Errorf("logentry: bad create_time: %w", err)
			}
			e.CreateTime = time.Unix(0, nanos)
		case "source_replica":
			e.SourceReplica = val
		case "source_part_names":
			if val != "" {
				e.SourcePartNames = strings.Split(val, ",")
			}
		case "quorum":
			q, err := strconv.Atoi(val)
			if err != nil {
				return Entry{}, fmt.Errorf("logentry: bad quorum: %w", err)
			}
			e.Quorum = q
		case "block_id":
			e.BlockID = val
		case "actual_new_part_name":
			e.ActualNewPartName = val
		case "alter_commands":
			if val != "" {
				e.AlterCommands = strings.Split(val, ";")
			}
		default:
			// forward-compatible: a future writer's unknown field is ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return Entry{}, err
	}
	for _, f := range requiredFields {
		if !seen[f] {
			return Entry{}, fmt.Errorf("logentry: missing required field %q", f)
		}
	}
	return e, nil
}
