package queue

import (
	"time"

	"github.com/johnskopis/ClickHouse/internal/logentry"
)

// State is the lifecycle of a QueueEntry (spec §3).
type State int

const (
	Pending State = iota
	Executing
	Done
	FailedRetriable
	Obsolete // a MERGE whose sources were replaced by a larger merge
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Done:
		return "done"
	case FailedRetriable:
		return "failed-retriable"
	case Obsolete:
		return "obsolete"
	default:
		return "unknown"
	}
}

// QueueEntry is the local durable copy of a LogEntry, with the
// mutable execution bookkeeping spec §3 adds on top: num_tries,
// last_exception, last_attempt_time, currently_executing.
type QueueEntry struct {
	logentry.Entry

	State           State
	NumTries        int
	LastException   string
	LastAttemptTime time.Time
	NextAttemptTime time.Time // backoff deadline while FailedRetriable
}

// backoffBase/backoffMax bound the exponential retry schedule of
// markFailure (spec §4.2).
const (
	backoffBase = 500 * time.Millisecond
	backoffMax  = 2 * time.Minute
)

// backoffFor returns the delay before numTries+1's attempt.
func backoffFor(numTries int) time.Duration {
	d := backoffBase
	for i := 0; i < numTries && d < backoffMax; i++ {
		d *= 2
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
