package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
)

// Store is the per-replica local durable mirror backing Queue: an
// embedded Pebble instance holding the queue entries, the log
// pointer, and the mutation pointer. This is deliberately distinct
// from the out-of-scope local *part* storage engine (spec §1) — it
// never stores column data, only the coordinator-mirrored queue
// state, the same split the teacher draws between its pebble-backed
// metadata stores and the TAE part storage engine.
type Store struct {
	db *pebble.DB
}

const (
	entryPrefix     = "queue-entry/"
	logPointerKey   = "queue-meta/log_pointer"
	mutationPtrKey  = "queue-meta/mutation_pointer"
)

func OpenStore(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("queue: open local store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveEntry(qe *QueueEntry) error {
	data, err := json.Marshal(qe)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(entryPrefix+qe.LogName), data, pebble.Sync)
}

func (s *Store) DeleteEntry(logName string) error {
	return s.db.Delete([]byte(entryPrefix+logName), pebble.Sync)
}

func (s *Store) SaveLogPointer(p int64) error {
	return s.db.Set([]byte(logPointerKey), []byte(strconv.FormatInt(p, 10)), pebble.Sync)
}

func (s *Store) SaveMutationPointer(p int64) error {
	return s.db.Set([]byte(mutationPtrKey), []byte(strconv.FormatInt(p, 10)), pebble.Sync)
}

// LoadedSnapshot is the full recovered state read back by Load at
// startup. LogPointer is -1 when no log entry was ever pulled.
type LoadedSnapshot struct {
	Entries         []*QueueEntry
	LogPointer      int64
	MutationPointer int64
}

func (s *Store) LoadAll() (LoadedSnapshot, error) {
	out := LoadedSnapshot{LogPointer: -1}

	if v, closer, err := s.db.Get([]byte(logPointerKey)); err == nil {
		out.LogPointer, _ = strconv.ParseInt(string(v), 10, 64)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return out, err
	}
	if v, closer, err := s.db.Get([]byte(mutationPtrKey)); err == nil {
		out.MutationPointer, _ = strconv.ParseInt(string(v), 10, 64)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return out, err
	}

	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(entryPrefix),
		UpperBound: []byte(entryPrefix + "\xff"),
	})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), entryPrefix) {
			continue
		}
		var qe QueueEntry
		if err := json.Unmarshal(iter.Value(), &qe); err != nil {
			return out, err
		}
		cp := qe
		out.Entries = append(out.Entries, &cp)
	}
	return out, iter.Error()
}
