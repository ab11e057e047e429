// Package alter implements the alter-watcher of spec §4.9: observes
// the /columns version (the /metadata node is not watched), applies
// column changes under a table-structure write lock, and once applied
// records the new column set in this replica's columns node and a
// timestamp in its metadata_version node.
package alter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// ColumnSet is the column list carried in /columns, keyed by name so
// a diff is a map comparison rather than an ordered-list comparison
// (ALTER ADD/DROP/MODIFY are all naturally expressed this way).
type ColumnSet map[string]string // column name -> type

// Diff is the result of comparing two ColumnSets (spec §4.9 "computes
// the column-set diff").
type Diff struct {
	Added    []string
	Dropped  []string
	Modified []string
}

func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.Dropped) == 0 && len(d.Modified) == 0 }

// DiffColumns computes the ADD/DROP/MODIFY sets between two column lists.
func DiffColumns(old, new ColumnSet) Diff {
	var d Diff
	for name, newType := range new {
		oldType, existed := old[name]
		if !existed {
			d.Added = append(d.Added, name)
		} else if oldType != newType {
			d.Modified = append(d.Modified, name)
		}
	}
	for name := range old {
		if _, stillThere := new[name]; !stillThere {
			d.Dropped = append(d.Dropped, name)
		}
	}
	return d
}

// Watcher observes coordinator-side metadata/columns changes for one
// table and applies them locally.
type Watcher struct {
	client    coord.Client
	tablePath string
	self      string
	engine    storage.Engine

	structureLock sync.RWMutex // table-structure lock (spec §5): readers for writes/reads, writer for ALTER

	mu              sync.Mutex
	lastColumnsVers int32
}

func New(client coord.Client, tablePath, self string, engine storage.Engine) *Watcher {
	return &Watcher{client: client, tablePath: tablePath, self: self, engine: engine, lastColumnsVers: -1}
}

// RLock/RUnlock let write paths and reads take the table-structure
// read lock named in spec §5 around column-metadata-sensitive work.
func (w *Watcher) RLock()   { w.structureLock.RLock() }
func (w *Watcher) RUnlock() { w.structureLock.RUnlock() }

// Run watches /columns for version changes until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.client.WatchPrefix(ctx, w.tablePath+"/columns")
	if err != nil {
		return err
	}
	if err := w.reconcile(ctx); err != nil {
		rlog.Warn(ctx, "alter-watcher initial reconcile failed", zap.Error(err))
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == coord.EventDataChanged || ev.Type == coord.EventSessionExpired {
				if err := w.reconcile(ctx); err != nil {
					rlog.Warn(ctx, "alter-watcher reconcile failed", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reconcile(ctx context.Context) error {
	data, stat, err := w.client.Get(ctx, w.tablePath+"/columns")
	if err != nil {
		if err == coord.ErrNoNode {
			return nil
		}
		return rerrors.Wrap(rerrors.CoordinatorUnavailable, err, "read /columns")
	}

	w.mu.Lock()
	unchanged := stat.Version == w.lastColumnsVers
	w.mu.Unlock()
	if unchanged {
		return nil
	}

	newColumns, err := decodeColumns(data)
	if err != nil {
		return rerrors.Wrap(rerrors.LogicalInvariantViolated, err, "decode /columns")
	}

	old, err := w.readLocalColumns(ctx)
	if err != nil {
		return err
	}
	diff := DiffColumns(old, newColumns)
	if diff.Empty() {
		w.mu.Lock()
		w.lastColumnsVers = stat.Version
		w.mu.Unlock()
		return nil
	}

	addedOrModified := append(append([]string{}, diff.Added...), diff.Modified...)
	w.structureLock.Lock()
	err = w.engine.AlterColumns(ctx, addedOrModified, diff.Dropped, newColumns)
	w.structureLock.Unlock()
	if err != nil {
		return err
	}

	return w.bumpVersions(ctx, stat.Version, newColumns)
}

// bumpVersions writes this replica's local mirror of the columns
// version and its own metadata_version once the rewrite is applied
// (spec §4.9), so an ALTER initiator's
// waitForAllReplicasToProcessLogEntry-style wait can observe catch-up.
func (w *Watcher) bumpVersions(ctx context.Context, columnsVersion int32, newColumns ColumnSet) error {
	encoded, err := json.Marshal(newColumns)
	if err != nil {
		return err
	}
	colsPath := w.tablePath + "/replicas/" + w.self + "/columns"
	metaVersPath := w.tablePath + "/replicas/" + w.self + "/metadata_version"

	ops := []coord.Op{
		coord.SetDataOp(colsPath, encoded, -1),
		coord.SetDataOp(metaVersPath, []byte(time.Now().UTC().Format(time.RFC3339Nano)), -1),
	}
	if _, err := w.client.Multi(ctx, ops...); err != nil {
		if err == coord.ErrNoNode {
			_, cerr := w.client.Create(ctx, colsPath, encoded, coord.Persistent)
			if cerr != nil && cerr != coord.ErrNodeExists {
				return cerr
			}
			_, cerr = w.client.Create(ctx, metaVersPath, []byte(time.Now().UTC().Format(time.RFC3339Nano)), coord.Persistent)
			if cerr != nil && cerr != coord.ErrNodeExists {
				return cerr
			}
		} else {
			return err
		}
	}

	w.mu.Lock()
	w.lastColumnsVers = columnsVersion
	w.mu.Unlock()
	rlog.Info(ctx, "applied column structure change", zap.Int32("columns_version", columnsVersion))
	return nil
}

func (w *Watcher) readLocalColumns(ctx context.Context) (ColumnSet, error) {
	data, _, err := w.client.Get(ctx, w.tablePath+"/replicas/"+w.self+"/columns")
	if err == coord.ErrNoNode {
		return ColumnSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeColumns(data)
}

func decodeColumns(data []byte) (ColumnSet, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return ColumnSet{}, nil
	}
	var cs ColumnSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, err
	}
	return cs, nil
}
