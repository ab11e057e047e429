// Package mutations implements the mutations-updater and
// mutations-finalizer background tasks of spec §2/§5: turning
// /mutations/NNNN ALTER DELETE/UPDATE commands into per-part MUTATE
// log entries, and marking a mutation entry done once every active
// part it targets has been rewritten at or above its version.
package mutations

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/election"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// Command is the decoded payload of one /mutations/NNNN node (spec
// §3 "Mutation. Entry under /mutations/NNNN describing ALTER
// DELETE/UPDATE commands with a mutation version").
type Command struct {
	AlterCommands []string
	CreateTime    time.Time
}

// Encode renders a Command in the same text-framed, forward-compatible
// style as logentry.Encode (spec §6): the version itself lives in the
// node's sequential name, not in the payload.
func Encode(c Command) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "create_time: %d\n", c.CreateTime.UnixNano())
	fmt.Fprintf(&buf, "alter_commands: %s\n", strings.Join(c.AlterCommands, ";"))
	return buf.Bytes()
}

// Decode parses a Command written by Encode.
func Decode(data []byte) (Command, error) {
	var c Command
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ": ")
		if !ok {
			continue
		}
		switch key {
		case "create_time":
			nanos, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Command{}, fmt.Errorf("mutations: bad create_time: %w", err)
			}
			c.CreateTime = time.Unix(0, nanos)
		case "alter_commands":
			if val != "" {
				c.AlterCommands = strings.Split(val, ";")
			}
		default:
			// forward-compatible: unknown fields from a newer writer are ignored.
		}
	}
	return c, scanner.Err()
}

// Submit appends a new /mutations/NNNN entry describing an ALTER
// DELETE/UPDATE command set (spec §3), to be picked up by the next
// mutations-updater tick on whichever replica holds leadership.
func Submit(ctx context.Context, client coord.Client, tablePath string, alterCommands []string, createdAt time.Time) (string, error) {
	cmd := Command{AlterCommands: alterCommands, CreateTime: createdAt}
	return client.Create(ctx, tablePath+"/mutations/mutation-", Encode(cmd), coord.PersistentSequential)
}

// sequenceOf returns the mutation version of a /mutations child: its
// sequential suffix plus one, so the first mutation has version 1 and
// version 0 stays the "no mutation suffix" of a part name.
func sequenceOf(name string) (int64, error) {
	n, err := strconv.ParseInt(name[len(name)-10:], 10, 64)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// Updater is the leader-only mutations-updater: it watches
// /mutations for entries this table hasn't yet scheduled and appends
// a MUTATE log entry for every active part that predates the
// mutation's version (spec §4.6 "MUTATE: apply the mutation commands
// to a single part, producing a new part with mutation suffix").
type Updater struct {
	client       coord.Client
	tablePath    string
	self         string
	engine       storage.Engine
	election     *election.Election
	progressPath string // guards against double-scheduling across a leader hand-off, mirroring merge.Selector.versionPath
}

func NewUpdater(client coord.Client, tablePath, self string, engine storage.Engine, el *election.Election) *Updater {
	return &Updater{
		client: client, tablePath: tablePath, self: self, engine: engine, election: el,
		progressPath: tablePath + "/mutations_progress",
	}
}

// Run ticks the updater until ctx is canceled, the cooperative
// background-schedule-pool shape used throughout this module.
func (u *Updater) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !u.election.IsLeader() {
				continue
			}
			if err := u.Tick(ctx); err != nil {
				rlog.Warn(ctx, "mutations-updater tick failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick schedules at most one mutation per call: one MUTATE log entry
// for each active part older than it, appended in the same Multi that
// advances the progress marker, so a retried Multi re-reads the freshly
// written progress marker rather than racing itself within one tick.
func (u *Updater) Tick(ctx context.Context) error {
	progress, err := u.ensureProgressNode(ctx)
	if err != nil {
		return err
	}
	children, err := u.client.Children(ctx, u.tablePath+"/mutations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(children))
	seqs := make(map[string]int64, len(children))
	for _, c := range children {
		seq, err := sequenceOf(c)
		if err != nil || seq <= int64(progress) {
			continue
		}
		names = append(names, c)
		seqs[c] = seq
	}
	if len(names) == 0 {
		return nil
	}
	sortBySeq(names, seqs)
	name := names[0]

	data, _, err := u.client.Get(ctx, u.tablePath+"/mutations/"+name)
	if err != nil {
		if err == coord.ErrNoNode {
			return nil
		}
		return err
	}
	cmd, err := Decode(data)
	if err != nil {
		return err
	}

	version := seqs[name]
	parts, err := u.engine.EnumerateActiveParts(ctx)
	if err != nil {
		return err
	}
	ops := []coord.Op{
		coord.CheckVersionOp(u.progressPath, progress),
		coord.SetDataOp(u.progressPath, []byte(strconv.FormatInt(version, 10)), progress),
	}
	for _, p := range parts {
		if p.Name.Mutation >= version {
			continue
		}
		target := p.Name
		target.Mutation = version
		entry := logentry.Entry{
			Type:            logentry.TypeMutate,
			NewPartName:     target.String(),
			SourcePartNames: []string{p.Name.String()},
			CreateTime:      time.Now(),
			SourceReplica:   u.self,
			AlterCommands:   cmd.AlterCommands,
		}
		ops = append(ops, coord.CreateOp(u.tablePath+"/log/log-", logentry.Encode(entry), coord.PersistentSequential))
	}

	_, err = u.client.Multi(ctx, ops...)
	if err == coord.ErrBadVersion {
		rlog.Warn(ctx, "mutations-updater lost the hand-off race advancing progress, will retry")
		return nil
	}
	return err
}

func (u *Updater) ensureProgressNode(ctx context.Context) (int32, error) {
	exists, _, err := u.client.Exists(ctx, u.progressPath)
	if err != nil {
		return 0, err
	}
	if !exists {
		if _, err := u.client.Create(ctx, u.progressPath, []byte("0"), coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return 0, err
		}
	}
	_, stat, err := u.client.Get(ctx, u.progressPath)
	if err != nil {
		return 0, err
	}
	return stat.Version, nil
}

func sortBySeq(names []string, seqs map[string]int64) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && seqs[names[j-1]] > seqs[names[j]]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
}

// Finalizer is the mutations-finalizer task: once every active part
// has been rewritten at or above a mutation's version, it marks the
// mutation done so operators stop seeing it as in-progress (spec §3
// mutation version tracking).
type Finalizer struct {
	client    coord.Client
	tablePath string
	engine    storage.Engine
}

func NewFinalizer(client coord.Client, tablePath string, engine storage.Engine) *Finalizer {
	return &Finalizer{client: client, tablePath: tablePath, engine: engine}
}

func (f *Finalizer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				rlog.Warn(ctx, "mutations-finalizer tick failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Finalizer) Tick(ctx context.Context) error {
	children, err := f.client.Children(ctx, f.tablePath+"/mutations")
	if err != nil {
		return err
	}
	parts, err := f.engine.EnumerateActiveParts(ctx)
	if err != nil {
		return err
	}
	for _, name := range children {
		donePath := f.tablePath + "/mutations/" + name + "/is_done"
		if exists, _, err := f.client.Exists(ctx, donePath); err != nil {
			return err
		} else if exists {
			continue
		}

		if _, _, err := f.client.Get(ctx, f.tablePath+"/mutations/"+name); err != nil {
			if err == coord.ErrNoNode {
				continue
			}
			return err
		}
		version, err := sequenceOf(name)
		if err != nil {
			continue
		}

		allDone := true
		for _, p := range parts {
			if p.Name.Mutation < version {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		if _, err := f.client.Create(ctx, donePath, nil, coord.Persistent); err != nil && err != coord.ErrNodeExists {
			return err
		}
		rlog.Info(ctx, "mutation finalized", zap.String("mutation", name))
	}
	return nil
}
