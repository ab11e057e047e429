// Package cleanup implements the cleanup thread named in spec §2:
// garbage-collects old log entries once every replica's log_pointer
// has passed them, stale /blocks dedup entries beyond the configured
// retention window, and this replica's /parts records for parts the
// local engine no longer reports active (deleted on the pass that finds
// them, with no grace period).
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// Config bounds the cleanup thread's behavior (spec §6,
// cleanup_delay_period and replicated_deduplication_window).
type Config struct {
	Delay               time.Duration
	DeduplicationWindow int // keep only the last N /blocks entries
}

// Cleaner runs the GC pass for one table.
type Cleaner struct {
	client    coord.Client
	tablePath string
	self      string
	engine    storage.Engine
	cfg       Config
}

func New(client coord.Client, tablePath, self string, engine storage.Engine, cfg Config) *Cleaner {
	return &Cleaner{client: client, tablePath: tablePath, self: self, engine: engine, cfg: cfg}
}

// Run ticks the GC pass on Delay until ctx is canceled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Delay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				rlog.Warn(ctx, "cleanup pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick runs one GC pass: log entries, dedup blocks, then outdated parts.
func (c *Cleaner) Tick(ctx context.Context) error {
	if err := c.cleanLog(ctx); err != nil {
		return err
	}
	if err := c.cleanBlocks(ctx); err != nil {
		return err
	}
	return c.cleanOutdatedParts(ctx)
}

// cleanLog removes /log entries older than every replica's
// log_pointer (spec invariant 4: log_pointer is non-decreasing, so
// the minimum across live replicas is a safe low-water mark).
func (c *Cleaner) cleanLog(ctx context.Context) error {
	minPointer, err := c.minLogPointer(ctx)
	if err != nil {
		return err
	}
	children, err := c.client.Children(ctx, c.tablePath+"/log")
	if err != nil {
		return err
	}
	for _, name := range children {
		seq, err := sequenceOf(name)
		if err != nil || seq >= minPointer {
			continue
		}
		if err := c.client.Delete(ctx, c.tablePath+"/log/"+name, -1); err != nil && err != coord.ErrNoNode {
			rlog.Warn(ctx, "cleanup: failed to delete stale log entry", zap.String("log_name", name), zap.Error(err))
		}
	}
	return nil
}

func (c *Cleaner) minLogPointer(ctx context.Context) (int64, error) {
	replicas, err := c.client.Children(ctx, c.tablePath+"/replicas")
	if err != nil {
		return 0, err
	}
	min := int64(-1)
	for _, r := range replicas {
		data, _, err := c.client.Get(ctx, c.tablePath+"/replicas/"+r+"/log_pointer")
		if err != nil {
			continue // a replica with no recorded pointer yet does not block cleanup
		}
		p, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			continue
		}
		if min == -1 || p < min {
			min = p
		}
	}
	if min == -1 {
		return 0, nil
	}
	return min, nil
}

// cleanBlocks enforces replicated_deduplication_window (spec §6):
// only the most recently created N entries under /blocks are kept.
func (c *Cleaner) cleanBlocks(ctx context.Context) error {
	if c.cfg.DeduplicationWindow <= 0 {
		return nil
	}
	children, err := c.client.Children(ctx, c.tablePath+"/blocks")
	if err != nil {
		return err
	}
	if len(children) <= c.cfg.DeduplicationWindow {
		return nil
	}
	sort.Strings(children)
	toRemove := children[:len(children)-c.cfg.DeduplicationWindow]
	for _, name := range toRemove {
		if err := c.client.Delete(ctx, c.tablePath+"/blocks/"+name, -1); err != nil && err != coord.ErrNoNode {
			rlog.Warn(ctx, "cleanup: failed to delete stale dedup block", zap.String("block_id", name), zap.Error(err))
		}
	}
	return nil
}

// cleanOutdatedParts reconciles this replica's own
// /replicas/me/parts record against the local engine's active-part
// set (spec invariant 5: "a part appears in /replicas/<r>/parts iff
// it is committed active on replica r"). A lingering record for a
// part the engine no longer reports active is a crash-recovery orphan
// — most such records are already cleaned up inline by the executor
// (spec §4.6), this is the backstop.
func (c *Cleaner) cleanOutdatedParts(ctx context.Context) error {
	active, err := c.engine.EnumerateActiveParts(ctx)
	if err != nil {
		return err
	}
	activeNames := make(map[string]bool, len(active))
	for _, p := range active {
		activeNames[p.Name.String()] = true
	}

	partsPath := c.tablePath + "/replicas/" + c.self + "/parts"
	children, err := c.client.Children(ctx, partsPath)
	if err != nil {
		return err
	}
	for _, name := range children {
		if activeNames[name] {
			continue
		}
		if err := c.client.Delete(ctx, partsPath+"/"+name, -1); err != nil && err != coord.ErrNoNode {
			rlog.Warn(ctx, "cleanup: failed to delete orphaned part record", zap.String("part", name), zap.Error(err))
		}
	}
	return nil
}

func sequenceOf(name string) (int64, error) {
	base := name
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		base = name[idx+1:]
	}
	parts := strings.SplitAfter(base, "-")
	if len(parts) < 2 {
		return 0, fmt.Errorf("cleanup: not a sequential name %q", name)
	}
	return strconv.ParseInt(parts[len(parts)-1], 10, 64)
}
