// Package partcheck implements the part-check thread of spec §4.7: a
// delayed queue of suspect parts, validated by checksum against the
// local engine and the coordinator's replica part record, repaired by
// refetch or flagged as permanently lost.
package partcheck

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/logentry"
	"github.com/johnskopis/ClickHouse/internal/queue"
	"github.com/johnskopis/ClickHouse/internal/rerrors"
	"github.com/johnskopis/ClickHouse/internal/rlog"
	"github.com/johnskopis/ClickHouse/internal/storage"
)

// Config bounds the checker's concurrency and the delay before a
// newly suspected part is actually examined (spec §4.7, "delayed
// queue").
type Config struct {
	CheckDelay      time.Duration
	MaxConcurrent   int
}

func DefaultConfig() Config {
	return Config{CheckDelay: 5 * time.Second, MaxConcurrent: 4}
}

type suspect struct {
	part    logentry.PartName
	notBefore time.Time
}

// Checker runs the part-check thread for one replica.
type Checker struct {
	client    coord.Client
	tablePath string
	self      string
	engine    storage.Engine
	queue     *queue.Queue
	cfg       Config

	pending chan suspect
	sem     chan struct{}
}

func New(client coord.Client, tablePath, self string, engine storage.Engine, q *queue.Queue, cfg Config) *Checker {
	return &Checker{
		client: client, tablePath: tablePath, self: self, engine: engine, queue: q, cfg: cfg,
		pending: make(chan suspect, 1024),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Suspect enqueues part for a delayed check (spec §4.7). Neither the
// executor nor the cleanup thread of this module calls it.
func (c *Checker) Suspect(part logentry.PartName) {
	select {
	case c.pending <- suspect{part: part, notBefore: time.Now().Add(c.cfg.CheckDelay)}:
	default:
		rlog.Warn(context.Background(), "part-check queue full, dropping suspect", zap.String("part", part.String()))
	}
}

// Run drains the delayed queue until ctx is canceled.
func (c *Checker) Run(ctx context.Context) error {
	for {
		select {
		case s := <-c.pending:
			if wait := time.Until(s.notBefore); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil
				}
			}
			c.sem <- struct{}{}
			go func(s suspect) {
				defer func() { <-c.sem }()
				if err := c.check(ctx, s.part); err != nil {
					rlog.Warn(ctx, "part check failed", zap.String("part", s.part.String()), zap.Error(err))
				}
			}(s)
		case <-ctx.Done():
			return nil
		}
	}
}

// check implements the dequeue decision of spec §4.7.
func (c *Checker) check(ctx context.Context, part logentry.PartName) error {
	localChecksum, localErr := c.engine.Checksum(ctx, part)
	recordedPath := c.tablePath + "/replicas/" + c.self + "/parts/" + part.String()
	exists, _, err := c.client.Exists(ctx, recordedPath)
	if err != nil {
		return err
	}

	if localErr == nil && exists {
		recorded, err := c.recordedChecksum(ctx, part)
		if err == nil && recorded != "" && recorded != localChecksum {
			return c.repair(ctx, part, "checksum mismatch")
		}
		return nil // clean: present locally, matches what the coordinator expects
	}

	if rerrors.KindOf(localErr) == rerrors.PartNotFound && exists {
		return c.repair(ctx, part, "locally missing but recorded active")
	}

	if !exists {
		return nil // no longer claimed active anywhere; cleanup will reap it
	}
	return nil
}

func (c *Checker) recordedChecksum(ctx context.Context, part logentry.PartName) (string, error) {
	data, _, err := c.client.Get(ctx, c.tablePath+"/replicas/"+c.self+"/parts/"+part.String())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// repair implements "remove from /replicas/me/parts, enqueue a GET"
// (spec §4.7). If no other replica holds the part either, the caller
// of the resulting GET (the executor) is responsible for the
// permanent-loss placeholder path.
func (c *Checker) repair(ctx context.Context, part logentry.PartName, reason string) error {
	rlog.Error(ctx, "part check triggered repair", zap.String("part", part.String()), zap.String("reason", reason))

	if err := c.client.Delete(ctx, c.tablePath+"/replicas/"+c.self+"/parts/"+part.String(), -1); err != nil && err != coord.ErrNoNode {
		return err
	}
	if err := c.engine.RenameAndDetach(ctx, part); err != nil && rerrors.KindOf(err) != rerrors.PartNotFound {
		return err
	}

	get := logentry.Entry{
		Type:          logentry.TypeGet,
		NewPartName:   part.String(),
		CreateTime:    time.Now(),
		SourceReplica: c.self,
	}
	queuePath := c.tablePath + "/replicas/" + c.self + "/queue/queue-"
	_, err := c.client.Create(ctx, queuePath, logentry.Encode(get), coord.PersistentSequential)
	return err
}
