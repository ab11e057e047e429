// Package election implements leader election over the coordinator's
// /leader_election ephemeral-sequential children (spec §4.5): exactly
// the smallest-named holder is leader. Every candidate watches the whole
// /leader_election path and re-evaluates on any change under it; no
// candidate watches only its predecessor.
package election

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/johnskopis/ClickHouse/internal/coord"
	"github.com/johnskopis/ClickHouse/internal/rlog"
)

// Election tracks one replica's candidacy for leadership of a table.
type Election struct {
	client     coord.Client
	path       string
	canLead    bool
	selfName   string // our sequential child path once registered

	mu       sync.RWMutex
	isLeader bool

	becameLeader chan struct{}
	lostLeader   chan struct{}
}

// New creates an Election. If canBecomeLeader is false (spec §4.5,
// "a replica may be configured non-electable"), Run never registers
// a candidacy and IsLeader always reports false.
func New(client coord.Client, tablePath string, canBecomeLeader bool) *Election {
	return &Election{
		client:       client,
		path:         tablePath + "/leader_election",
		canLead:      canBecomeLeader,
		becameLeader: make(chan struct{}, 1),
		lostLeader:   make(chan struct{}, 1),
	}
}

func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// BecameLeader signals once each time this replica transitions into
// leadership.
func (e *Election) BecameLeader() <-chan struct{} { return e.becameLeader }

// LostLeadership signals once each time this replica stops being
// leader (including on coordinator session loss).
func (e *Election) LostLeadership() <-chan struct{} { return e.lostLeader }

// Run registers a candidacy (if electable) and re-evaluates
// leadership whenever the election path's children change, until ctx
// is canceled. It is meant to run as a background-schedule-pool task.
func (e *Election) Run(ctx context.Context) error {
	if !e.canLead {
		<-ctx.Done()
		return nil
	}
	self, err := e.client.Create(ctx, e.path+"/candidate-", nil, coord.EphemeralSequential)
	if err != nil {
		return err
	}
	e.selfName = self

	events, err := e.client.WatchPrefix(ctx, e.path)
	if err != nil {
		return err
	}
	if err := e.reevaluate(ctx); err != nil {
		rlog.Warn(ctx, "leader election initial evaluation failed")
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == coord.EventSessionExpired {
				e.setLeader(false)
				return coord.ErrSessionLost
			}
			if err := e.reevaluate(ctx); err != nil {
				rlog.Warn(ctx, "leader election re-evaluation failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Election) reevaluate(ctx context.Context) error {
	children, err := e.client.Children(ctx, e.path)
	if err != nil {
		return err
	}
	sort.Strings(children)
	mine := e.selfName[strings.LastIndexByte(e.selfName, '/')+1:]
	isLeader := len(children) > 0 && children[0] == mine
	e.setLeader(isLeader)
	return nil
}

func (e *Election) setLeader(isLeader bool) {
	e.mu.Lock()
	was := e.isLeader
	e.isLeader = isLeader
	e.mu.Unlock()
	if isLeader && !was {
		select {
		case e.becameLeader <- struct{}{}:
		default:
		}
	}
	if !isLeader && was {
		select {
		case e.lostLeader <- struct{}{}:
		default:
		}
	}
}
