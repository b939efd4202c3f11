// Package stats tracks delivery outcomes and enforces the rolling
// hour-window quota used by agent selection.
//
// Counters are durable in the registry; the tracker adds read-time window
// expiry. There is no background reset timer: a window older than one hour
// is zeroed the moment anything reads it.
package stats

import (
	"context"
	"sync"
	"time"

	"courier/internal/registry"
	"courier/pkg/logx"
)

// Recorder is the registry surface the tracker needs.
type Recorder interface {
	RecordDeliveryStart(ctx context.Context, agentID, userID int64, orderRef string) (int64, error)
	RecordDeliveryComplete(ctx context.Context, deliveryID int64, success bool, dur time.Duration, errMsg string) error
	ResetHourWindow(ctx context.Context, agentID int64) error
	AgentStats(ctx context.Context, agentID int64) (registry.AgentStats, error)
	Overall(ctx context.Context) (registry.OverallStats, error)
}

type window struct {
	count int
	start time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	rec Recorder
	log logx.Logger

	mu      sync.Mutex
	windows map[int64]window

	// now is swappable for tests.
	now func() time.Time
}

func New(rec Recorder, log logx.Logger) *Tracker {
	return &Tracker{
		rec:     rec,
		log:     log.With(logx.String("component", "stats")),
		windows: make(map[int64]window),
		now:     time.Now,
	}
}

// Prime seeds the in-memory window cache from durable stats, so quota
// state survives a restart.
func (t *Tracker) Prime(ctx context.Context, agentIDs []int64) {
	for _, id := range agentIDs {
		st, err := t.rec.AgentStats(ctx, id)
		if err != nil {
			t.log.Warn("stats prime failed", logx.Int64("agent_id", id), logx.Err(err))
			continue
		}
		t.mu.Lock()
		t.windows[id] = window{count: st.HourCount, start: st.HourStart}
		t.mu.Unlock()
	}
}

// HourCount returns the number of deliveries charged to the agent in the
// current hour window, expiring the window first if it is stale.
func (t *Tracker) HourCount(ctx context.Context, agentID int64) int {
	now := t.now()

	t.mu.Lock()
	w := t.windows[agentID]
	if w.start.IsZero() || now.Sub(w.start) >= time.Hour {
		t.windows[agentID] = window{start: now}
		t.mu.Unlock()
		// Durable reset happens outside the lock; a failure only delays
		// the next read-time reset.
		if err := t.rec.ResetHourWindow(ctx, agentID); err != nil {
			t.log.Warn("hour window reset failed", logx.Int64("agent_id", agentID), logx.Err(err))
		}
		return 0
	}
	t.mu.Unlock()
	return w.count
}

// Begin opens a delivery record for the attempt and returns its id.
func (t *Tracker) Begin(ctx context.Context, agentID, userID int64, orderRef string) (int64, error) {
	return t.rec.RecordDeliveryStart(ctx, agentID, userID, orderRef)
}

// Complete finalizes a delivery record and charges the agent's hour window.
func (t *Tracker) Complete(ctx context.Context, deliveryID, agentID int64, success bool, dur time.Duration, errMsg string) {
	if err := t.rec.RecordDeliveryComplete(ctx, deliveryID, success, dur, errMsg); err != nil {
		t.log.Error("delivery record write failed",
			logx.Int64("delivery_id", deliveryID), logx.Err(err))
	}

	now := t.now()
	t.mu.Lock()
	w := t.windows[agentID]
	if w.start.IsZero() || now.Sub(w.start) >= time.Hour {
		w = window{start: now}
	}
	w.count++
	t.windows[agentID] = w
	t.mu.Unlock()
}

// AgentSnapshot returns the durable counters with the in-memory hour view
// applied.
func (t *Tracker) AgentSnapshot(ctx context.Context, agentID int64) (registry.AgentStats, error) {
	st, err := t.rec.AgentStats(ctx, agentID)
	if err != nil {
		return registry.AgentStats{}, err
	}
	st.HourCount = t.HourCount(ctx, agentID)
	return st, nil
}

// Overall returns the aggregate counters across all agents.
func (t *Tracker) Overall(ctx context.Context) (registry.OverallStats, error) {
	return t.rec.Overall(ctx)
}

// Forget drops the in-memory window for a removed agent.
func (t *Tracker) Forget(agentID int64) {
	t.mu.Lock()
	delete(t.windows, agentID)
	t.mu.Unlock()
}
