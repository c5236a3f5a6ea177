// Package view owns the alert store and publishes derived views.
//
// Every producer (live resync, poll resync, direct ingestion and
// operator status edits) goes through Engine, which serializes writes
// with one lock, recomputes incidents and aggregates from scratch, and
// publishes an immutable Snapshot. Readers load the snapshot pointer and
// never block writers.
package view

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/idswatch/internal/aggregate"
	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/alertstore"
	"github.com/linnemanlabs/idswatch/internal/incident"
)

// Ingestion modes reported to hooks.
const (
	ModeResync = "resync"
	ModeAppend = "append"
)

// Hooks receives engine events. Nil fields are skipped.
type Hooks struct {
	// OnIngest is called after every Resync or Append.
	OnIngest func(mode string, res alertstore.Result)

	// OnRecompute is called after every publish.
	OnRecompute func(alerts, incidents int, duration time.Duration)

	// OnStatusChange is called after a status edit is applied.
	OnStatusChange func(status alert.Status)

	// OnEscalation is called outside the writer lock with incidents that
	// appeared or whose highest severity rose. It is not called for the
	// first content load.
	OnEscalation func(ctx context.Context, esc []incident.Escalation)
}

// Engine is the single writer in front of an alertstore.Store.
type Engine struct {
	mu     sync.Mutex
	store  *alertstore.Store
	opts   aggregate.Options
	hooks  Hooks
	logger log.Logger
	now    func() time.Time

	snap   atomic.Pointer[Snapshot]
	primed bool // a content load has been published
}

// New creates an Engine over an empty store.
func New(logger log.Logger, opts aggregate.Options, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		store:  alertstore.New(),
		opts:   opts,
		hooks:  hooks,
		logger: logger,
		now:    time.Now,
	}
	e.snap.Store(newSnapshot(0, time.Time{}, nil, nil, aggregate.Summary{
		Timeline:    []aggregate.Count{},
		TopSources:  []aggregate.Count{},
		AttackNames: []aggregate.Count{},
		Techniques:  []aggregate.Count{},
	}))
	return e
}

// Snapshot returns the latest published view. Never nil.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Resync replaces the alert set with a full batch from the source of record.
func (e *Engine) Resync(ctx context.Context, batch []alert.Alert) alertstore.Result {
	return e.ingest(ctx, ModeResync, func() alertstore.Result { return e.store.Resync(batch) })
}

// Append merges one alert.
func (e *Engine) Append(ctx context.Context, a alert.Alert) alertstore.Result {
	return e.ingest(ctx, ModeAppend, func() alertstore.Result { return e.store.Append(a) })
}

func (e *Engine) ingest(ctx context.Context, mode string, apply func() alertstore.Result) alertstore.Result {
	var esc []incident.Escalation

	e.mu.Lock()
	prev := e.snap.Load()
	res := apply()
	if res.Accepted > 0 || mode == ModeResync {
		next := e.recompute(ctx, prev, true)
		if e.primed {
			esc = incident.Escalations(prev.Incidents, next.Incidents)
		}
		e.primed = true
	}
	e.mu.Unlock()

	for _, err := range res.Errors {
		e.logger.Warn(ctx, "rejected alert", "mode", mode, "error", err)
	}
	if res.Conflicts > 0 {
		e.logger.Warn(ctx, "ignored identity changes for stored alerts", "mode", mode, "count", res.Conflicts)
	}
	if e.hooks.OnIngest != nil {
		e.hooks.OnIngest(mode, res)
	}
	if len(esc) > 0 && e.hooks.OnEscalation != nil {
		e.hooks.OnEscalation(ctx, esc)
	}
	return res
}

// UpdateStatus applies fn to the stored status of key and republishes.
// Aggregates are carried over since they do not depend on status. A
// status that does not change publishes nothing.
func (e *Engine) UpdateStatus(ctx context.Context, key string, fn func(cur alert.Status) (alert.Status, error)) (alert.Alert, error) {
	var from alert.Status
	e.mu.Lock()
	a, err := e.store.UpdateStatus(key, func(cur alert.Status) (alert.Status, error) {
		from = cur
		return fn(cur)
	})
	if err != nil {
		e.mu.Unlock()
		return alert.Alert{}, err
	}
	if from == a.Status {
		e.mu.Unlock()
		return a, nil
	}
	e.recompute(ctx, e.snap.Load(), false)
	e.mu.Unlock()

	if e.hooks.OnStatusChange != nil {
		e.hooks.OnStatusChange(a.Status)
	}
	return a, nil
}

// SeedStatuses restores persisted operator state and republishes.
func (e *Engine) SeedStatuses(ctx context.Context, statuses map[string]alert.Status) {
	if len(statuses) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.SeedStatuses(statuses)
	e.recompute(ctx, e.snap.Load(), false)
}

// recompute rebuilds derived views and publishes them. Caller holds mu.
func (e *Engine) recompute(ctx context.Context, prev *Snapshot, content bool) *Snapshot {
	start := time.Now()

	alerts := e.store.Alerts()
	incidents := incident.Correlate(alerts)

	summary := prev.Summary
	if content {
		s, err := aggregate.Summarize(alerts, e.opts)
		if err != nil {
			// unreachable for validated alerts; keep the last good aggregates
			e.logger.Error(ctx, err, "aggregate recompute failed")
		} else {
			summary = s
		}
	}

	next := newSnapshot(e.store.Version(), e.now().UTC(), alerts, incidents, summary)
	e.snap.Store(next)

	if e.hooks.OnRecompute != nil {
		e.hooks.OnRecompute(len(alerts), len(incidents), time.Since(start))
	}
	return next
}
