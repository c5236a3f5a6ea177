// Package livesync keeps the alert view synchronized with the source of
// record. A live channel is used purely as a change trigger: every
// message causes a full fetch. When the channel fails the reconciler
// falls back to fixed-interval polling of the same fetch.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/alertstore"
	"github.com/linnemanlabs/idswatch/internal/source"
)

// ErrFetch wraps every failed fetch of the source of record.
var ErrFetch = errors.New("fetch failed")

const (
	DefaultPollInterval = 5 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// Fetch outcomes reported to hooks.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeStale    = "stale"
	OutcomeCanceled = "canceled"
)

// Sink receives full batches. *view.Engine implements it.
type Sink interface {
	Resync(ctx context.Context, batch []alert.Alert) alertstore.Result
}

// Config tunes the reconciler. Zero values select defaults; a zero
// ReconnectInterval disables reconnection, so polling is terminal.
type Config struct {
	PollInterval      time.Duration
	FetchTimeout      time.Duration
	ReconnectInterval time.Duration
}

// Hooks receives reconciler events. Nil fields are skipped.
type Hooks struct {
	OnFetch      func(outcome string, d time.Duration)
	OnPushEvent  func()
	OnModeChange func(m Mode)
}

// Reconciler drives push or poll updates into a Sink. Exactly one of the
// live subscription or the poll ticker is active at a time.
type Reconciler struct {
	fetcher    source.Fetcher
	subscriber source.Subscriber
	sink       Sink
	cfg        Config
	hooks      Hooks
	logger     log.Logger

	refresh chan struct{}
	wg      sync.WaitGroup

	// mu guards issuing and the follow-up request, applyMu guards applying
	mu      sync.Mutex
	issued  uint64
	running bool
	pending string // reason of the queued follow-up fetch, "" for none

	applyMu sync.Mutex
	applied uint64

	stMu   sync.RWMutex
	status Status
}

// New creates a Reconciler. subscriber may be nil, in which case the
// reconciler polls from the start.
func New(fetcher source.Fetcher, subscriber source.Subscriber, sink Sink, cfg Config, hooks Hooks, logger log.Logger) *Reconciler {
	if fetcher == nil {
		panic(xerrors.New("livesync.New: fetcher is required"))
	}
	if sink == nil {
		panic(xerrors.New("livesync.New: sink is required"))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Reconciler{
		fetcher:    fetcher,
		subscriber: subscriber,
		sink:       sink,
		cfg:        cfg,
		hooks:      hooks,
		logger:     logger.With("component", "livesync"),
		refresh:    make(chan struct{}, 1),
		status:     Status{Mode: Disconnected},
	}
}

// Run performs an initial resync, then alternates between the live
// channel and polling until ctx is canceled. A fetch in flight is
// canceled and awaited before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	defer func() {
		r.setMode(ctx, Disconnected)
		r.wg.Wait()
	}()

	r.trigger(ctx, "initial")

	sub := r.subscribe(ctx)
	for ctx.Err() == nil {
		if sub != nil {
			r.runConnected(ctx, sub)
			sub = nil
			continue
		}
		sub = r.runPolling(ctx)
	}
	return nil
}

// Refresh requests an on-demand resync. It never blocks; requests made
// while one is pending are coalesced.
func (r *Reconciler) Refresh() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Status returns a copy of the current sync state.
func (r *Reconciler) Status() Status {
	r.stMu.RLock()
	defer r.stMu.RUnlock()
	return r.status
}

func (r *Reconciler) subscribe(ctx context.Context) source.Subscription {
	if r.subscriber == nil {
		return nil
	}
	sub, err := r.subscriber.Subscribe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn(ctx, "live channel unavailable, falling back to polling", "error", err)
		}
		return nil
	}
	return sub
}

// runConnected treats every live message as a resync trigger until the
// channel closes.
func (r *Reconciler) runConnected(ctx context.Context, sub source.Subscription) {
	r.setMode(ctx, Connected)
	defer func() { _ = sub.Close() }()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					r.logger.Warn(ctx, "live channel closed", "error", err)
				} else {
					r.logger.Warn(ctx, "live channel closed")
				}
				return
			}
			r.recordPush()
			if ev.Err != nil {
				// still a change notification
				r.logger.Warn(ctx, "undecodable live message", "error", ev.Err)
			}
			r.trigger(ctx, "push")
		case <-r.refresh:
			r.trigger(ctx, "manual")
		}
	}
}

// runPolling fetches on a fixed interval. It returns a fresh
// subscription when reconnection is enabled and succeeds, or nil when
// ctx is done.
func (r *Reconciler) runPolling(ctx context.Context) source.Subscription {
	r.setMode(ctx, Polling)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var reconnect <-chan time.Time
	if r.subscriber != nil && r.cfg.ReconnectInterval > 0 {
		rt := time.NewTicker(r.cfg.ReconnectInterval)
		defer rt.Stop()
		reconnect = rt.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.recordPoll()
			r.trigger(ctx, "poll")
		case <-r.refresh:
			r.trigger(ctx, "manual")
		case <-reconnect:
			sub, err := r.subscriber.Subscribe(ctx)
			if err != nil {
				r.logger.Warn(ctx, "live channel reconnect failed", "error", err)
				continue
			}
			r.logger.Info(ctx, "live channel reconnected")
			// catch up on anything published while disconnected
			r.trigger(ctx, "reconnect")
			return sub
		}
	}
}

// trigger requests a fetch. Fetches never overlap: requests made while
// one is in flight collapse into a single follow-up fetch that starts
// when it finishes, so a steady stream of triggers still applies.
func (r *Reconciler) trigger(ctx context.Context, reason string) {
	r.mu.Lock()
	if r.running {
		r.pending = reason
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			r.fetchOnce(ctx, reason)

			r.mu.Lock()
			if r.pending == "" || ctx.Err() != nil {
				r.running = false
				r.pending = ""
				r.mu.Unlock()
				return
			}
			reason = r.pending
			r.pending = ""
			r.mu.Unlock()
		}
	}()
}

func (r *Reconciler) fetchOnce(ctx context.Context, reason string) {
	r.mu.Lock()
	r.issued++
	gen := r.issued
	r.mu.Unlock()

	r.stMu.Lock()
	r.status.Generation = gen
	r.stMu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	r.fetchAndApply(ctx, fctx, gen, reason)
}

func (r *Reconciler) fetchAndApply(ctx, fctx context.Context, gen uint64, reason string) {
	start := time.Now()
	batch, err := r.fetcher.Fetch(fctx)
	dur := time.Since(start)

	if err != nil {
		// shutting down
		if ctx.Err() != nil {
			r.observe(OutcomeCanceled, dur)
			return
		}
		err = fmt.Errorf("%w: %w", ErrFetch, err)
		r.observe(OutcomeError, dur)
		r.recordFailure(err)
		r.logger.Error(ctx, err, "resync fetch failed, keeping current view", "reason", reason, "generation", gen)
		return
	}

	r.applyMu.Lock()
	if gen <= r.applied {
		r.applyMu.Unlock()
		r.observe(OutcomeStale, dur)
		return
	}
	r.applied = gen
	res := r.sink.Resync(ctx, batch.Alerts)
	r.applyMu.Unlock()

	r.observe(OutcomeOK, dur)
	r.recordSuccess(gen, res)

	if n := len(batch.Rejected); n > 0 {
		r.logger.Warn(ctx, "source returned malformed alerts", "rejected", n, "first", batch.Rejected[0])
	}
	r.logger.Info(ctx, "resync applied",
		"reason", reason,
		"generation", gen,
		"alerts", res.Accepted-res.Duplicates,
		"duration", dur.Seconds(),
	)
}

func (r *Reconciler) observe(outcome string, d time.Duration) {
	if r.hooks.OnFetch != nil {
		r.hooks.OnFetch(outcome, d)
	}
}

func (r *Reconciler) setMode(ctx context.Context, m Mode) {
	r.stMu.Lock()
	changed := r.status.Mode != m
	r.status.Mode = m
	if changed {
		r.status.ModeSince = time.Now().UTC()
	}
	r.stMu.Unlock()

	if !changed {
		return
	}
	r.logger.Info(ctx, "sync mode changed", "mode", m.String())
	if r.hooks.OnModeChange != nil {
		r.hooks.OnModeChange(m)
	}
}

func (r *Reconciler) recordPush() {
	r.stMu.Lock()
	r.status.PushEvents++
	r.stMu.Unlock()
	if r.hooks.OnPushEvent != nil {
		r.hooks.OnPushEvent()
	}
}

func (r *Reconciler) recordPoll() {
	r.stMu.Lock()
	r.status.Polls++
	r.stMu.Unlock()
}

func (r *Reconciler) recordFailure(err error) {
	r.stMu.Lock()
	defer r.stMu.Unlock()
	r.status.Failures++
	r.status.LastError = err.Error()
	r.status.LastErrorAt = time.Now().UTC()
}

func (r *Reconciler) recordSuccess(gen uint64, res alertstore.Result) {
	r.stMu.Lock()
	defer r.stMu.Unlock()
	r.status.AppliedGeneration = gen
	r.status.LastSync = time.Now().UTC()
	r.status.LastRejected = res.Rejected
}
