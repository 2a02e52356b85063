// Package poll drives the proposal status polling loop. The controller is the
// only component that owns a recurring timer.
package poll

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"coverline/sync/internal/backend"
)

var (
	pollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverline_poll_ticks_total",
		Help: "Poll ticks executed.",
	})
	pollTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverline_poll_tick_errors_total",
		Help: "Poll ticks that failed.",
	})
	completionNotices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coverline_poll_completions_total",
		Help: "Processing-complete notifications emitted.",
	})
)

// MaxRetries is how many consecutive failed ticks are tolerated before the
// loop stops and the auto-refresh-failed notice is raised.
const MaxRetries = 3

// ShouldPoll reports whether the proposal still has backend work in flight:
// document extraction, pending intelligent age analysis, or cash-value
// extraction.
func ShouldPoll(p *backend.Proposal, records []backend.ExtractedRecord) bool {
	if p == nil {
		return false
	}
	if p.Status == backend.StatusExtracting {
		return true
	}
	if p.Status == backend.StatusReadyForAgeRun && p.AgeAnalysis == nil {
		return true
	}
	if p.HasIllustrationProcessing() {
		return true
	}
	for _, record := range records {
		if record.CashStatus == backend.CashExtracting || record.CashStatus == backend.CashPending {
			return true
		}
	}
	return false
}

// Syncer performs one poll tick: fetch the proposal (and, when warranted,
// extracted data), apply the results, and report whether polling should
// continue.
type Syncer interface {
	Tick(ctx context.Context) (keepPolling bool, err error)
}

// Hooks receive the two terminal events of a polling run.
type Hooks struct {
	// OnComplete fires exactly once per proposal load, when polling observes
	// that all processing finished.
	OnComplete func()
	// OnFailure fires when consecutive tick failures exhaust the retry budget.
	OnFailure func()
}

// State is a snapshot of the controller for status reporting. It is
// process-local and reset whenever a new proposal is loaded (each load builds
// a fresh controller).
type State struct {
	Active             bool      `json:"active"`
	LastTick           time.Time `json:"lastTick"`
	Retries            int       `json:"retries"`
	CompletionNotified bool      `json:"completionNotified"`
}

type Controller struct {
	interval time.Duration
	syncer   Syncer
	hooks    Hooks

	// completionNotified is a one-way gate. It is flipped with a single
	// CompareAndSwap at the point of use so a second tick racing the first
	// can never re-observe the old value and fire the notice twice.
	completionNotified atomic.Bool

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	retries  int
	lastTick time.Time
}

func NewController(interval time.Duration, syncer Syncer, hooks Hooks) *Controller {
	return &Controller{interval: interval, syncer: syncer, hooks: hooks}
}

// Start begins the loop: one immediate tick, then a fixed-period timer. It is
// a no-op while already running and permanently a no-op once completion has
// been notified for this controller.
func (c *Controller) Start(parent context.Context) {
	if c.completionNotified.Load() {
		return
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop cancels the pending timer and any in-flight tick. Safe to call
// repeatedly and from teardown paths.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.running = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ResetRetries clears the failure budget; called by manual refresh.
func (c *Controller) ResetRetries() {
	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()
}

func (c *Controller) CompletionNotified() bool {
	return c.completionNotified.Load()
}

func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Active:             c.running,
		LastTick:           c.lastTick,
		Retries:            c.retries,
		CompletionNotified: c.completionNotified.Load(),
	}
}

func (c *Controller) loop(ctx context.Context) {
	if !c.step(ctx) {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case <-ticker.C:
			if !c.step(ctx) {
				return
			}
		}
	}
}

// step runs one tick and reports whether the loop should continue.
func (c *Controller) step(ctx context.Context) bool {
	pollTicks.Inc()
	keepPolling, err := c.syncer.Tick(ctx)

	c.mu.Lock()
	c.lastTick = time.Now()
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			// Torn down or superseded mid-flight; discard quietly.
			c.Stop()
			return false
		}
		pollTickErrors.Inc()
		c.mu.Lock()
		c.retries++
		retries := c.retries
		c.mu.Unlock()
		log.Printf("poll: tick failed (%d/%d): %v", retries, MaxRetries, err)
		if retries >= MaxRetries {
			c.Stop()
			if c.hooks.OnFailure != nil {
				c.hooks.OnFailure()
			}
			return false
		}
		return true
	}

	c.ResetRetries()
	if keepPolling {
		return true
	}

	c.Stop()
	// The gate must flip synchronously here, before any further handoff.
	if c.completionNotified.CompareAndSwap(false, true) {
		completionNotices.Inc()
		if c.hooks.OnComplete != nil {
			c.hooks.OnComplete()
		}
	}
	return false
}
