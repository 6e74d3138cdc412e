// Package poll drives periodic reads against a protocol client,
// independent of any specific protocol.
package poll

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"fieldlink/diag"
	"fieldlink/driver"
	"fieldlink/logging"
)

// DefaultStopGrace bounds how long Stop waits for an in-flight read
// before detaching.
const DefaultStopGrace = 5 * time.Second

// Reader is the slice of the driver contract the engine needs.
type Reader interface {
	Read(ctx context.Context, req driver.ReadRequest) (*driver.ReadResponse, error)
}

// Engine repeatedly invokes Read at a configured cadence. Each tick
// waits for the previous read to complete before the next is
// scheduled, so a single connection never sees overlapping reads.
type Engine struct {
	reader Reader

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	onData    func(*driver.ReadResponse)
	onError   func(error)
	collector *diag.Collector
	stopGrace time.Duration
}

// New creates an engine around the given reader.
func New(reader Reader) *Engine {
	return &Engine{
		reader:    reader,
		stopGrace: DefaultStopGrace,
	}
}

// SetOnData sets the callback invoked with each successful poll
// result. Must be set before Start.
func (e *Engine) SetOnData(fn func(*driver.ReadResponse)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onData = fn
}

// SetOnError sets the callback invoked on each failed read attempt.
func (e *Engine) SetOnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// SetCollector attaches a diagnostics collector used to record the
// stop-detach warning. Read/write counters stay with the driver.
func (e *Engine) SetCollector(c *diag.Collector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collector = c
}

// SetStopGrace overrides the bounded wait Stop applies to an
// in-flight read.
func (e *Engine) SetStopGrace(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.stopGrace = d
	}
}

// IsPolling reports whether the engine is currently running.
func (e *Engine) IsPolling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start begins the poll loop. The config is captured at start;
// changing cadence or request shape requires Stop + Start.
func (e *Engine) Start(cfg driver.PollingConfig) error {
	if cfg.Interval <= 0 {
		return errors.New("poll: interval must be > 0")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return driver.ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done

	go e.loop(ctx, cfg, done)
	return nil
}

// Stop halts polling. After it returns no further reads are issued.
// A read already in flight is not aborted; Stop waits for it up to
// the grace period, then detaches and records a diagnostics warning.
// Stop is an idempotent no-op when not polling.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	done := e.done
	grace := e.stopGrace
	collector := e.collector
	e.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(grace):
		logging.DebugLog("poll", "stop: read still in flight after %s, detaching", grace)
		if collector != nil {
			collector.Warn("stop polling detached: read still in flight after " + grace.String())
		}
	}

	// running stays set until the loop is gone or detached, so a
	// concurrent Start cannot launch a second loop over the in-flight
	// cycle. The done guard skips cleanup the loop already did.
	e.mu.Lock()
	if e.done == done {
		e.running = false
		e.cancel = nil
		e.done = nil
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) loop(ctx context.Context, cfg driver.PollingConfig, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(e.nextInterval(cfg))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !e.cycle(ctx, cfg) {
			// FailureStop policy tripped: release the context and mark
			// stopped so a later Start succeeds. The done guard keeps a
			// detached loop from touching a newer run's state.
			e.mu.Lock()
			if e.done == done {
				e.cancel()
				e.running = false
				e.cancel = nil
				e.done = nil
			}
			e.mu.Unlock()
			return
		}

		timer.Reset(e.nextInterval(cfg))
	}
}

// cycle performs one poll including policy-driven retries. It returns
// false when polling should stop.
func (e *Engine) cycle(ctx context.Context, cfg driver.PollingConfig) bool {
	attempts := 1
	if cfg.OnFailure == driver.FailureRetry {
		retries := cfg.MaxRetries
		if retries <= 0 {
			retries = 1
		}
		attempts += retries
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		// Reads outlive a Stop that arrives mid-flight; Stop must not
		// abort them, only prevent new ones.
		resp, err := e.reader.Read(context.WithoutCancel(ctx), cfg.Request)
		if err == nil {
			if e.onData != nil {
				e.onData(resp)
			}
			return true
		}

		logging.DebugLog("poll", "read failed (attempt %d/%d, policy %s): %v",
			attempt+1, attempts, cfg.OnFailure, err)
		if e.onError != nil {
			e.onError(err)
		}

		if cfg.OnFailure == driver.FailureStop {
			return false
		}
	}
	// Retries exhausted or skip policy: wait for the next tick.
	return true
}

// nextInterval perturbs the configured interval by a bounded random
// offset in [-Jitter, +Jitter] so many devices on a shared link do
// not tick in lockstep.
func (e *Engine) nextInterval(cfg driver.PollingConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.Interval
	}
	offset := time.Duration(rand.Int63n(int64(2*cfg.Jitter))) - cfg.Jitter
	next := cfg.Interval + offset
	if min := cfg.Interval / 2; next < min {
		next = min
	}
	return next
}
