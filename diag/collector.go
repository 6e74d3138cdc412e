// Package diag provides rolling per-driver I/O statistics that are
// safe to update and query concurrently.
package diag

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of a driver's counters. Counters
// accumulate monotonically and reset only when the driver is rebuilt.
type Snapshot struct {
	Protocol      string        `json:"protocol"`
	ReadsTotal    uint64        `json:"reads_total"`
	ReadFailures  uint64        `json:"read_failures"`
	WritesTotal   uint64        `json:"writes_total"`
	WriteFailures uint64        `json:"write_failures"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	LastError     string        `json:"last_error,omitempty"`
	LastWarning   string        `json:"last_warning,omitempty"`
}

// Collector accumulates I/O statistics for one driver instance.
// Drivers record every read/write attempt, success or failure.
type Collector struct {
	protocol string

	readsTotal    atomic.Uint64
	readFailures  atomic.Uint64
	writesTotal   atomic.Uint64
	writeFailures atomic.Uint64

	latencyTotal   atomic.Int64 // nanoseconds across all attempts
	latencySamples atomic.Uint64

	mu          sync.Mutex
	lastError   string
	lastWarning string
}

// NewCollector creates a collector labelled with the protocol name.
func NewCollector(protocol string) *Collector {
	return &Collector{protocol: protocol}
}

// RecordRead counts one read attempt with its latency. A non-nil err
// counts as a failure and becomes the last error.
func (c *Collector) RecordRead(latency time.Duration, err error) {
	c.readsTotal.Add(1)
	c.recordLatency(latency)
	if err != nil {
		c.readFailures.Add(1)
		c.setLastError(err)
	}
}

// RecordWrite counts one write attempt with its latency.
func (c *Collector) RecordWrite(latency time.Duration, err error) {
	c.writesTotal.Add(1)
	c.recordLatency(latency)
	if err != nil {
		c.writeFailures.Add(1)
		c.setLastError(err)
	}
}

// Warn records a non-fatal condition, overwriting the previous one.
func (c *Collector) Warn(msg string) {
	c.mu.Lock()
	c.lastWarning = msg
	c.mu.Unlock()
}

func (c *Collector) recordLatency(d time.Duration) {
	c.latencyTotal.Add(int64(d))
	c.latencySamples.Add(1)
}

func (c *Collector) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Snapshot returns a consistent-enough copy for display; individual
// counters are read atomically.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Protocol:      c.protocol,
		ReadsTotal:    c.readsTotal.Load(),
		ReadFailures:  c.readFailures.Load(),
		WritesTotal:   c.writesTotal.Load(),
		WriteFailures: c.writeFailures.Load(),
	}
	if n := c.latencySamples.Load(); n > 0 {
		s.AvgLatency = time.Duration(uint64(c.latencyTotal.Load()) / n)
	}
	c.mu.Lock()
	s.LastError = c.lastError
	s.LastWarning = c.lastWarning
	c.mu.Unlock()
	return s
}
