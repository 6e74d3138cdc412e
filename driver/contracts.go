package driver

import (
	"time"

	"fieldlink/point"
)

// ReadRequest selects which input points a read should fetch. The
// zero value selects nothing; build requests with the constructors.
type ReadRequest struct {
	Telemetry bool
	Signals   bool
	IDs       []point.ID // empty = all points of the selected kinds
}

// ReadAll requests every input point of both kinds.
func ReadAll() ReadRequest {
	return ReadRequest{Telemetry: true, Signals: true}
}

// ReadTelemetry requests all telemetry points and nothing else.
func ReadTelemetry() ReadRequest {
	return ReadRequest{Telemetry: true}
}

// ReadSignals requests all signal points and nothing else.
func ReadSignals() ReadRequest {
	return ReadRequest{Signals: true}
}

// ReadIDs requests the named points, whichever input kind each one is.
func ReadIDs(ids ...point.ID) ReadRequest {
	return ReadRequest{Telemetry: true, Signals: true, IDs: ids}
}

// WantsID reports whether the request selects the given point ID.
func (r ReadRequest) WantsID(id point.ID) bool {
	if len(r.IDs) == 0 {
		return true
	}
	for _, want := range r.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// ReadResponse is an immutable snapshot of input points. It only
// contains the kinds that were requested.
type ReadResponse struct {
	Telemetry []point.Telemetry
	Signals   []point.Signal
	FetchedAt time.Time
}

// Len returns the total number of points in the response.
func (r *ReadResponse) Len() int {
	return len(r.Telemetry) + len(r.Signals)
}

// CommandOutcome is the per-command result of a batch write.
type CommandOutcome struct {
	ID       point.ID
	Accepted bool
	Reason   string // empty when accepted
}

// WriteResult reports a batch write, one outcome per submitted
// command in submission order. Atomic declares whether the driver
// sent the batch all-or-nothing or per item.
type WriteResult struct {
	Atomic   bool
	Outcomes []CommandOutcome
}

// AllAccepted reports whether every command in the batch succeeded.
func (r *WriteResult) AllAccepted() bool {
	for _, o := range r.Outcomes {
		if !o.Accepted {
			return false
		}
	}
	return true
}

// Rejected returns the number of commands the device refused.
func (r *WriteResult) Rejected() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Accepted {
			n++
		}
	}
	return n
}

// FailurePolicy tells the polling engine what to do when a read
// cycle fails.
type FailurePolicy int

const (
	// FailureSkip logs the failure and waits for the next tick.
	FailureSkip FailurePolicy = iota
	// FailureRetry retries up to MaxRetries times within the same
	// cycle, then skips.
	FailureRetry
	// FailureStop stops polling on the first failure.
	FailureStop
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureSkip:
		return "skip"
	case FailureRetry:
		return "retry"
	case FailureStop:
		return "stop"
	default:
		return "unknown"
	}
}

// PollingConfig is immutable once polling starts; changing it
// requires stop + restart.
type PollingConfig struct {
	Interval   time.Duration
	Request    ReadRequest
	Jitter     time.Duration // bounded random perturbation per tick, 0 = none
	OnFailure  FailurePolicy
	MaxRetries int // used by FailureRetry, default 1
}

// EventKind classifies a spontaneous data-change event.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventChanged
	EventQualityChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventQualityChanged:
		return "quality-changed"
	default:
		return "unknown"
	}
}

// DataEvent is a spontaneously pushed point update. Exactly one of
// Telemetry or Signal is set. Only event-driven drivers emit these;
// polling results never appear on the event path.
type DataEvent struct {
	Kind      EventKind
	Telemetry *point.Telemetry
	Signal    *point.Signal
}

// PointID returns the ID of the point the event describes.
func (e DataEvent) PointID() point.ID {
	if e.Telemetry != nil {
		return e.Telemetry.ID
	}
	if e.Signal != nil {
		return e.Signal.ID
	}
	return ""
}

// DataEventHandler is the single privileged synchronous callback a
// driver invokes inline on its I/O goroutine. Handlers must return
// within a small bounded budget; a blocking handler stalls the
// driver and is a caller bug.
type DataEventHandler interface {
	HandleDataEvent(DataEvent)
}

// DataEventHandlerFunc adapts a function to DataEventHandler.
type DataEventHandlerFunc func(DataEvent)

func (f DataEventHandlerFunc) HandleDataEvent(e DataEvent) { f(e) }

// BackpressurePolicy is chosen per subscriber at subscribe time.
type BackpressurePolicy int

const (
	// DropOldest discards the oldest queued event when the
	// subscriber's buffer is full. The publisher never blocks.
	DropOldest BackpressurePolicy = iota
	// BlockPublisher makes the publisher wait for buffer space.
	BlockPublisher
)

// SubscribeOptions configures one subscription to an event-driven
// driver.
type SubscribeOptions struct {
	Buffer int // queue depth, default 64
	Policy BackpressurePolicy
}
