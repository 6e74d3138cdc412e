package driver

import (
	"context"

	"fieldlink/diag"
	"fieldlink/point"
)

// Protocol is the read-only capability set every driver satisfies.
// The core depends only on these signatures and never downcasts to a
// concrete driver type.
type Protocol interface {
	// ConnectionState reports the connection lifecycle state.
	ConnectionState() ConnState

	// Read fetches an immutable snapshot of the requested input
	// points. It must not mutate device outputs, and fails with
	// ErrNotConnected without touching the wire when the connection
	// is not established.
	Read(ctx context.Context, req ReadRequest) (*ReadResponse, error)

	// Diagnostics returns the driver's accumulated I/O statistics.
	Diagnostics() (diag.Snapshot, error)
}

// ProtocolClient adds active connection management, output writes and
// background polling. A single client owns exactly one physical
// connection and serializes all I/O against it.
type ProtocolClient interface {
	Protocol

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// WriteControl sends a batch of digital commands. The result has
	// one outcome per command, in submission order; an empty batch is
	// an empty success. Partial rejections are reported per item,
	// never escalated to a total failure.
	WriteControl(ctx context.Context, cmds []point.Control) (*WriteResult, error)

	// WriteAdjustment sends a batch of analog setpoints with the same
	// batch semantics as WriteControl.
	WriteAdjustment(ctx context.Context, cmds []point.Adjustment) (*WriteResult, error)

	// StartPolling begins periodic reads with the given config.
	// Fails with ErrAlreadyPolling when polling is active.
	StartPolling(cfg PollingConfig) error

	// StopPolling guarantees no further polled reads are issued after
	// it returns. It is an idempotent no-op when not polling.
	StopPolling() error
}

// EventDrivenProtocol is implemented by drivers whose devices push
// spontaneous data changes (IEC 104 spontaneous transmission, OPC UA
// subscriptions). Whether a driver is polled, event-driven or both is
// driver-declared; the core enforces no exclusivity.
type EventDrivenProtocol interface {
	Protocol

	// Subscribe returns an independent receive channel carrying every
	// event published after the subscription; history is not
	// replayed. The returned cancel func releases the subscription.
	Subscribe(opts SubscribeOptions) (<-chan DataEvent, func())

	// SetEventHandler registers the single privileged synchronous
	// handler invoked inline by the driver.
	SetEventHandler(h DataEventHandler)
}
