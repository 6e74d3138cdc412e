// Package sim provides an in-memory device that implements the full
// client and event-driven capability surface. It backs tests and
// serves as a data hub for points with no physical device behind
// them.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldlink/bus"
	"fieldlink/config"
	"fieldlink/diag"
	"fieldlink/driver"
	"fieldlink/logging"
	"fieldlink/point"
	"fieldlink/poll"
)

func init() {
	driver.Register("sim", func(cfg *config.Device) (driver.ProtocolClient, error) {
		return FromConfig(cfg)
	})
}

type telemetryCell struct {
	id      point.ID
	value   float64
	quality point.Quality
}

type signalCell struct {
	id      point.ID
	value   bool
	quality point.Quality
}

// Device is a simulated field device. Point tables keep insertion
// order so read snapshots are deterministic.
type Device struct {
	name  string
	state *driver.StateMachine
	stats *diag.Collector
	eng   *poll.Engine
	bus   *bus.Bus

	// mu serializes all simulated wire I/O and guards the tables,
	// standing in for the per-connection exclusion a real transport
	// needs.
	mu          sync.Mutex
	telemetry   []*telemetryCell
	signals     []*signalCell
	controls    map[point.ID]bool
	adjustments map[point.ID]float64

	atomicWrites bool
	readDelay    time.Duration
	nextReadErr  error
	connectErr   error
	rejects      map[point.ID]string

	pollSink func(*driver.ReadResponse)
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithTelemetry seeds one telemetry point.
func WithTelemetry(id point.ID, value float64) Option {
	return func(d *Device) {
		d.telemetry = append(d.telemetry, &telemetryCell{id: id, value: value, quality: point.QualityGood})
	}
}

// WithSignal seeds one signal point.
func WithSignal(id point.ID, value bool) Option {
	return func(d *Device) {
		d.signals = append(d.signals, &signalCell{id: id, value: value, quality: point.QualityGood})
	}
}

// WithControl declares a writable control output.
func WithControl(id point.ID) Option {
	return func(d *Device) { d.controls[id] = false }
}

// WithAdjustment declares a writable adjustment output.
func WithAdjustment(id point.ID) Option {
	return func(d *Device) { d.adjustments[id] = 0 }
}

// WithAtomicBatching declares writes as all-or-nothing instead of
// per item.
func WithAtomicBatching() Option {
	return func(d *Device) { d.atomicWrites = true }
}

// New creates a simulated device.
func New(name string, opts ...Option) *Device {
	d := &Device{
		name:        name,
		state:       driver.NewStateMachine(),
		stats:       diag.NewCollector("sim"),
		bus:         bus.New(),
		controls:    make(map[point.ID]bool),
		adjustments: make(map[point.ID]float64),
		rejects:     make(map[point.ID]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.eng = poll.New(d)
	d.eng.SetCollector(d.stats)
	d.eng.SetOnData(func(resp *driver.ReadResponse) {
		d.mu.Lock()
		sink := d.pollSink
		d.mu.Unlock()
		if sink != nil {
			sink(resp)
		}
	})
	return d
}

// FromConfig builds a device from a point-table config. Control and
// adjustment entries become writable outputs.
func FromConfig(cfg *config.Device) (*Device, error) {
	d := New(cfg.Name)
	for i := range cfg.Points {
		p := &cfg.Points[i]
		if !p.Enabled {
			continue
		}
		id := point.ID(p.ID)
		switch p.Kind {
		case "telemetry":
			d.telemetry = append(d.telemetry, &telemetryCell{id: id, value: p.Value, quality: point.QualityGood})
		case "signal":
			d.signals = append(d.signals, &signalCell{id: id, value: p.Value != 0, quality: point.QualityGood})
		case "control":
			d.controls[id] = false
		case "adjustment":
			d.adjustments[id] = p.Value
		default:
			return nil, fmt.Errorf("sim: unknown point kind %q for %s", p.Kind, p.ID)
		}
	}
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// ConnectionState implements driver.Protocol.
func (d *Device) ConnectionState() driver.ConnState { return d.state.State() }

// Diagnostics implements driver.Protocol.
func (d *Device) Diagnostics() (diag.Snapshot, error) { return d.stats.Snapshot(), nil }

// Connect implements driver.ProtocolClient. Connecting when already
// connected is a no-op success.
func (d *Device) Connect(ctx context.Context) error {
	already, err := d.state.BeginConnect()
	if err != nil || already {
		return err
	}

	d.mu.Lock()
	failure := d.connectErr
	d.mu.Unlock()
	if failure != nil {
		d.state.Fault()
		logging.DebugLog("sim", "%s: connect failed: %v", d.name, failure)
		return driver.TransportError("connect %s: %v", d.name, failure)
	}
	return d.state.CompleteConnect()
}

// Disconnect implements driver.ProtocolClient; from Disconnected it
// is a no-op success.
func (d *Device) Disconnect(ctx context.Context) error {
	_ = d.eng.Stop()
	already, err := d.state.BeginDisconnect()
	if err != nil || already {
		return err
	}
	return d.state.CompleteDisconnect()
}

// Read implements driver.Protocol. Every attempt is counted in
// diagnostics, including NotConnected short-circuits.
func (d *Device) Read(ctx context.Context, req driver.ReadRequest) (resp *driver.ReadResponse, err error) {
	start := time.Now()
	defer func() { d.stats.RecordRead(time.Since(start), err) }()

	if !d.state.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readDelay > 0 {
		select {
		case <-time.After(d.readDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", driver.ErrTimeout, ctx.Err())
		}
	}

	if d.nextReadErr != nil {
		failure := d.nextReadErr
		d.nextReadErr = nil
		if driver.IsConnectionError(failure) {
			d.state.Fault()
		}
		return nil, failure
	}

	resp = &driver.ReadResponse{FetchedAt: time.Now()}
	if req.Telemetry {
		for _, cell := range d.telemetry {
			if req.WantsID(cell.id) {
				resp.Telemetry = append(resp.Telemetry, point.Telemetry{
					ID: cell.id, Value: cell.value, Quality: cell.quality, Timestamp: resp.FetchedAt,
				})
			}
		}
	}
	if req.Signals {
		for _, cell := range d.signals {
			if req.WantsID(cell.id) {
				resp.Signals = append(resp.Signals, point.Signal{
					ID: cell.id, Value: cell.value, Quality: cell.quality, Timestamp: resp.FetchedAt,
				})
			}
		}
	}
	return resp, nil
}

// WriteControl implements driver.ProtocolClient.
func (d *Device) WriteControl(ctx context.Context, cmds []point.Control) (res *driver.WriteResult, err error) {
	start := time.Now()
	defer func() { d.stats.RecordWrite(time.Since(start), err) }()

	if !d.state.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res = &driver.WriteResult{Atomic: d.atomicWrites, Outcomes: make([]driver.CommandOutcome, 0, len(cmds))}
	if len(cmds) == 0 {
		return res, nil
	}

	apply := make([]point.Control, 0, len(cmds))
	rejected := false
	for _, cmd := range cmds {
		outcome := driver.CommandOutcome{ID: cmd.ID, Accepted: true}
		if reason, bad := d.rejects[cmd.ID]; bad {
			outcome.Accepted = false
			outcome.Reason = reason
		} else if _, ok := d.controls[cmd.ID]; !ok {
			outcome.Accepted = false
			outcome.Reason = "unknown control point"
		} else {
			apply = append(apply, cmd)
		}
		if !outcome.Accepted {
			rejected = true
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	if d.atomicWrites && rejected {
		// All-or-nothing: nothing is applied; accepted entries are
		// marked aborted.
		for i := range res.Outcomes {
			if res.Outcomes[i].Accepted {
				res.Outcomes[i].Accepted = false
				res.Outcomes[i].Reason = "aborted: atomic batch rejected"
			}
		}
		return res, nil
	}

	for _, cmd := range apply {
		d.controls[cmd.ID] = cmd.Command
	}
	return res, nil
}

// WriteAdjustment implements driver.ProtocolClient.
func (d *Device) WriteAdjustment(ctx context.Context, cmds []point.Adjustment) (res *driver.WriteResult, err error) {
	start := time.Now()
	defer func() { d.stats.RecordWrite(time.Since(start), err) }()

	if !d.state.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res = &driver.WriteResult{Atomic: d.atomicWrites, Outcomes: make([]driver.CommandOutcome, 0, len(cmds))}
	if len(cmds) == 0 {
		return res, nil
	}

	apply := make([]point.Adjustment, 0, len(cmds))
	rejected := false
	for _, cmd := range cmds {
		outcome := driver.CommandOutcome{ID: cmd.ID, Accepted: true}
		if reason, bad := d.rejects[cmd.ID]; bad {
			outcome.Accepted = false
			outcome.Reason = reason
		} else if _, ok := d.adjustments[cmd.ID]; !ok {
			outcome.Accepted = false
			outcome.Reason = "unknown adjustment point"
		} else {
			apply = append(apply, cmd)
		}
		if !outcome.Accepted {
			rejected = true
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	if d.atomicWrites && rejected {
		for i := range res.Outcomes {
			if res.Outcomes[i].Accepted {
				res.Outcomes[i].Accepted = false
				res.Outcomes[i].Reason = "aborted: atomic batch rejected"
			}
		}
		return res, nil
	}

	for _, cmd := range apply {
		d.adjustments[cmd.ID] = cmd.Value
	}
	return res, nil
}

// StartPolling implements driver.ProtocolClient.
func (d *Device) StartPolling(cfg driver.PollingConfig) error { return d.eng.Start(cfg) }

// StopPolling implements driver.ProtocolClient.
func (d *Device) StopPolling() error { return d.eng.Stop() }

// SetPollSink sets the callback receiving internal poll results.
func (d *Device) SetPollSink(fn func(*driver.ReadResponse)) {
	d.mu.Lock()
	d.pollSink = fn
	d.mu.Unlock()
}

// Subscribe implements driver.EventDrivenProtocol.
func (d *Device) Subscribe(opts driver.SubscribeOptions) (<-chan driver.DataEvent, func()) {
	return d.bus.Subscribe(opts)
}

// SetEventHandler implements driver.EventDrivenProtocol.
func (d *Device) SetEventHandler(h driver.DataEventHandler) {
	d.bus.SetHandler(h)
}

// PushTelemetry simulates a spontaneous telemetry update from the
// device and publishes the corresponding event.
func (d *Device) PushTelemetry(id point.ID, value float64, quality point.Quality) {
	d.mu.Lock()
	var cell *telemetryCell
	for _, c := range d.telemetry {
		if c.id == id {
			cell = c
			break
		}
	}
	kind := driver.EventChanged
	if cell == nil {
		cell = &telemetryCell{id: id}
		d.telemetry = append(d.telemetry, cell)
		kind = driver.EventAdded
	} else if cell.quality != quality && cell.value == value {
		kind = driver.EventQualityChanged
	}
	cell.value = value
	cell.quality = quality
	d.mu.Unlock()

	t := point.Telemetry{ID: id, Value: value, Quality: quality, Timestamp: time.Now()}
	d.bus.Publish(driver.DataEvent{Kind: kind, Telemetry: &t})
}

// PushSignal simulates a spontaneous signal update.
func (d *Device) PushSignal(id point.ID, value bool, quality point.Quality) {
	d.mu.Lock()
	var cell *signalCell
	for _, c := range d.signals {
		if c.id == id {
			cell = c
			break
		}
	}
	kind := driver.EventChanged
	if cell == nil {
		cell = &signalCell{id: id}
		d.signals = append(d.signals, cell)
		kind = driver.EventAdded
	} else if cell.quality != quality && cell.value == value {
		kind = driver.EventQualityChanged
	}
	cell.value = value
	cell.quality = quality
	d.mu.Unlock()

	s := point.Signal{ID: id, Value: value, Quality: quality, Timestamp: time.Now()}
	d.bus.Publish(driver.DataEvent{Kind: kind, Signal: &s})
}

// Control returns the current state of a control output.
func (d *Device) Control(id point.ID) (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.controls[id]
	return v, ok
}

// Adjustment returns the current state of an adjustment output.
func (d *Device) Adjustment(id point.ID) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.adjustments[id]
	return v, ok
}

// Test hooks ---------------------------------------------------------

// FailNextRead makes the next Read fail with err; a transport-class
// error also faults the connection.
func (d *Device) FailNextRead(err error) {
	d.mu.Lock()
	d.nextReadErr = err
	d.mu.Unlock()
}

// FailConnect makes Connect attempts fail until cleared with nil.
func (d *Device) FailConnect(err error) {
	d.mu.Lock()
	d.connectErr = err
	d.mu.Unlock()
}

// SetReadDelay injects latency into every Read.
func (d *Device) SetReadDelay(delay time.Duration) {
	d.mu.Lock()
	d.readDelay = delay
	d.mu.Unlock()
}

// RejectWrite makes writes to id fail with the given reason.
func (d *Device) RejectWrite(id point.ID, reason string) {
	d.mu.Lock()
	d.rejects[id] = reason
	d.mu.Unlock()
}

var _ driver.ProtocolClient = (*Device)(nil)
var _ driver.EventDrivenProtocol = (*Device)(nil)
