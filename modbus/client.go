// Package modbus implements the client capability surface over Modbus
// TCP. Telemetry and adjustments map to register tables, signals and
// controls to bit tables.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"fieldlink/config"
	"fieldlink/diag"
	"fieldlink/driver"
	"fieldlink/logging"
	"fieldlink/point"
	"fieldlink/poll"
)

// DefaultTimeout applies when the device config does not set one.
const DefaultTimeout = 5 * time.Second

func init() {
	driver.Register("modbus", func(cfg *config.Device) (driver.ProtocolClient, error) {
		return FromConfig(cfg)
	})
}

// pointSpec is one row of the resolved point table.
type pointSpec struct {
	id       point.ID
	register uint16
	table    string
	format   string
	order    string
	scale    float64
	offset   float64
	reverse  bool
}

// Client is a Modbus TCP protocol client for one device.
type Client struct {
	name    string
	address string
	unitID  byte
	timeout time.Duration

	state *driver.StateMachine
	stats *diag.Collector
	eng   *poll.Engine

	// mu serializes all wire traffic on the single TCP connection.
	mu      sync.Mutex
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client

	telemetry   []pointSpec
	signals     []pointSpec
	controls    map[point.ID]pointSpec
	adjustments map[point.ID]pointSpec

	pollSink func(*driver.ReadResponse)
}

// FromConfig builds a client from a device config and its point table.
func FromConfig(cfg *config.Device) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("modbus: device %s has no address", cfg.Name)
	}

	c := &Client{
		name:        cfg.Name,
		address:     cfg.Address,
		unitID:      cfg.UnitID,
		timeout:     cfg.Timeout,
		state:       driver.NewStateMachine(),
		stats:       diag.NewCollector("modbus"),
		controls:    make(map[point.ID]pointSpec),
		adjustments: make(map[point.ID]pointSpec),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	for i := range cfg.Points {
		p := &cfg.Points[i]
		if !p.Enabled {
			continue
		}
		spec := pointSpec{
			id:       point.ID(p.ID),
			register: p.Register,
			table:    p.Table,
			format:   p.Format,
			order:    p.WordOrder,
			scale:    p.Scale,
			offset:   p.Offset,
			reverse:  p.Reverse,
		}
		switch p.Kind {
		case "telemetry":
			if _, err := registerCount(spec.format); err != nil {
				return nil, fmt.Errorf("modbus: point %s: %w", p.ID, err)
			}
			if spec.table != "input" && spec.table != "holding" {
				return nil, fmt.Errorf("modbus: telemetry %s: table must be input or holding", p.ID)
			}
			c.telemetry = append(c.telemetry, spec)
		case "signal":
			if spec.table != "discrete" && spec.table != "coil" {
				return nil, fmt.Errorf("modbus: signal %s: table must be discrete or coil", p.ID)
			}
			c.signals = append(c.signals, spec)
		case "control":
			c.controls[spec.id] = spec
		case "adjustment":
			if _, err := registerCount(spec.format); err != nil {
				return nil, fmt.Errorf("modbus: point %s: %w", p.ID, err)
			}
			c.adjustments[spec.id] = spec
		default:
			return nil, fmt.Errorf("modbus: unknown point kind %q for %s", p.Kind, p.ID)
		}
	}

	c.eng = poll.New(c)
	c.eng.SetCollector(c.stats)
	c.eng.SetOnData(func(resp *driver.ReadResponse) {
		c.mu.Lock()
		sink := c.pollSink
		c.mu.Unlock()
		if sink != nil {
			sink(resp)
		}
	})
	return c, nil
}

// Name returns the device name.
func (c *Client) Name() string { return c.name }

// ConnectionState implements driver.Protocol.
func (c *Client) ConnectionState() driver.ConnState { return c.state.State() }

// Diagnostics implements driver.Protocol.
func (c *Client) Diagnostics() (diag.Snapshot, error) { return c.stats.Snapshot(), nil }

// Connect implements driver.ProtocolClient. Connecting when already
// connected is a no-op success.
func (c *Client) Connect(ctx context.Context) error {
	already, err := c.state.BeginConnect()
	if err != nil || already {
		return err
	}

	handler := gomodbus.NewTCPClientHandler(c.address)
	handler.Timeout = c.timeout
	handler.SlaveId = c.unitID

	if err := handler.Connect(); err != nil {
		c.state.Fault()
		logging.DebugLog("modbus", "%s: connect %s failed: %v", c.name, c.address, err)
		return driver.TransportError("connect %s: %v", c.address, err)
	}

	c.mu.Lock()
	c.handler = handler
	c.client = gomodbus.NewClient(handler)
	c.mu.Unlock()

	logging.DebugLog("modbus", "%s: connected to %s unit %d", c.name, c.address, c.unitID)
	return c.state.CompleteConnect()
}

// Disconnect implements driver.ProtocolClient; from Disconnected it is
// a no-op success.
func (c *Client) Disconnect(ctx context.Context) error {
	_ = c.eng.Stop()

	already, err := c.state.BeginDisconnect()
	if err != nil || already {
		return err
	}

	c.mu.Lock()
	if c.handler != nil {
		if cerr := c.handler.Close(); cerr != nil {
			logging.DebugLog("modbus", "%s: close: %v", c.name, cerr)
		}
		c.handler = nil
		c.client = nil
	}
	c.mu.Unlock()

	return c.state.CompleteDisconnect()
}

// wrapWireError classifies a wire failure. Device-reported exceptions
// are protocol errors and leave the link up; anything else is a
// transport failure and faults the connection.
func (c *Client) wrapWireError(op string, err error) error {
	var mberr *gomodbus.ModbusError
	if errors.As(err, &mberr) {
		return driver.ProtocolError("%s: %v", op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		err = fmt.Errorf("%w: %s: %v", driver.ErrTimeout, op, err)
	} else {
		err = driver.TransportError("%s: %v", op, err)
	}
	if driver.IsConnectionError(err) {
		if c.state.Fault() {
			logging.DebugLog("modbus", "%s: faulted: %v", c.name, err)
		}
	}
	return err
}

// Read implements driver.Protocol. Failed attempts count in
// diagnostics, including NotConnected short-circuits.
func (c *Client) Read(ctx context.Context, req driver.ReadRequest) (resp *driver.ReadResponse, err error) {
	start := time.Now()
	defer func() { c.stats.RecordRead(time.Since(start), err) }()

	if !c.state.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, driver.ErrNotConnected
	}

	resp = &driver.ReadResponse{FetchedAt: time.Now()}
	if req.Telemetry {
		for _, spec := range c.telemetry {
			if !req.WantsID(spec.id) {
				continue
			}
			value, rerr := c.readRegisterPoint(spec)
			if rerr != nil {
				return nil, rerr
			}
			resp.Telemetry = append(resp.Telemetry, point.Telemetry{
				ID: spec.id, Value: value, Quality: point.QualityGood, Timestamp: resp.FetchedAt,
			})
		}
	}
	if req.Signals {
		for _, spec := range c.signals {
			if !req.WantsID(spec.id) {
				continue
			}
			value, rerr := c.readBitPoint(spec)
			if rerr != nil {
				return nil, rerr
			}
			resp.Signals = append(resp.Signals, point.Signal{
				ID: spec.id, Value: value, Quality: point.QualityGood, Timestamp: resp.FetchedAt,
			})
		}
	}
	return resp, nil
}

// readRegisterPoint reads and decodes one telemetry point. Caller
// holds c.mu.
func (c *Client) readRegisterPoint(spec pointSpec) (float64, error) {
	n, _ := registerCount(spec.format)

	var raw []byte
	var err error
	switch spec.table {
	case "holding":
		raw, err = c.client.ReadHoldingRegisters(spec.register, uint16(n))
	default:
		raw, err = c.client.ReadInputRegisters(spec.register, uint16(n))
	}
	if err != nil {
		return 0, c.wrapWireError(fmt.Sprintf("read %s", spec.id), err)
	}
	if len(raw) != 2*n {
		return 0, driver.ProtocolError("read %s: want %d bytes, got %d", spec.id, 2*n, len(raw))
	}

	value, err := decodeValue(raw, spec.format, spec.order)
	if err != nil {
		return 0, driver.ProtocolError("decode %s: %v", spec.id, err)
	}
	return applyTransform(value, spec.scale, spec.offset), nil
}

// readBitPoint reads one signal point. Caller holds c.mu.
func (c *Client) readBitPoint(spec pointSpec) (bool, error) {
	var raw []byte
	var err error
	switch spec.table {
	case "coil":
		raw, err = c.client.ReadCoils(spec.register, 1)
	default:
		raw, err = c.client.ReadDiscreteInputs(spec.register, 1)
	}
	if err != nil {
		return false, c.wrapWireError(fmt.Sprintf("read %s", spec.id), err)
	}
	if len(raw) < 1 {
		return false, driver.ProtocolError("read %s: empty response", spec.id)
	}

	value := bitAt(raw, 0)
	if spec.reverse {
		value = !value
	}
	return value, nil
}

// WriteControl implements driver.ProtocolClient. Coils are written
// one at a time, so batching is per item: a wire failure mid-batch
// leaves earlier commands applied and is reported per outcome.
func (c *Client) WriteControl(ctx context.Context, cmds []point.Control) (res *driver.WriteResult, err error) {
	start := time.Now()
	defer func() { c.stats.RecordWrite(time.Since(start), err) }()

	if !c.state.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, driver.ErrNotConnected
	}

	res = &driver.WriteResult{Outcomes: make([]driver.CommandOutcome, 0, len(cmds))}
	for i, cmd := range cmds {
		outcome := driver.CommandOutcome{ID: cmd.ID, Accepted: true}
		spec, ok := c.controls[cmd.ID]
		if !ok {
			outcome.Accepted = false
			outcome.Reason = "unknown control point"
			res.Outcomes = append(res.Outcomes, outcome)
			continue
		}

		value := cmd.Command
		if spec.reverse {
			value = !value
		}
		var coil uint16
		if value {
			coil = 0xFF00
		}
		if _, werr := c.client.WriteSingleCoil(spec.register, coil); werr != nil {
			werr = c.wrapWireError(fmt.Sprintf("write %s", cmd.ID), werr)
			outcome.Accepted = false
			outcome.Reason = werr.Error()
			res.Outcomes = append(res.Outcomes, outcome)
			// The link is gone; remaining commands cannot be delivered
			// but still get an outcome each, one per command submitted.
			if driver.IsConnectionError(werr) {
				c.markUndelivered(res, i+1, len(cmds), func(j int) point.ID { return cmds[j].ID })
				err = fmt.Errorf("%w: %v", driver.ErrPartialWrite, werr)
				return res, err
			}
			continue
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}
	return res, nil
}

// markUndelivered appends a rejected outcome for every command after a
// mid-batch connection loss, keeping one outcome per submitted command.
func (c *Client) markUndelivered(res *driver.WriteResult, from, total int, id func(int) point.ID) {
	for j := from; j < total; j++ {
		res.Outcomes = append(res.Outcomes, driver.CommandOutcome{
			ID:     id(j),
			Reason: "not delivered: connection lost",
		})
	}
}

// WriteAdjustment implements driver.ProtocolClient.
func (c *Client) WriteAdjustment(ctx context.Context, cmds []point.Adjustment) (res *driver.WriteResult, err error) {
	start := time.Now()
	defer func() { c.stats.RecordWrite(time.Since(start), err) }()

	if !c.state.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, driver.ErrNotConnected
	}

	res = &driver.WriteResult{Outcomes: make([]driver.CommandOutcome, 0, len(cmds))}
	for i, cmd := range cmds {
		outcome := driver.CommandOutcome{ID: cmd.ID, Accepted: true}
		spec, ok := c.adjustments[cmd.ID]
		if !ok {
			outcome.Accepted = false
			outcome.Reason = "unknown adjustment point"
			res.Outcomes = append(res.Outcomes, outcome)
			continue
		}

		raw, eerr := encodeValue(reverseTransform(cmd.Value, spec.scale, spec.offset), spec.format, spec.order)
		if eerr != nil {
			outcome.Accepted = false
			outcome.Reason = eerr.Error()
			res.Outcomes = append(res.Outcomes, outcome)
			continue
		}

		n := uint16(len(raw) / 2)
		var werr error
		if n == 1 {
			_, werr = c.client.WriteSingleRegister(spec.register, uint16(raw[0])<<8|uint16(raw[1]))
		} else {
			_, werr = c.client.WriteMultipleRegisters(spec.register, n, raw)
		}
		if werr != nil {
			werr = c.wrapWireError(fmt.Sprintf("write %s", cmd.ID), werr)
			outcome.Accepted = false
			outcome.Reason = werr.Error()
			res.Outcomes = append(res.Outcomes, outcome)
			if driver.IsConnectionError(werr) {
				c.markUndelivered(res, i+1, len(cmds), func(j int) point.ID { return cmds[j].ID })
				err = fmt.Errorf("%w: %v", driver.ErrPartialWrite, werr)
				return res, err
			}
			continue
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}
	return res, nil
}

// StartPolling implements driver.ProtocolClient.
func (c *Client) StartPolling(cfg driver.PollingConfig) error { return c.eng.Start(cfg) }

// StopPolling implements driver.ProtocolClient.
func (c *Client) StopPolling() error { return c.eng.Stop() }

// SetPollSink sets the callback receiving internal poll results.
func (c *Client) SetPollSink(fn func(*driver.ReadResponse)) {
	c.mu.Lock()
	c.pollSink = fn
	c.mu.Unlock()
}

var _ driver.ProtocolClient = (*Client)(nil)
