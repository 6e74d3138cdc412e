package modbus

import (
	"context"
	"errors"
	"testing"

	gomodbus "github.com/goburrow/modbus"

	"fieldlink/config"
	"fieldlink/driver"
	"fieldlink/point"
)

// fakeWire stands in for the wire client so batch semantics can be
// exercised without a device. Writes fail at a scripted call index.
type fakeWire struct {
	writes   int
	failAt   int // 1-based write call index that fails
	failWith error
}

func (f *fakeWire) write() ([]byte, error) {
	f.writes++
	if f.writes == f.failAt {
		return nil, f.failWith
	}
	return []byte{0, 0}, nil
}

func (f *fakeWire) WriteSingleCoil(address, value uint16) ([]byte, error)     { return f.write() }
func (f *fakeWire) WriteSingleRegister(address, value uint16) ([]byte, error) { return f.write() }
func (f *fakeWire) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return f.write()
}
func (f *fakeWire) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return f.write()
}
func (f *fakeWire) ReadCoils(address, quantity uint16) ([]byte, error)            { return nil, nil }
func (f *fakeWire) ReadDiscreteInputs(address, quantity uint16) ([]byte, error)   { return nil, nil }
func (f *fakeWire) ReadInputRegisters(address, quantity uint16) ([]byte, error)   { return nil, nil }
func (f *fakeWire) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeWire) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeWire) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeWire) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

var _ gomodbus.Client = (*fakeWire)(nil)

// wiredClient returns a client in the Connected state backed by the
// given fake wire.
func wiredClient(t *testing.T, cfg *config.Device, wire gomodbus.Client) *Client {
	t.Helper()
	c, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, err := c.state.BeginConnect(); err != nil {
		t.Fatalf("begin connect: %v", err)
	}
	if err := c.state.CompleteConnect(); err != nil {
		t.Fatalf("complete connect: %v", err)
	}
	c.client = wire
	return c
}

func testDeviceConfig() *config.Device {
	return &config.Device{
		Name:     "plc-1",
		Protocol: "modbus",
		Address:  "127.0.0.1:1502",
		UnitID:   1,
		Enabled:  true,
		Points: []config.Point{
			{ID: "T-1", Kind: "telemetry", Enabled: true, Register: 0, Table: "input", Format: "u16", WordOrder: "big", Scale: 1},
			{ID: "S-1", Kind: "signal", Enabled: true, Register: 0, Table: "discrete"},
			{ID: "C-1", Kind: "control", Enabled: true, Register: 0, Table: "coil"},
			{ID: "A-1", Kind: "adjustment", Enabled: true, Register: 10, Table: "holding", Format: "f32", WordOrder: "big", Scale: 1},
		},
	}
}

func TestFromConfigBuildsPointTable(t *testing.T) {
	c, err := FromConfig(testDeviceConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if len(c.telemetry) != 1 || len(c.signals) != 1 {
		t.Errorf("inputs = %d/%d, want 1/1", len(c.telemetry), len(c.signals))
	}
	if _, ok := c.controls["C-1"]; !ok {
		t.Error("control point missing")
	}
	if _, ok := c.adjustments["A-1"]; !ok {
		t.Error("adjustment point missing")
	}
	if c.ConnectionState() != driver.StateDisconnected {
		t.Errorf("initial state = %s", c.ConnectionState())
	}
}

func TestFromConfigRejectsBadPoints(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.Points[0].Format = "u8"
	if _, err := FromConfig(cfg); err == nil {
		t.Error("bad format accepted")
	}

	cfg = testDeviceConfig()
	cfg.Points[0].Table = "coil"
	if _, err := FromConfig(cfg); err == nil {
		t.Error("telemetry in a bit table accepted")
	}

	cfg = testDeviceConfig()
	cfg.Points[1].Table = "holding"
	if _, err := FromConfig(cfg); err == nil {
		t.Error("signal in a register table accepted")
	}

	cfg = testDeviceConfig()
	cfg.Address = ""
	if _, err := FromConfig(cfg); err == nil {
		t.Error("missing address accepted")
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	c, err := FromConfig(testDeviceConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if _, err := c.Read(context.Background(), driver.ReadAll()); !errors.Is(err, driver.ErrNotConnected) {
		t.Errorf("read err = %v, want ErrNotConnected", err)
	}
	if _, err := c.WriteControl(context.Background(), []point.Control{{ID: "C-1"}}); !errors.Is(err, driver.ErrNotConnected) {
		t.Errorf("write control err = %v, want ErrNotConnected", err)
	}
	if _, err := c.WriteAdjustment(context.Background(), []point.Adjustment{{ID: "A-1"}}); !errors.Is(err, driver.ErrNotConnected) {
		t.Errorf("write adjustment err = %v, want ErrNotConnected", err)
	}

	// The failed attempts are still counted.
	snap, _ := c.Diagnostics()
	if snap.ReadsTotal != 1 || snap.WritesTotal != 2 {
		t.Errorf("counters = %d reads, %d writes; want 1, 2", snap.ReadsTotal, snap.WritesTotal)
	}
}

func TestConnectFailureFaults(t *testing.T) {
	cfg := testDeviceConfig()
	// Reserved TEST-NET-1 address; the dial fails fast with no route
	// or times out, either way a transport error.
	cfg.Address = "192.0.2.1:1"
	cfg.Timeout = 1 // nanosecond timeout forces immediate failure

	c, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect to unroutable address succeeded")
	}
	if c.ConnectionState() != driver.StateFaulted {
		t.Errorf("state = %s, want Faulted", c.ConnectionState())
	}
}

func TestWriteControlConnectionLossKeepsOutcomePerCommand(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.Points = append(cfg.Points,
		config.Point{ID: "C-2", Kind: "control", Enabled: true, Register: 1, Table: "coil"},
		config.Point{ID: "C-3", Kind: "control", Enabled: true, Register: 2, Table: "coil"},
	)
	c := wiredClient(t, cfg, &fakeWire{failAt: 2, failWith: errors.New("broken pipe")})

	res, err := c.WriteControl(context.Background(), []point.Control{
		{ID: "C-1", Command: true},
		{ID: "C-2", Command: true},
		{ID: "C-3", Command: true},
	})
	if !errors.Is(err, driver.ErrPartialWrite) {
		t.Fatalf("err = %v, want ErrPartialWrite", err)
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want one per command", len(res.Outcomes))
	}
	if !res.Outcomes[0].Accepted {
		t.Errorf("first command rejected: %s", res.Outcomes[0].Reason)
	}
	if res.Outcomes[1].Accepted || res.Outcomes[1].Reason == "" {
		t.Errorf("failed command outcome = %+v", res.Outcomes[1])
	}
	if res.Outcomes[2].ID != "C-3" || res.Outcomes[2].Accepted {
		t.Errorf("undelivered command outcome = %+v", res.Outcomes[2])
	}
	if res.Outcomes[2].Reason != "not delivered: connection lost" {
		t.Errorf("undelivered reason = %q", res.Outcomes[2].Reason)
	}
	if c.ConnectionState() != driver.StateFaulted {
		t.Errorf("state = %s, want Faulted", c.ConnectionState())
	}
}

func TestWriteAdjustmentConnectionLossKeepsOutcomePerCommand(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.Points = append(cfg.Points,
		config.Point{ID: "A-2", Kind: "adjustment", Enabled: true, Register: 12, Table: "holding", Format: "u16", WordOrder: "big", Scale: 1},
		config.Point{ID: "A-3", Kind: "adjustment", Enabled: true, Register: 13, Table: "holding", Format: "u16", WordOrder: "big", Scale: 1},
	)
	c := wiredClient(t, cfg, &fakeWire{failAt: 1, failWith: errors.New("connection reset")})

	res, err := c.WriteAdjustment(context.Background(), []point.Adjustment{
		{ID: "A-1", Value: 1.5},
		{ID: "A-2", Value: 2},
		{ID: "A-3", Value: 3},
	})
	if !errors.Is(err, driver.ErrPartialWrite) {
		t.Fatalf("err = %v, want ErrPartialWrite", err)
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want one per command", len(res.Outcomes))
	}
	for i, id := range []point.ID{"A-1", "A-2", "A-3"} {
		if res.Outcomes[i].ID != id || res.Outcomes[i].Accepted {
			t.Errorf("outcome %d = %+v", i, res.Outcomes[i])
		}
	}
	for _, o := range res.Outcomes[1:] {
		if o.Reason != "not delivered: connection lost" {
			t.Errorf("%s reason = %q", o.ID, o.Reason)
		}
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c, err := FromConfig(testDeviceConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect while disconnected: %v", err)
	}
}
