package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldlink/config"
	"fieldlink/driver"
	"fieldlink/point"
)

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	base := []Option{
		WithTelemetry("T-1", 10),
		WithTelemetry("T-2", 20),
		WithTelemetry("T-3", 30),
		WithSignal("S-1", true),
		WithSignal("S-2", false),
		WithControl("C-1"),
		WithAdjustment("A-1"),
	}
	return New("rtu-1", append(base, opts...)...)
}

func connect(t *testing.T, d *Device) {
	t.Helper()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestReadBeforeConnect(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.Read(context.Background(), driver.ReadAll())
	if !errors.Is(err, driver.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	// Failed attempts still count in diagnostics.
	snap, _ := d.Diagnostics()
	if snap.ReadsTotal != 1 || snap.ReadFailures != 1 {
		t.Errorf("reads = %d/%d, want 1/1", snap.ReadsTotal, snap.ReadFailures)
	}
}

func TestConnectIdempotent(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if d.ConnectionState() != driver.StateConnected {
		t.Fatalf("state = %s", d.ConnectionState())
	}
}

func TestReadTelemetryOnly(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	resp, err := d.Read(context.Background(), driver.ReadTelemetry())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(resp.Telemetry) != 3 || len(resp.Signals) != 0 {
		t.Fatalf("got %d telemetry, %d signals; want 3, 0", len(resp.Telemetry), len(resp.Signals))
	}
	// Snapshot order matches declaration order.
	wantIDs := []point.ID{"T-1", "T-2", "T-3"}
	for i, tel := range resp.Telemetry {
		if tel.ID != wantIDs[i] {
			t.Errorf("telemetry[%d] = %s, want %s", i, tel.ID, wantIDs[i])
		}
		if !tel.Quality.IsGood() {
			t.Errorf("telemetry %s quality = %s", tel.ID, tel.Quality)
		}
	}
}

func TestReadByID(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	resp, err := d.Read(context.Background(), driver.ReadIDs("T-2", "S-1"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Len() != 2 {
		t.Fatalf("Len = %d, want 2", resp.Len())
	}
	if resp.Telemetry[0].ID != "T-2" || resp.Signals[0].ID != "S-1" {
		t.Errorf("wrong points selected: %+v", resp)
	}
}

func TestReadEmptySelection(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	resp, err := d.Read(context.Background(), driver.ReadRequest{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Len() != 0 {
		t.Fatalf("empty request returned %d points", resp.Len())
	}
}

func TestDiagnosticsCounters(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	const reads = 4
	for i := 0; i < reads; i++ {
		if _, err := d.Read(context.Background(), driver.ReadAll()); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	d.FailNextRead(driver.ProtocolError("garbled frame"))
	if _, err := d.Read(context.Background(), driver.ReadAll()); err == nil {
		t.Fatal("scripted failure did not fail")
	}

	snap, _ := d.Diagnostics()
	if snap.ReadsTotal != reads+1 || snap.ReadFailures != 1 {
		t.Errorf("reads = %d/%d, want %d/1", snap.ReadsTotal, snap.ReadFailures, reads+1)
	}
	if snap.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestTransportErrorFaults(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	d.FailNextRead(driver.TransportError("link down"))
	if _, err := d.Read(context.Background(), driver.ReadAll()); err == nil {
		t.Fatal("expected failure")
	}
	if d.ConnectionState() != driver.StateFaulted {
		t.Fatalf("state = %s, want Faulted", d.ConnectionState())
	}

	// Faulted clears on reconnect.
	connect(t, d)
	if d.ConnectionState() != driver.StateConnected {
		t.Fatalf("state after reconnect = %s", d.ConnectionState())
	}
}

func TestFailConnect(t *testing.T) {
	d := newTestDevice(t)
	d.FailConnect(errors.New("refused"))

	err := d.Connect(context.Background())
	if !errors.Is(err, driver.ErrTransport) {
		t.Fatalf("err = %v, want transport class", err)
	}
	if d.ConnectionState() != driver.StateFaulted {
		t.Fatalf("state = %s, want Faulted", d.ConnectionState())
	}

	d.FailConnect(nil)
	connect(t, d)
}

func TestWriteControl(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	res, err := d.WriteControl(context.Background(), []point.Control{
		{ID: "C-1", Command: true},
		{ID: "C-404", Command: true},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	if !res.Outcomes[0].Accepted || res.Outcomes[1].Accepted {
		t.Errorf("outcomes = %+v", res.Outcomes)
	}
	if res.Outcomes[1].Reason == "" {
		t.Error("rejected outcome needs a reason")
	}

	if v, ok := d.Control("C-1"); !ok || !v {
		t.Error("accepted command not applied")
	}
}

func TestWriteControlAtomicBatch(t *testing.T) {
	d := newTestDevice(t, WithAtomicBatching())
	connect(t, d)
	d.RejectWrite("C-1", "interlock active")

	res, err := d.WriteControl(context.Background(), []point.Control{
		{ID: "C-1", Command: true},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !res.Atomic {
		t.Error("batching should be declared atomic")
	}
	if res.AllAccepted() {
		t.Error("rejected atomic batch reported accepted")
	}
	if v, _ := d.Control("C-1"); v {
		t.Error("atomic rejection must not apply anything")
	}
}

func TestWriteAdjustment(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	res, err := d.WriteAdjustment(context.Background(), []point.Adjustment{
		{ID: "A-1", Value: 55.5},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !res.AllAccepted() {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if v, ok := d.Adjustment("A-1"); !ok || v != 55.5 {
		t.Errorf("adjustment = %v", v)
	}

	snap, _ := d.Diagnostics()
	if snap.WritesTotal != 1 {
		t.Errorf("writes = %d, want 1", snap.WritesTotal)
	}
}

func TestWriteEmptyBatch(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	res, err := d.WriteControl(context.Background(), nil)
	if err != nil || len(res.Outcomes) != 0 {
		t.Fatalf("empty batch = (%+v, %v), want empty success", res, err)
	}
}

func TestWriteNotConnected(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.WriteControl(context.Background(), []point.Control{{ID: "C-1"}})
	if !errors.Is(err, driver.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestPollingLifecycle(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	got := make(chan *driver.ReadResponse, 16)
	d.SetPollSink(func(resp *driver.ReadResponse) {
		select {
		case got <- resp:
		default:
		}
	})

	cfg := driver.PollingConfig{Interval: 2 * time.Millisecond}
	if err := d.StartPolling(cfg); err != nil {
		t.Fatalf("start polling: %v", err)
	}
	if err := d.StartPolling(cfg); !errors.Is(err, driver.ErrAlreadyPolling) {
		t.Fatalf("second start = %v, want ErrAlreadyPolling", err)
	}

	select {
	case resp := <-got:
		if resp.Len() != 5 {
			t.Errorf("poll result Len = %d, want 5", resp.Len())
		}
	case <-time.After(time.Second):
		t.Fatal("no poll result")
	}

	if err := d.StopPolling(); err != nil {
		t.Fatalf("stop polling: %v", err)
	}
}

func TestSubscribeReceivesPushes(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	ch, cancel := d.Subscribe(driver.SubscribeOptions{Buffer: 8})
	defer cancel()

	d.PushTelemetry("T-1", 99, point.QualityGood)
	d.PushSignal("S-9", true, point.QualityGood) // new point

	ev := <-ch
	if ev.Kind != driver.EventChanged || ev.Telemetry == nil || ev.Telemetry.Value != 99 {
		t.Fatalf("first event = %+v", ev)
	}
	ev = <-ch
	if ev.Kind != driver.EventAdded || ev.Signal == nil || ev.Signal.ID != "S-9" {
		t.Fatalf("second event = %+v", ev)
	}
}

func TestQualityChangeEvent(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	ch, cancel := d.Subscribe(driver.SubscribeOptions{Buffer: 4})
	defer cancel()

	// Same value, different quality.
	d.PushTelemetry("T-1", 10, point.QualityUncertain)
	ev := <-ch
	if ev.Kind != driver.EventQualityChanged {
		t.Fatalf("kind = %s, want quality-changed", ev.Kind)
	}
}

func TestEventHandlerInline(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)

	var seen []point.ID
	d.SetEventHandler(driver.DataEventHandlerFunc(func(ev driver.DataEvent) {
		seen = append(seen, ev.PointID())
	}))

	d.PushTelemetry("T-2", 21, point.QualityGood)
	if len(seen) != 1 || seen[0] != "T-2" {
		t.Fatalf("handler saw %v", seen)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Device{
		Name:     "sim-1",
		Protocol: "sim",
		Points: []config.Point{
			{ID: "T-1", Kind: "telemetry", Enabled: true, Value: 5},
			{ID: "S-1", Kind: "signal", Enabled: true, Value: 1},
			{ID: "C-1", Kind: "control", Enabled: true},
			{ID: "A-1", Kind: "adjustment", Enabled: true, Value: 2.5},
			{ID: "X-1", Kind: "telemetry", Enabled: false},
		},
	}
	d, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	connect(t, d)

	resp, err := d.Read(context.Background(), driver.ReadAll())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (disabled point excluded)", resp.Len())
	}
	if v, ok := d.Adjustment("A-1"); !ok || v != 2.5 {
		t.Errorf("adjustment seed = %v", v)
	}
}

func TestDisconnectStopsPolling(t *testing.T) {
	d := newTestDevice(t)
	connect(t, d)
	if err := d.StartPolling(driver.PollingConfig{Interval: 2 * time.Millisecond}); err != nil {
		t.Fatalf("start polling: %v", err)
	}
	if err := d.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if d.ConnectionState() != driver.StateDisconnected {
		t.Fatalf("state = %s", d.ConnectionState())
	}
	// Polling stopped, so a fresh start must succeed.
	connect(t, d)
	if err := d.StartPolling(driver.PollingConfig{Interval: 2 * time.Millisecond}); err != nil {
		t.Fatalf("restart polling: %v", err)
	}
	d.StopPolling()
}
