package driver

import (
	"testing"

	"fieldlink/point"
)

func TestReadRequestWantsID(t *testing.T) {
	all := ReadAll()
	if !all.WantsID("anything") {
		t.Error("empty ID list should select every point")
	}

	req := ReadIDs("T-1", "S-2")
	if !req.WantsID("T-1") || !req.WantsID("S-2") {
		t.Error("named IDs should be selected")
	}
	if req.WantsID("T-9") {
		t.Error("unnamed ID should not be selected")
	}
}

func TestReadRequestConstructors(t *testing.T) {
	if r := ReadTelemetry(); !r.Telemetry || r.Signals {
		t.Error("ReadTelemetry should select telemetry only")
	}
	if r := ReadSignals(); r.Telemetry || !r.Signals {
		t.Error("ReadSignals should select signals only")
	}
	if r := ReadAll(); !r.Telemetry || !r.Signals {
		t.Error("ReadAll should select both kinds")
	}
}

func TestWriteResultAccounting(t *testing.T) {
	res := WriteResult{Outcomes: []CommandOutcome{
		{ID: "C-1", Accepted: true},
		{ID: "C-2", Accepted: false, Reason: "interlock"},
		{ID: "C-3", Accepted: true},
	}}
	if res.AllAccepted() {
		t.Error("AllAccepted should be false with a rejection")
	}
	if got := res.Rejected(); got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}

	empty := WriteResult{}
	if !empty.AllAccepted() {
		t.Error("empty batch is a success")
	}
}

func TestDataEventPointID(t *testing.T) {
	tel := point.NewTelemetry("T-1", 1)
	ev := DataEvent{Kind: EventChanged, Telemetry: &tel}
	if ev.PointID() != "T-1" {
		t.Errorf("PointID = %q", ev.PointID())
	}

	sig := point.NewSignal("S-1", true)
	ev = DataEvent{Kind: EventAdded, Signal: &sig}
	if ev.PointID() != "S-1" {
		t.Errorf("PointID = %q", ev.PointID())
	}

	if (DataEvent{}).PointID() != "" {
		t.Error("empty event should have empty point ID")
	}
}

func TestResponseLen(t *testing.T) {
	resp := ReadResponse{
		Telemetry: []point.Telemetry{{ID: "T-1"}, {ID: "T-2"}},
		Signals:   []point.Signal{{ID: "S-1"}},
	}
	if resp.Len() != 3 {
		t.Errorf("Len = %d, want 3", resp.Len())
	}
}
