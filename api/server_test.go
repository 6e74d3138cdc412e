package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldlink/config"
	"fieldlink/devman"
	"fieldlink/driver"

	_ "fieldlink/sim"
)

func testManager(t *testing.T) *devman.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.PollRate = 10 * time.Millisecond
	cfg.Devices = []config.Device{{
		Name:     "rtu-1",
		Protocol: "sim",
		Enabled:  true,
		Points: []config.Point{
			{ID: "T-1", Kind: "telemetry", Enabled: true, Value: 42},
			{ID: "S-1", Kind: "signal", Enabled: true, Value: 1},
			{ID: "C-1", Kind: "control", Enabled: true},
			{ID: "A-1", Kind: "adjustment", Enabled: true},
		},
	}}

	m := devman.NewManager(cfg)
	if err := m.LoadFromConfig(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.Start()
	t.Cleanup(m.Stop)

	dev := m.Device("rtu-1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dev.Status() == driver.StateConnected && len(dev.Values()) == 2 {
			return m
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("device did not come up")
	return nil
}

func testServer(t *testing.T, apiKey string) (*Server, http.Handler) {
	t.Helper()
	web := &config.WebConfig{Host: "127.0.0.1", Port: 0, APIKey: apiKey}
	s := NewServer(testManager(t), web)
	t.Cleanup(func() { s.hub.Stop() })
	return s, s.Router()
}

func TestListDevices(t *testing.T) {
	_, h := testServer(t, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var devices []DeviceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "rtu-1" || devices[0].Status != "Connected" {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestDevicePoints(t *testing.T) {
	_, h := testServer(t, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rtu-1/points", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var points []PointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %+v", points)
	}
	for _, p := range points {
		if p.Quality != "Good" {
			t.Errorf("%s quality = %s", p.Point, p.Quality)
		}
	}
}

func TestSinglePoint(t *testing.T) {
	_, h := testServer(t, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rtu-1/points/T-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p PointResponse
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Value != 42.0 || p.Kind != "telemetry" {
		t.Errorf("point = %+v", p)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rtu-1/points/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing point status = %d", rec.Code)
	}
}

func TestUnknownDevice(t *testing.T) {
	_, h := testServer(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ghost/points", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestControlEndpoint(t *testing.T) {
	_, h := testServer(t, "")

	body, _ := json.Marshal(CommandRequest{Point: "C-1", Value: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/rtu-1/control", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp CommandResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Accepted {
		t.Errorf("response = %+v", resp)
	}

	// Wrong value type is a client error.
	body, _ = json.Marshal(CommandRequest{Point: "C-1", Value: 1.0})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/rtu-1/control", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-bool control status = %d", rec.Code)
	}
}

func TestAdjustEndpoint(t *testing.T) {
	_, h := testServer(t, "")

	body, _ := json.Marshal(CommandRequest{Point: "A-1", Value: 12.5})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/rtu-1/adjust", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp CommandResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Accepted {
		t.Errorf("response = %+v", resp)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	_, h := testServer(t, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rtu-1/diagnostics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var snap map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["protocol"] != "sim" {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, h := testServer(t, "")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/rtu-1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Online || resp.Status != "Connected" {
		t.Errorf("health = %+v", resp)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	_, h := testServer(t, "secret")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, h := testServer(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
