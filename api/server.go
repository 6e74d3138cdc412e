// Package api provides a REST and SSE surface over the device
// manager.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldlink/config"
	"fieldlink/devman"
	"fieldlink/driver"
	"fieldlink/point"
)

// DeviceResponse is the JSON shape for device info.
type DeviceResponse struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Address  string `json:"address,omitempty"`
	Status   string `json:"status"`
	LastPoll string `json:"last_poll,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PointResponse is the JSON shape for one point value.
type PointResponse struct {
	Device    string      `json:"device"`
	Point     string      `json:"point"`
	Kind      string      `json:"kind"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// CommandRequest is the JSON body for control and adjust posts.
type CommandRequest struct {
	Point string      `json:"point"`
	Value interface{} `json:"value"`
}

// CommandResponse is the JSON result of a control or adjust post.
type CommandResponse struct {
	Device   string `json:"device"`
	Point    string `json:"point"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse is the JSON shape for device health.
type HealthResponse struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusUpdate is the SSE payload for status-change events.
type statusUpdate struct {
	Device string `json:"device"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Server exposes the device manager over HTTP.
type Server struct {
	manager *devman.Manager
	config  *config.WebConfig
	server  *http.Server
	hub     *eventHub
	running bool
	mu      sync.RWMutex
}

// NewServer creates an API server over the manager.
func NewServer(manager *devman.Manager, cfg *config.WebConfig) *Server {
	return &Server{
		manager: manager,
		config:  cfg,
		hub:     newEventHub(),
	}
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server's base URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	if s.config.APIKey != "" {
		r.Use(apiKeyMiddleware(s.config.APIKey))
	}

	r.Get("/", s.handleListDevices)
	r.Get("/events", s.handleSSE)

	r.Route("/{device}", func(r chi.Router) {
		r.Get("/", s.handleDeviceDetails)
		r.Get("/health", s.handleDeviceHealth)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/points", s.handleDevicePoints)
		r.Get("/points/{point}", s.handleSinglePoint)
		r.Post("/control", s.handleControl)
		r.Post("/adjust", s.handleAdjust)
	})
	return r
}

// Start begins serving HTTP.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server and the SSE hub.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Stop()
	s.running = false
	s.server = nil
	return err
}

// BroadcastChanges pushes a value-change batch to SSE clients.
func (s *Server) BroadcastChanges(changes []devman.ValueChange) {
	for _, c := range changes {
		s.hub.Broadcast(sseEvent{
			Type:   eventValueChange,
			Device: c.Device,
			Data: PointResponse{
				Device:    c.Device,
				Point:     string(c.PointID),
				Kind:      c.Kind.String(),
				Value:     c.Value,
				Quality:   c.Quality.String(),
				Timestamp: c.Timestamp.UTC().Format(time.RFC3339),
			},
		})
	}
}

// BroadcastStatus pushes current device statuses to SSE clients.
func (s *Server) BroadcastStatus() {
	for _, dev := range s.manager.Devices() {
		update := statusUpdate{
			Device: dev.Config.Name,
			Status: dev.Status().String(),
		}
		if err := dev.LastError(); err != nil {
			update.Error = err.Error()
		}
		s.hub.Broadcast(sseEvent{Type: eventStatusChange, Device: update.Device, Data: update})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != key {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) deviceResponse(dev *devman.ManagedDevice) DeviceResponse {
	resp := DeviceResponse{
		Name:     dev.Config.Name,
		Protocol: dev.Config.Protocol,
		Address:  dev.Config.Address,
		Status:   dev.Status().String(),
	}
	if !dev.LastPoll().IsZero() {
		resp.LastPoll = dev.LastPoll().UTC().Format(time.RFC3339)
	}
	if err := dev.LastError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.manager.Devices()
	out := make([]DeviceResponse, 0, len(devices))
	for _, dev := range devices {
		out = append(out, s.deviceResponse(dev))
	}
	writeJSON(w, out)
}

func (s *Server) handleDeviceDetails(w http.ResponseWriter, r *http.Request) {
	dev := s.manager.Device(chi.URLParam(r, "device"))
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, s.deviceResponse(dev))
}

func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	dev := s.manager.Device(chi.URLParam(r, "device"))
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	status := dev.Status()
	resp := HealthResponse{
		Device:    dev.Config.Name,
		Online:    status.String() == "Connected",
		Status:    status.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := dev.LastError(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "device")
	snap, err := s.manager.Diagnostics(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleDevicePoints(w http.ResponseWriter, r *http.Request) {
	dev := s.manager.Device(chi.URLParam(r, "device"))
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	values := dev.Values()
	out := make([]PointResponse, 0, len(values))
	for _, v := range values {
		out = append(out, PointResponse{
			Device:    v.Device,
			Point:     string(v.PointID),
			Kind:      v.Kind.String(),
			Value:     v.Value,
			Quality:   v.Quality.String(),
			Timestamp: v.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleSinglePoint(w http.ResponseWriter, r *http.Request) {
	dev := s.manager.Device(chi.URLParam(r, "device"))
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	pointID := chi.URLParam(r, "point")
	for _, v := range dev.Values() {
		if string(v.PointID) == pointID {
			writeJSON(w, PointResponse{
				Device:    v.Device,
				Point:     string(v.PointID),
				Kind:      v.Kind.String(),
				Value:     v.Value,
				Quality:   v.Quality.String(),
				Timestamp: v.Timestamp.UTC().Format(time.RFC3339),
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "point not found")
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	value, ok := req.Value.(bool)
	if !ok {
		writeError(w, http.StatusBadRequest, "control value must be a boolean")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := s.manager.WriteControl(ctx, device, []point.Control{
		{ID: point.ID(req.Point), Command: value},
	})
	s.writeCommandResult(w, device, req.Point, result, err)
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	value, ok := req.Value.(float64)
	if !ok {
		writeError(w, http.StatusBadRequest, "adjust value must be a number")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := s.manager.WriteAdjustment(ctx, device, []point.Adjustment{
		{ID: point.ID(req.Point), Value: value},
	})
	s.writeCommandResult(w, device, req.Point, result, err)
}

func (s *Server) writeCommandResult(w http.ResponseWriter, device, pointID string, result *driver.WriteResult, err error) {
	resp := CommandResponse{Device: device, Point: pointID}
	if err != nil {
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(resp)
		return
	}
	if result != nil && len(result.Outcomes) > 0 {
		resp.Accepted = result.Outcomes[0].Accepted
		resp.Reason = result.Outcomes[0].Reason
	}
	writeJSON(w, resp)
}
