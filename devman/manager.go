// Package devman provides field device connection management with
// background polling, reconnection and change detection.
package devman

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldlink/config"
	"fieldlink/diag"
	"fieldlink/driver"
	"fieldlink/logging"
	"fieldlink/point"
	"fieldlink/poll"
)

// ValueChange represents an input point value that has changed.
type ValueChange struct {
	Device    string
	PointID   point.ID
	Kind      point.Kind
	Value     interface{} // float64 for telemetry, bool for signals
	Quality   point.Quality
	Timestamp time.Time
}

// cachedValue is the last known state of one input point.
type cachedValue struct {
	value   interface{}
	quality point.Quality
	stamp   time.Time
}

// ManagedDevice represents a field device under management.
type ManagedDevice struct {
	Config *config.Device
	Client driver.ProtocolClient

	mu        sync.RWMutex
	values    map[point.ID]cachedValue
	kinds     map[point.ID]point.Kind
	lastError error
	lastPoll  time.Time
}

// Status returns the device connection state.
func (d *ManagedDevice) Status() driver.ConnState {
	return d.Client.ConnectionState()
}

// LastError returns the last poll or connect error.
func (d *ManagedDevice) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastError
}

// LastPoll returns the time of the last successful poll.
func (d *ManagedDevice) LastPoll() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastPoll
}

// Values returns a copy of the current cached point values.
func (d *ManagedDevice) Values() []ValueChange {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]ValueChange, 0, len(d.values))
	for id, v := range d.values {
		out = append(out, ValueChange{
			Device:    d.Config.Name,
			PointID:   id,
			Kind:      d.kinds[id],
			Value:     v.value,
			Quality:   v.quality,
			Timestamp: v.stamp,
		})
	}
	return out
}

func (d *ManagedDevice) setError(err error) {
	d.mu.Lock()
	d.lastError = err
	d.mu.Unlock()
}

// worker supervises one device: reconnection, the poll engine and the
// event drain when the driver is event-capable.
type worker struct {
	dev     *ManagedDevice
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	eng      *poll.Engine
	pollRate time.Duration

	unsubscribe func()
}

func newWorker(dev *ManagedDevice, manager *Manager, pollRate time.Duration) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		dev:      dev,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's supervision loop.
func (w *worker) Start() {
	w.eng = poll.New(w.dev.Client)
	w.eng.SetOnData(w.onPollData)
	w.eng.SetOnError(w.onPollError)

	if ev, ok := w.dev.Client.(driver.EventDrivenProtocol); ok {
		ch, cancel := ev.Subscribe(driver.SubscribeOptions{Policy: driver.DropOldest})
		w.unsubscribe = cancel
		w.wg.Add(1)
		go w.drainEvents(ch)
	}

	w.wg.Add(1)
	go w.superviseLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *worker) Stop() {
	w.cancel()
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	_ = w.eng.Stop()
	w.wg.Wait()
}

func (w *worker) superviseLoop() {
	defer w.wg.Done()

	// First connect attempt happens immediately, then the ticker
	// takes over.
	w.supervise()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.supervise()
		}
	}
}

// supervise reconciles the device toward connected-and-polling.
func (w *worker) supervise() {
	dev := w.dev
	if !dev.Config.Enabled {
		return
	}

	switch dev.Status() {
	case driver.StateConnected:
	case driver.StateConnecting, driver.StateDisconnecting:
		return
	default:
		// Disconnected or Faulted: stale out cached inputs, then
		// reconnect.
		w.markStale()
		_ = w.eng.Stop()

		ctx, cancel := context.WithTimeout(w.ctx, w.pollRate)
		err := dev.Client.Connect(ctx)
		cancel()
		if err != nil {
			dev.setError(err)
			w.manager.markStatusDirty()
			return
		}
		dev.setError(nil)
		w.manager.markStatusDirty()
		logging.DebugLog("devman", "%s: connected", dev.Config.Name)
	}

	if !w.eng.IsPolling() {
		err := w.eng.Start(driver.PollingConfig{
			Interval:  w.pollRate,
			Request:   driver.ReadAll(),
			Jitter:    w.pollRate / 10,
			OnFailure: driver.FailureSkip,
		})
		if err != nil && err != driver.ErrAlreadyPolling {
			dev.setError(err)
		}
	}
}

func (w *worker) onPollData(resp *driver.ReadResponse) {
	changes := w.applyResponse(resp)
	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

func (w *worker) onPollError(err error) {
	w.dev.setError(err)
	w.manager.markStatusDirty()
	logging.DebugLog("devman", "%s: poll: %v", w.dev.Config.Name, err)
}

// applyResponse folds a poll result into the cache and returns the
// detected changes.
func (w *worker) applyResponse(resp *driver.ReadResponse) []ValueChange {
	dev := w.dev

	var changes []ValueChange
	dev.mu.Lock()
	for _, t := range resp.Telemetry {
		if c := dev.update(t.ID, point.KindTelemetry, t.Value, t.Quality, t.Timestamp); c != nil {
			changes = append(changes, *c)
		}
	}
	for _, s := range resp.Signals {
		if c := dev.update(s.ID, point.KindSignal, s.Value, s.Quality, s.Timestamp); c != nil {
			changes = append(changes, *c)
		}
	}
	dev.lastPoll = resp.FetchedAt
	dev.lastError = nil
	dev.mu.Unlock()
	return changes
}

// update stores one value and returns a ValueChange if it differs
// from the cache. Caller holds dev.mu.
func (d *ManagedDevice) update(id point.ID, kind point.Kind, value interface{}, q point.Quality, ts time.Time) *ValueChange {
	old, existed := d.values[id]
	d.values[id] = cachedValue{value: value, quality: q, stamp: ts}
	d.kinds[id] = kind

	if existed && old.value == value && old.quality == q {
		return nil
	}
	return &ValueChange{
		Device:    d.Config.Name,
		PointID:   id,
		Kind:      kind,
		Value:     value,
		Quality:   q,
		Timestamp: ts,
	}
}

// markStale downgrades all cached input values to Stale quality when
// the connection is lost, emitting changes for subscribers.
func (w *worker) markStale() {
	dev := w.dev
	now := time.Now()

	var changes []ValueChange
	dev.mu.Lock()
	for id, v := range dev.values {
		if v.quality == point.QualityStale {
			continue
		}
		v.quality = point.QualityStale
		dev.values[id] = v
		changes = append(changes, ValueChange{
			Device:    dev.Config.Name,
			PointID:   id,
			Kind:      dev.kinds[id],
			Value:     v.value,
			Quality:   point.QualityStale,
			Timestamp: now,
		})
	}
	dev.mu.Unlock()

	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
}

// drainEvents folds spontaneous driver events into the cache.
func (w *worker) drainEvents(ch <-chan driver.DataEvent) {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			dev := w.dev
			var change *ValueChange
			dev.mu.Lock()
			switch {
			case ev.Telemetry != nil:
				t := ev.Telemetry
				change = dev.update(t.ID, point.KindTelemetry, t.Value, t.Quality, t.Timestamp)
			case ev.Signal != nil:
				s := ev.Signal
				change = dev.update(s.ID, point.KindSignal, s.Value, s.Quality, s.Timestamp)
			}
			dev.mu.Unlock()
			if change != nil {
				w.manager.sendChanges([]ValueChange{*change})
				w.manager.markStatusDirty()
			}
		}
	}
}

// Manager manages multiple device connections and polling.
type Manager struct {
	devices map[string]*ManagedDevice
	workers map[string]*worker
	mu      sync.RWMutex

	cfg           *config.Config
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange      func()
	onValueChange func(changes []ValueChange)

	changeChan  chan []ValueChange
	statusDirty int32
}

// NewManager creates a device manager over the given config.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		devices:       make(map[string]*ManagedDevice),
		workers:       make(map[string]*worker),
		cfg:           cfg,
		batchInterval: 100 * time.Millisecond,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetOnChange sets a callback that fires when device status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires with batched value
// changes.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// markStatusDirty signals that status consumers need a refresh.
func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel, dropping
// the oldest batch under pressure.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		select {
		case <-m.changeChan:
			logging.DebugLog("devman", "change channel full, dropped oldest batch")
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddDevice creates the protocol client for a device config and adds
// it to management. Adding an existing name is a no-op.
func (m *Manager) AddDevice(cfg *config.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[cfg.Name]; exists {
		return nil
	}

	client, err := driver.Create(cfg)
	if err != nil {
		return fmt.Errorf("device %s: %w", cfg.Name, err)
	}

	dev := &ManagedDevice{
		Config: cfg,
		Client: client,
		values: make(map[point.ID]cachedValue),
		kinds:  make(map[point.ID]point.Kind),
	}
	m.devices[cfg.Name] = dev

	if m.ctx != nil {
		w := newWorker(dev, m, m.cfg.EffectivePollRate(cfg))
		m.workers[cfg.Name] = w
		w.Start()
	}
	return nil
}

// RemoveDevice stops and disconnects a device.
func (m *Manager) RemoveDevice(name string) error {
	m.mu.Lock()
	dev, exists := m.devices[name]
	w := m.workers[name]
	if exists {
		delete(m.devices, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if exists {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dev.Client.Disconnect(ctx); err != nil {
			logging.DebugLog("devman", "%s: disconnect: %v", name, err)
		}
	}
	m.markStatusDirty()
	return nil
}

// Device returns the managed device with the given name, or nil.
func (m *Manager) Device(name string) *ManagedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[name]
}

// Devices returns all managed devices.
func (m *Manager) Devices() []*ManagedDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ManagedDevice, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, dev)
	}
	return out
}

// LoadFromConfig adds all devices from configuration.
func (m *Manager) LoadFromConfig() error {
	for i := range m.cfg.Devices {
		if err := m.AddDevice(&m.cfg.Devices[i]); err != nil {
			return err
		}
	}
	return nil
}

// Start begins background supervision for all devices.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, dev := range m.devices {
		w := newWorker(dev, m, m.cfg.EffectivePollRate(dev.Config))
		m.workers[name] = w
		w.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()
}

// Stop halts all background polling and disconnects every device.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	devices := make([]*ManagedDevice, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	for _, dev := range devices {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dev.Client.Disconnect(ctx); err != nil {
			logging.DebugLog("devman", "%s: disconnect: %v", dev.Config.Name, err)
		}
		cancel()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and fires callbacks at a
// controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pending []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			if len(pending) > 0 {
				m.flushValueChanges(pending)
			}
			return

		case changes := <-m.changeChan:
			pending = append(pending, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}
			if len(pending) > 0 {
				m.flushValueChanges(pending)
				pending = nil
			}
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

// WriteControl sends a digital command to a device.
func (m *Manager) WriteControl(ctx context.Context, device string, cmds []point.Control) (*driver.WriteResult, error) {
	dev := m.Device(device)
	if dev == nil {
		return nil, fmt.Errorf("device not found: %s", device)
	}
	return dev.Client.WriteControl(ctx, cmds)
}

// WriteAdjustment sends an analog setpoint to a device.
func (m *Manager) WriteAdjustment(ctx context.Context, device string, cmds []point.Adjustment) (*driver.WriteResult, error) {
	dev := m.Device(device)
	if dev == nil {
		return nil, fmt.Errorf("device not found: %s", device)
	}
	return dev.Client.WriteAdjustment(ctx, cmds)
}

// Diagnostics returns the diagnostics snapshot for one device.
func (m *Manager) Diagnostics(device string) (diag.Snapshot, error) {
	dev := m.Device(device)
	if dev == nil {
		return diag.Snapshot{}, fmt.Errorf("device not found: %s", device)
	}
	return dev.Client.Diagnostics()
}

// AllCurrentValues returns every cached value across all devices.
// Used for the initial publish when a broker connects.
func (m *Manager) AllCurrentValues() []ValueChange {
	var out []ValueChange
	for _, dev := range m.Devices() {
		out = append(out, dev.Values()...)
	}
	return out
}
