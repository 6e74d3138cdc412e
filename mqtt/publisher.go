// Package mqtt publishes point values to an MQTT broker and accepts
// command writes over it.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"fieldlink/config"
	"fieldlink/devman"
	"fieldlink/logging"
	"fieldlink/point"
)

// MaxWriteWorkers bounds concurrent command executions per publisher.
const MaxWriteWorkers = 3

// MaxWriteQueueSize bounds pending command jobs per publisher.
const MaxWriteQueueSize = 100

// WriteHandler executes a command arriving over MQTT. Value is a
// bool for controls and a float64 for adjustments.
type WriteHandler func(device string, id point.ID, value interface{}) error

// writeJob is a pending command from a write topic.
type writeJob struct {
	client  pahomqtt.Client
	device  string
	pointID point.ID
	raw     interface{}
	value   interface{}
	handler WriteHandler
	err     error
}

// PointMessage is the JSON structure published per point.
type PointMessage struct {
	Device    string      `json:"device"`
	Point     string      `json:"point"`
	Kind      string      `json:"kind"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON structure accepted on write topics.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON structure published after a write.
type WriteResponse struct {
	Device    string      `json:"device"`
	Point     string      `json:"point"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Publisher maintains one broker connection and publishes changed
// point values to it.
type Publisher struct {
	config  *config.MQTTConfig
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Last published values, to suppress republishing unchanged data.
	lastValues map[string]string
	lastMu     sync.RWMutex

	writeHandler WriteHandler

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates an MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig) *Publisher {
	return &Publisher{
		config:     cfg,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's configured name.
func (p *Publisher) Name() string { return p.config.Name }

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetWriteHandler sets the callback that executes incoming commands.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// Start connects to the broker and subscribes to write topics when
// writes are enabled.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	if p.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "connecting to broker %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		return token.Error()
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force a full republish on reconnect.
	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	p.startWriteWorkers()
	if p.config.EnableWrites {
		p.subscribeWriteTopic(client)
	}
	return nil
}

// Stop disconnects from the broker and stops the write workers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// BuildTopic returns the publish topic for one point.
func (p *Publisher) BuildTopic(device string, id point.ID) string {
	return fmt.Sprintf("%s/%s/points/%s", p.config.RootTopic, device, id)
}

// Publish sends one value change if it differs from what was last
// published. Returns true when a message went out.
func (p *Publisher) Publish(change devman.ValueChange, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := change.Device + "/" + string(change.PointID)
	fingerprint := fmt.Sprintf("%v|%s", change.Value, change.Quality)

	p.lastMu.RLock()
	last, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()
	if exists && !force && last == fingerprint {
		return false
	}

	msg := PointMessage{
		Device:    change.Device,
		Point:     string(change.PointID),
		Kind:      change.Kind.String(),
		Value:     change.Value,
		Quality:   change.Quality.String(),
		Timestamp: change.Timestamp.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	token := client.Publish(p.BuildTopic(change.Device, change.PointID), p.config.QoS, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = fingerprint
	p.lastMu.Unlock()
	return true
}

// PublishAll sends a batch of changes.
func (p *Publisher) PublishAll(changes []devman.ValueChange, force bool) {
	for _, c := range changes {
		p.Publish(c, force)
	}
}

// subscribeWriteTopic subscribes to root/+/write/+ and routes command
// payloads to the write queue.
func (p *Publisher) subscribeWriteTopic(client pahomqtt.Client) {
	topic := fmt.Sprintf("%s/+/write/+", p.config.RootTopic)
	token := client.Subscribe(topic, p.config.QoS, p.handleWriteMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() == nil {
		logging.DebugLog("mqtt", "subscribed to %s", topic)
	} else {
		logging.DebugLog("mqtt", "subscribe %s failed: %v", topic, token.Error())
	}
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	// Topic shape: root/<device>/write/<point>
	parts := strings.Split(strings.TrimPrefix(msg.Topic(), p.config.RootTopic+"/"), "/")
	if len(parts) != 3 || parts[1] != "write" {
		return
	}
	device, pointID := parts[0], point.ID(parts[2])

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		p.queueErrorResponse(client, device, pointID, nil, fmt.Errorf("bad payload: %w", err))
		return
	}

	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()
	if handler == nil {
		p.queueErrorResponse(client, device, pointID, req.Value, fmt.Errorf("writes not configured"))
		return
	}

	job := writeJob{
		client:  client,
		device:  device,
		pointID: pointID,
		raw:     req.Value,
		value:   req.Value,
		handler: handler,
	}
	select {
	case p.writeQueue <- job:
	default:
		logging.DebugLog("mqtt", "write queue full, dropping command for %s/%s", device, pointID)
	}
}

func (p *Publisher) queueErrorResponse(client pahomqtt.Client, device string, id point.ID, raw interface{}, err error) {
	job := writeJob{client: client, device: device, pointID: id, raw: raw, err: err}
	select {
	case p.writeQueue <- job:
	default:
	}
}

func (p *Publisher) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
}

func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.writeQueue:
			if !ok {
				return
			}
			writeErr := job.err
			if writeErr == nil && job.handler != nil {
				logging.DebugLog("mqtt", "executing write %s/%s = %v", job.device, job.pointID, job.value)
				writeErr = job.handler(job.device, job.pointID, job.value)
				if writeErr != nil {
					logging.DebugLog("mqtt", "write failed: %v", writeErr)
				}
			}
			p.publishWriteResponse(job.client, job.device, job.pointID, job.raw, writeErr)
		}
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, device string, id point.ID, value interface{}, writeErr error) {
	if client == nil {
		return
	}
	resp := WriteResponse{
		Device:    device,
		Point:     string(id),
		Value:     value,
		Success:   writeErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if writeErr != nil {
		resp.Error = writeErr.Error()
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/write/%s/response", p.config.RootTopic, device, id)
	client.Publish(topic, p.config.QoS, false, payload).WaitTimeout(2 * time.Second)
}
