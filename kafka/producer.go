// Package kafka streams point value changes to a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"fieldlink/config"
	"fieldlink/devman"
	"fieldlink/logging"
)

// PointRecord is the JSON value of each Kafka message. The message
// key is "<device>/<point>" so compacted topics retain the latest
// value per point.
type PointRecord struct {
	Device    string      `json:"device"`
	Point     string      `json:"point"`
	Kind      string      `json:"kind"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp string      `json:"timestamp"`
}

// Producer writes value-change batches to one cluster and topic.
type Producer struct {
	config *config.KafkaConfig
	writer *kafkago.Writer
	mu     sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastErr       error
	lastSendTime  time.Time
}

// NewProducer creates a producer for one cluster config.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{config: cfg}
}

// Name returns the producer's configured name.
func (p *Producer) Name() string { return p.config.Name }

// Start creates the topic writer. Connectivity problems surface on
// the first produce; the writer dials lazily.
func (p *Producer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != nil {
		return nil
	}
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers configured", p.config.Name)
	}

	transport := &kafkago.Transport{DialTimeout: 10 * time.Second}
	if p.config.UseTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	p.writer = &kafkago.Writer{
		Addr:      kafkago.TCP(p.config.Brokers...),
		Topic:     p.config.Topic,
		Balancer:  &kafkago.LeastBytes{},
		Transport: transport,

		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		MaxAttempts:  3,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	logging.DebugLog("kafka", "%s: writer ready for topic %s on %v", p.config.Name, p.config.Topic, p.config.Brokers)
	return nil
}

// Stop closes the writer.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			logging.DebugLog("kafka", "%s: close: %v", p.config.Name, err)
		}
		p.writer = nil
	}
}

// Stats returns send counters and the last error.
func (p *Producer) Stats() (sent, failed int64, lastErr error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastErr
}

// PublishChanges sends one batch of value changes in a single write.
func (p *Producer) PublishChanges(ctx context.Context, changes []devman.ValueChange) error {
	if len(changes) == 0 {
		return nil
	}

	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil {
		return fmt.Errorf("kafka %s: not started", p.config.Name)
	}

	msgs := make([]kafkago.Message, 0, len(changes))
	for _, c := range changes {
		rec := PointRecord{
			Device:    c.Device,
			Point:     string(c.PointID),
			Kind:      c.Kind.String(),
			Value:     c.Value,
			Quality:   c.Quality.String(),
			Timestamp: c.Timestamp.UTC().Format(time.RFC3339),
		}
		value, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		msgs = append(msgs, kafkago.Message{
			Key:   []byte(c.Device + "/" + string(c.PointID)),
			Value: value,
			Time:  c.Timestamp,
		})
	}

	start := time.Now()
	err := writer.WriteMessages(ctx, msgs...)
	if err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(msgs))
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("kafka", "%s: produce failed (%d msgs) after %v: %v",
			p.config.Name, len(msgs), time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(msgs))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}
