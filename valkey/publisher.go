// Package valkey mirrors current point values into a Valkey/Redis
// server as JSON keys and announces changes on a pub/sub channel.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldlink/config"
	"fieldlink/devman"
	"fieldlink/logging"
)

// joinKey joins key segments with colons, trimming stray colons so
// no empty key parts appear.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// PointMessage is the JSON value stored per point key.
type PointMessage struct {
	Device    string      `json:"device"`
	Point     string      `json:"point"`
	Kind      string      `json:"kind"`
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON value stored per device health key.
type HealthMessage struct {
	Device    string    `json:"device"`
	Protocol  string    `json:"protocol"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher mirrors point values into one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	onConnect func()
}

// NewPublisher creates a Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig) *Publisher {
	return &Publisher{config: cfg}
}

// Name returns the publisher's configured name.
func (p *Publisher) Name() string { return p.config.Name }

// SetOnConnect sets a callback fired after each successful connect,
// used to seed the full current value set.
func (p *Publisher) SetOnConnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = fn
}

// Start connects and pings the server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugLog("valkey", "connecting to %s (db %d)", p.config.Address, p.config.Database)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect valkey %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	onConnect := p.onConnect
	p.mu.Unlock()

	if onConnect != nil {
		go onConnect()
	}
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// pointKey builds the key for one point value.
func (p *Publisher) pointKey(device, pointID string) string {
	return joinKey(p.config.KeyPrefix, "points", device, pointID)
}

// healthKey builds the key for one device health record.
func (p *Publisher) healthKey(device string) string {
	return joinKey(p.config.KeyPrefix, "health", device)
}

// PublishChanges stores a batch of value changes and announces each
// one on the configured channel.
func (p *Publisher) PublishChanges(ctx context.Context, changes []devman.ValueChange) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return fmt.Errorf("valkey %s: not connected", p.config.Name)
	}

	pipe := client.Pipeline()
	ttl := time.Duration(p.config.TTL) * time.Second

	for _, c := range changes {
		msg := PointMessage{
			Device:    c.Device,
			Point:     string(c.PointID),
			Kind:      c.Kind.String(),
			Value:     c.Value,
			Quality:   c.Quality.String(),
			Timestamp: c.Timestamp,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		key := p.pointKey(c.Device, string(c.PointID))
		pipe.Set(ctx, key, payload, ttl)
		if p.config.Channel != "" {
			pipe.Publish(ctx, p.config.Channel, payload)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		logging.DebugLog("valkey", "%s: publish batch failed: %v", p.config.Name, err)
		return fmt.Errorf("valkey publish: %w", err)
	}
	return nil
}

// PublishHealth stores one device health record.
func (p *Publisher) PublishHealth(ctx context.Context, msg HealthMessage) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return fmt.Errorf("valkey %s: not connected", p.config.Name)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ttl := time.Duration(p.config.TTL) * time.Second
	return client.Set(ctx, p.healthKey(msg.Device), payload, ttl).Err()
}
