package driver

import (
	"fmt"
	"sort"
	"sync"

	"fieldlink/config"
)

// Factory builds a client for one configured device. The connection
// is not established until Connect is called on the returned client.
type Factory func(cfg *config.Device) (ProtocolClient, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a protocol factory available under the given name.
// Protocol packages call this from init(); registering a duplicate
// name panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("driver: duplicate registration for " + name)
	}
	registry[name] = f
}

// Create builds a client for the device's configured protocol.
func Create(cfg *config.Device) (ProtocolClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil device config")
	}
	registryMu.RLock()
	f, ok := registry[cfg.Protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrUnsupported, cfg.Protocol)
	}
	return f(cfg)
}

// Protocols lists the registered protocol names, sorted.
func Protocols() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
