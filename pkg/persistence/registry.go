package persistence

import (
	"fmt"
	"sync"
)

// ProviderConfig selects and configures a storage backend.
type ProviderConfig struct {
	Type string `yaml:"type" json:"type"`
	// Path is the database file for file-backed providers.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Addr, Password and DB configure network-backed providers.
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// PluginFactory creates a RecordStore from provider configuration.
type PluginFactory func(config ProviderConfig) (RecordStore, error)

var (
	registry = make(map[string]PluginFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a store factory for a provider type.
func RegisterProvider(providerType string, factory PluginFactory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewStore creates a RecordStore from provider configuration.
func NewStore(config ProviderConfig) (RecordStore, error) {
	mu.RLock()
	factory, ok := registry[config.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown persistence provider type: %s", config.Type)
	}
	return factory(config)
}

// ListProviders returns registered provider types.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	return providers
}
