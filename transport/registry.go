package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var ErrUnknownTransport = errors.New("transport: unknown transport")

// Registry maps transport names and aliases to builders.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
	aliases      map[string]string
}

// DefaultRegistry is the registry transport packages add themselves to.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
		aliases:      make(map[string]string),
	}
}

// Register adds a builder under name. Later registrations replace earlier ones.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// RegisterWithCapabilities adds a builder and its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// Alias makes alias resolve to the transport registered as name.
func (r *Registry) Alias(alias, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = name
}

// Resolve maps a configured system name to a registered transport name.
// Matching is case-insensitive and an empty name resolves to "rabbitmq".
func (r *Registry) Resolve(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "rabbitmq"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

// GetCapabilities returns a zero Capabilities carrying only the name when the
// transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	name = r.Resolve(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport selected by cfg.GetPubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, ErrConfigRequired
	}
	name := r.Resolve(cfg.GetPubSubSystem())

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered transport names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	name = r.Resolve(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
