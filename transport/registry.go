package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maintains a mapping of address schemes to their builders and capabilities.
// Transport packages should register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Register adds a transport builder to the registry.
// The scheme is the protocol part of the endpoint URIs the family owns (e.g., "lq.tcp", "nats").
func (r *Registry) Register(scheme string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[normalizeScheme(scheme)] = builder
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scheme = normalizeScheme(scheme)
	r.builders[scheme] = builder
	r.capabilities[scheme] = caps
}

// GetCapabilities returns the capabilities for a registered scheme.
// Returns a zero Capabilities struct if the scheme is unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[normalizeScheme(scheme)]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Builder returns the builder registered for scheme.
func (r *Registry) Builder(scheme string) (Builder, error) {
	r.mu.RLock()
	builder, ok := r.builders[normalizeScheme(scheme)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProtocol, scheme, r.Names())
	}
	return builder, nil
}

// Build creates the pub/sub factories for scheme.
func (r *Registry) Build(ctx context.Context, scheme string, cfg Config, logger watermill.LoggerAdapter) (PubSub, error) {
	if cfg == nil {
		return PubSub{}, fmt.Errorf("config is required")
	}
	builder, err := r.Builder(scheme)
	if err != nil {
		return PubSub{}, err
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered schemes in sorted order.
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

// Has returns true if a builder is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[normalizeScheme(scheme)]
	return ok
}

// Register adds a transport builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// RegisterWithCapabilities adds a transport builder and its capabilities to the default registry.
func RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, builder, caps)
}

// Build creates pub/sub factories using the default registry.
func Build(ctx context.Context, scheme string, cfg Config, logger watermill.LoggerAdapter) (PubSub, error) {
	return DefaultRegistry.Build(ctx, scheme, cfg, logger)
}
