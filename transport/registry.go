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

type registryEntry struct {
	build Builder
	caps  *Capabilities
}

// Registry maps PubSubSystem names to builders and capabilities. Names are
// matched case-insensitively; "gochannel" and the empty name select the
// channel transport.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// DefaultRegistry is the registry the transport sub-packages add themselves
// to from init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "gochannel" {
		return "channel"
	}
	return name
}

// Register adds or replaces the builder for name, keeping capabilities that
// were registered before.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := canonicalName(name)
	e := r.entries[key]
	e.build = builder
	r.entries[key] = e
}

func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[canonicalName(name)] = registryEntry{build: builder, caps: &caps}
}

// GetCapabilities returns what a registered transport supports. Unknown
// transports, and ones registered without capabilities, report only their name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[canonicalName(name)]; ok && e.caps != nil {
		return *e.caps
	}
	return Capabilities{Name: name}
}

// Build runs the builder selected by cfg.GetPubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	name := canonicalName(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	t, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	return t, nil
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.build != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[canonicalName(name)]
	return ok && e.build != nil
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build builds a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
