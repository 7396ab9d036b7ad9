// Package registry tracks the plugins a daemon knows about. A name can be
// registered once; the holder of the returned Handle is the only one that
// can take it away again.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/bus"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/otel"
)

var (
	ErrConflict = errors.New("plugin with same name already exists")
	ErrNotFound = errors.New("plugin not registered")
)

// Registration sources.
const (
	SourceSocket = "socket"
	SourcePoll   = "poll"
	SourceLocal  = "local"
)

type Config struct {
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Registry struct {
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*Handle
}

func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  logger,
		plugins: map[string]*Handle{},
	}
}

// Handle is one registration. Deregister removes it at most once.
type Handle struct {
	reg    *Registry
	plugin manifest.RegisteredPlugin
	source string
	once   sync.Once
	done   chan struct{}
	reason string
}

func (h *Handle) Plugin() manifest.RegisteredPlugin { return h.plugin }

func (h *Handle) Name() string { return h.plugin.Manifest.Name }

func (h *Handle) Source() string { return h.source }

// Done is closed once the registration has been removed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Reason is the deregistration reason, valid once Done is closed.
func (h *Handle) Reason() string { return h.reason }

// Deregister removes the registration and publishes a deregistration event.
// Only the first call has any effect; it reports whether it did.
func (h *Handle) Deregister(reason string) bool {
	removed := false
	h.once.Do(func() {
		h.reason = reason
		defer close(h.done)
		r := h.reg
		r.mu.Lock()
		if r.plugins[h.Name()] == h {
			delete(r.plugins, h.Name())
			removed = true
		}
		r.mu.Unlock()
		if !removed {
			return
		}
		r.metrics.RegistrationDelta(context.Background(), -1, h.source)
		r.logger.Info("plugin deregistered", "plugin", h.Name(), "source", h.source, "reason", reason)
		if r.bus != nil {
			r.bus.Publish(bus.TopicPluginDeregistered, bus.PluginEvent{
				Name:   h.Name(),
				Addr:   h.plugin.Addr,
				Source: h.source,
				Reason: reason,
			})
		}
	})
	return removed
}

// Register stores p under its manifest name. A name that is already taken
// yields ErrConflict and leaves the existing registration untouched.
func (r *Registry) Register(ctx context.Context, p manifest.RegisteredPlugin, source string) (*Handle, error) {
	name := p.Manifest.Name
	if name == "" {
		return nil, manifest.ErrInvalid
	}
	h := &Handle{reg: r, plugin: p, source: source, done: make(chan struct{})}

	r.mu.Lock()
	if _, exists := r.plugins[name]; exists {
		r.mu.Unlock()
		audit.Record(audit.Deny, "registry.register", "duplicate plugin name", name)
		r.logger.Warn("plugin registration rejected", "plugin", name, "source", source, "error", ErrConflict)
		return nil, ErrConflict
	}
	r.plugins[name] = h
	r.mu.Unlock()

	r.metrics.RegistrationDelta(ctx, 1, source)
	r.logger.Info("plugin registered", "plugin", name, "addr", p.Addr, "source", source)
	if r.bus != nil {
		r.bus.Publish(bus.TopicPluginRegistered, bus.PluginEvent{Name: name, Addr: p.Addr, Source: source})
	}
	return h, nil
}

// Remove deregisters name regardless of who registered it.
func (r *Registry) Remove(name, reason string) error {
	r.mu.RLock()
	h, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	h.Deregister(reason)
	return nil
}

func (r *Registry) Get(name string) (manifest.RegisteredPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.plugins[name]
	if !ok {
		return manifest.RegisteredPlugin{}, false
	}
	return h.plugin, true
}

// List returns every registered plugin sorted by name.
func (r *Registry) List() []manifest.RegisteredPlugin {
	r.mu.RLock()
	out := make([]manifest.RegisteredPlugin, 0, len(r.plugins))
	for _, h := range r.plugins {
		out = append(out, h.plugin)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Handles returns the registrations that came from source.
func (r *Registry) Handles(source string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.plugins {
		if h.source == source {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
