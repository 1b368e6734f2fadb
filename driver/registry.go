package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownDriver is returned by Registry.Build for an unregistered name.
var ErrUnknownDriver = errors.New("driver: unknown driver")

// Settings is what a Factory receives to build a driver.
type Settings struct {
	// Options are provider specific keys (zone_id, api_token, endpoint, ...).
	Options map[string]string
	HTTP    HTTPDoer
	Tracer  trace.TracerProvider
}

// Option returns the named option or "".
func (s Settings) Option(key string) string { return s.Options[key] }

// Factory builds a driver from settings.
type Factory func(Settings) (Driver, error)

// Registry maps driver names to factories. Build one at startup and
// register the providers the deployment supports.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Safe to call concurrently.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered drivers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build creates the named driver.
func (r *Registry) Build(name string, s Settings) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return f(s)
}
