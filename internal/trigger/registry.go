package trigger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"triggerd/internal/eventbus"
)

// Factory constructs an unconfigured Source.
type Factory func() Source

// Registry is the default Loader: it maps trigger type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var _ Loader = (*Registry)(nil)

// NewRegistry returns a Registry with the built-in sources registered:
// timer, cron, manual and session_event (bound to bus).
func NewRegistry(bus *eventbus.Bus) *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(string(KindTimer), func() Source { return NewTimer() })
	r.Register("cron", func() Source { return NewCron() })
	r.Register(string(KindManual), func() Source { return NewManual() })
	r.Register(string(KindSessionEvent), func() Source { return NewSessionEvent(bus) })
	return r
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load builds and configures the source for cfg. An empty type means manual.
func (r *Registry) Load(cfg Config) (Source, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	if typ == "" {
		typ = string(KindManual)
	}
	r.mu.RLock()
	f := r.factories[typ]
	r.mu.RUnlock()
	if f == nil {
		return nil, &ConfigError{Type: typ, Err: fmt.Errorf("unknown trigger type (known: %s)", strings.Join(r.Types(), ", "))}
	}
	src := f()
	if err := src.Configure(cfg.Config); err != nil {
		if IsConfigError(err) {
			return nil, err
		}
		return nil, &ConfigError{Type: typ, Err: err}
	}
	return src, nil
}
