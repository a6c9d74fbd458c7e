// Package plugins is a process-wide catalog of named hook handlers, so a
// config file can enable handlers by name.
package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/realmpipe/internal/hook"
)

var (
	ErrDuplicatePlugin = errors.New("plugins: already registered")
	ErrUnknownPlugin   = errors.New("plugins: unknown plugin")
)

// Factory builds the handler a proxy installs. It runs once per proxy, not
// per session.
type Factory func() hook.Handler

var (
	mu       sync.RWMutex
	registry = map[string]Factory{
		"log_packets": hook.LogPackets,
	}
)

func Register(name string, f Factory) error {
	name = normalize(name)
	if name == "" || f == nil {
		return fmt.Errorf("plugins: empty name or nil factory")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicatePlugin, name)
	}
	registry[name] = f
	return nil
}

func Get(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[normalize(name)]
	return f, ok
}

// Names lists registered plugins, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build instantiates names in order.
func Build(names ...string) ([]hook.Handler, error) {
	out := make([]hook.Handler, 0, len(names))
	for _, name := range names {
		f, ok := Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
		}
		out = append(out, f())
	}
	return out, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
