package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// aliases maps the names users and stored tasks use onto canonical backend
// names. Unknown names pass through unchanged.
var aliases = map[string]string{
	"openclaw":    NameClaudeCLI,
	"claude":      NameClaudeCLI,
	"claude-code": NameClaudeCLI,
	"code":        NameClaudeCLI,
	"codex":       NameCodexCLI,
}

// Normalize maps a backend name or alias to its canonical form.
func Normalize(name string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[trimmed]; ok {
		return canonical
	}
	return trimmed
}

// Registry holds the executable backends of this daemon.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its canonical name, replacing any previous
// registration.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[Normalize(b.Name())] = b
}

// Resolve returns the backend for a name or alias.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical := Normalize(name)
	b, ok := r.backends[canonical]
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", canonical)
	}
	return b, nil
}

// Names lists registered canonical names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no backend is registered.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends) == 0
}
