package vectorstore

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Factory builds a store from a validated Config.
type Factory func(config Config) (VectorStore, error)

// backendTable maps provider names to the factories linked into the binary.
// Backend packages add themselves from init, the way database/sql drivers do,
// so the engine only pays for the stores it imports.
type backendTable struct {
	mu     sync.RWMutex
	byName map[string]Factory
}

var backends = &backendTable{byName: make(map[string]Factory)}

func (b *backendTable) add(name string, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f == nil {
		panic("vectorstore: nil factory for backend " + name)
	}
	if _, taken := b.byName[name]; taken {
		panic("vectorstore: backend " + name + " registered twice")
	}
	b.byName[name] = f
}

func (b *backendTable) lookup(name string) (Factory, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.byName[name]
	return f, ok
}

func (b *backendTable) names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.byName))
}

// Register links a backend under name. It panics on a nil factory or a
// duplicate name.
func Register(name string, f Factory) {
	backends.add(name, f)
}

// IsRegistered reports whether a backend named name is linked in.
func IsRegistered(name string) bool {
	_, ok := backends.lookup(name)
	return ok
}

// New validates config and opens the backend it names. The backend's package
// must be imported for its side effect.
func New(config Config) (VectorStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	f, ok := backends.lookup(config.Provider)
	if !ok {
		linked := strings.Join(backends.names(), ", ")
		if linked == "" {
			linked = "none"
		}
		return nil, fmt.Errorf("unknown vector store provider %q: backend not linked in (linked: %s)", config.Provider, linked)
	}
	return f(config)
}
