package metadata

import (
	"reflect"
	"sort"
	"sync"
)

// ChangeListener is told which model changed. Listeners must not block.
type ChangeListener func(model string, version int64)

// Registry stores the current definitions. It is a versioned cache: every
// Replace bumps the version and notifies listeners for each model whose
// definition was added, changed or removed.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*Model
	version   int64
	listeners []ChangeListener
}

func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*Model),
	}
}

// OnChange registers a listener.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Replace swaps the whole definition set and returns the names that changed.
func (r *Registry) Replace(models []*Model) []string {
	next := make(map[string]*Model, len(models))
	for _, m := range models {
		next[m.Name] = m
	}

	r.mu.Lock()
	var changed []string
	for name, m := range next {
		if prev, ok := r.models[name]; !ok || !reflect.DeepEqual(prev, m) {
			changed = append(changed, name)
		}
	}
	for name := range r.models {
		if _, ok := next[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	r.models = next
	r.version++
	version := r.version
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.Unlock()

	for _, name := range changed {
		for _, fn := range listeners {
			fn(name, version)
		}
	}
	return changed
}

func (r *Registry) Get(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// List returns the definitions sorted by name.
func (r *Registry) List() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Version is incremented by every Replace.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
