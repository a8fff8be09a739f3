package realm

import "sync"

// Registry maps API keys to realms. Realms are created on first use and are
// never removed.
type Registry struct {
	template Config

	mu     sync.RWMutex
	realms map[string]*Realm
}

// NewRegistry returns a registry whose realms are built from template with
// Key set per realm.
func NewRegistry(template Config) *Registry {
	return &Registry{
		template: template,
		realms:   make(map[string]*Realm),
	}
}

func (r *Registry) Get(key string) (*Realm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	realm, ok := r.realms[key]
	return realm, ok
}

// GetOrCreate returns the realm for key, creating it if needed. Concurrent
// callers with the same key always observe the same realm.
func (r *Registry) GetOrCreate(key string) *Realm {
	if realm, ok := r.Get(key); ok {
		return realm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if realm, ok := r.realms[key]; ok {
		return realm
	}
	cfg := r.template
	cfg.Key = key
	realm := New(cfg)
	r.realms[key] = realm
	return realm
}

// Realms returns a snapshot of all realms.
func (r *Registry) Realms() []*Realm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Realm, 0, len(r.realms))
	for _, realm := range r.realms {
		out = append(out, realm)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.realms)
}

// ClientCount sums the registered clients across all realms.
func (r *Registry) ClientCount() int {
	n := 0
	for _, realm := range r.Realms() {
		n += realm.ClientCount()
	}
	return n
}
