package gateway

import (
	"sort"
	"sync"
)

// SessionRegistry owns the session map, per-session configs, and the
// per-id creation locks that serialize concurrent lifecycle operations on
// the same session without blocking unrelated sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	configs  map[string]SessionConfig
	locks    map[string]*sync.Mutex
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		configs:  make(map[string]SessionConfig),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock returns the creation lock for id, allocating it on first use. The
// lock outlives the session so a delete/create race still serializes.
func (r *SessionRegistry) Lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Get returns the session for id, or nil.
func (r *SessionRegistry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// GetOrCreate returns the existing session or registers a fresh one.
func (r *SessionRegistry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id)
	r.sessions[id] = s
	return s, true
}

// Remove unregisters a session and returns it, or nil if absent.
func (r *SessionRegistry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// IDs returns the registered session ids, sorted.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// All returns the registered sessions in id order.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, id := range sortedKeys(r.sessions) {
		out = append(out, r.sessions[id])
	}
	return out
}

func sortedKeys(m map[string]*Session) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetConfig stores the behavior profile for a session id. The profile may
// be set before the session exists.
func (r *SessionRegistry) SetConfig(id string, cfg SessionConfig) {
	r.mu.Lock()
	r.configs[id] = cfg
	r.mu.Unlock()
}

// Config returns the profile for id, falling back to defaults.
func (r *SessionRegistry) Config(id string) SessionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[id]; ok {
		return cfg
	}
	return DefaultSessionConfig()
}

// RemoveConfig drops the stored profile for id, reverting it to defaults.
func (r *SessionRegistry) RemoveConfig(id string) {
	r.mu.Lock()
	delete(r.configs, id)
	r.mu.Unlock()
}
