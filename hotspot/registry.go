package hotspot

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry owns a set of independent sessions keyed by id
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	runner   Runner
	cfg      SessionConfig
	metrics  *Metrics
}

func NewRegistry(runner Runner, cfg SessionConfig, metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		runner:   runner,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Create opens a new session with its own cache
func (r *Registry) Create(opts ...SessionOption) *Session {
	return r.CreateWithID(uuid.NewString(), opts...)
}

// CreateWithID opens a session under a caller-chosen id, replacing and
// closing any session already registered there
func (r *Registry) CreateWithID(id string, opts ...SessionOption) *Session {
	opts = append([]SessionOption{WithSessionID(id), WithSessionMetrics(r.metrics)}, opts...)
	s := NewSession(r.runner, r.cfg, opts...)

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Dispose closes the session and forgets it
func (r *Registry) Dispose(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// IDs returns the registered session ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disposes every session
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}
