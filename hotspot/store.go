package hotspot

import (
	"sync"

	"github.com/google/uuid"
)

// IncidentStore is the ordered, de-duplicated set of known incidents.
// Upserting an existing id replaces the record in place.
type IncidentStore struct {
	mu       sync.RWMutex
	items    []Incident
	index    map[string]int
	capacity int
	version  uint64
}

// NewIncidentStore creates a store that keeps at most capacity incidents,
// dropping the oldest first. Zero means unbounded.
func NewIncidentStore(capacity int) *IncidentStore {
	return &IncidentStore{
		index:    make(map[string]int),
		capacity: capacity,
	}
}

// Upsert adds or replaces incidents and returns how many were new.
// Incidents without an id are assigned one.
func (s *IncidentStore) Upsert(incidents ...Incident) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(incidents)
}

func (s *IncidentStore) upsertLocked(incidents []Incident) int {
	added := 0
	for _, inc := range incidents {
		if inc.ID == "" {
			inc.ID = uuid.NewString()
		}
		if i, ok := s.index[inc.ID]; ok {
			s.items[i] = inc
			continue
		}
		s.index[inc.ID] = len(s.items)
		s.items = append(s.items, inc)
		added++
	}
	if s.capacity > 0 && len(s.items) > s.capacity {
		drop := len(s.items) - s.capacity
		s.items = append([]Incident(nil), s.items[drop:]...)
		s.reindexLocked()
	}
	s.version++
	return added
}

// Replace swaps the whole contents for incidents
func (s *IncidentStore) Replace(incidents []Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.index = make(map[string]int)
	s.upsertLocked(incidents)
}

func (s *IncidentStore) reindexLocked() {
	s.index = make(map[string]int, len(s.items))
	for i, inc := range s.items {
		s.index[inc.ID] = i
	}
}

// Snapshot returns copies of the incidents matching q in store order
func (s *IncidentStore) Snapshot(q IncidentQuery) []Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneIncidents(q.Apply(s.items))
}

func (s *IncidentStore) Get(id string) (Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Incident{}, false
	}
	return cloneIncidents(s.items[i : i+1])[0], true
}

func (s *IncidentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Version increments on every change
func (s *IncidentStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
