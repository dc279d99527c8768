package presence

import (
	"fmt"
	"sync"
)

// Registry tracks all currently-connected participants.
// All methods are safe for concurrent use; a single mutex serializes every
// operation, which is sufficient for an insert/update/delete-dominated
// workload at tens to low hundreds of participants.
type Registry struct {
	mu           sync.Mutex
	participants map[string]*Participant // connection id → participant
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
	}
}

// Insert registers a new participant.
//
// Precondition: p must be non-nil with a non-empty ID.
// Postcondition: Returns an error if the ID is already registered; the
// existing entry is left untouched in that case.
func (r *Registry) Insert(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[p.ID]; exists {
		return fmt.Errorf("participant %q already connected", p.ID)
	}
	r.participants[p.ID] = p
	return nil
}

// Get returns a copy of the participant with the given connection id.
//
// Postcondition: Returns (participant, true) if found, or (zero, false) otherwise.
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Update applies mutate to the participant with the given id while holding
// the registry lock. An absent id is a no-op: the connection raced with a
// close, which is not an error.
//
// Precondition: mutate must not call back into the Registry.
// Postcondition: Reports whether a participant was found and mutated.
func (r *Registry) Update(id string, mutate func(*Participant)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return false
	}
	mutate(p)
	return true
}

// Remove deletes the participant with the given id.
//
// Postcondition: Reports whether an entry was actually deleted. Callers use
// this as the guard against double-broadcasting a departure.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; !ok {
		return false
	}
	delete(r.participants, id)
	return true
}

// Snapshot returns a point-in-time copy of every participant keyed by
// connection id. Later registry mutation never changes a returned snapshot.
func (r *Registry) Snapshot() map[string]Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Participant, len(r.participants))
	for id, p := range r.participants {
		out[id] = *p
	}
	return out
}

// Count returns the number of connected participants.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
