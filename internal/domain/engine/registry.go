package engine

import (
	"sync"
)

// slot serialises every read-modify-write of one owner's account while at
// least one completion holds it.
type slot struct {
	mu   sync.Mutex
	refs int
}

// registry hands out one slot per owner with a completion in progress. A
// slot is dropped when its last holder releases it, so idle owners cost
// nothing. Its own lock is held only long enough to find, create or drop a
// slot.
type registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newRegistry() *registry {
	return &registry{slots: make(map[string]*slot)}
}

// acquire returns owner's slot with its reference taken. Every acquire must
// be paired with a release.
func (r *registry) acquire(owner string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[owner]
	if !ok {
		s = &slot{}
		r.slots[owner] = s
	}
	s.refs++
	return s
}

func (r *registry) release(owner string, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.refs == 0 && r.slots[owner] == s {
		delete(r.slots, owner)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
