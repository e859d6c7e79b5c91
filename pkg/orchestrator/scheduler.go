package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// keyedMutex serializes work per record id while leaving different records
// fully independent. Entries are reference counted so removed records do not
// leak locks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*lockEntry{}}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	entry := k.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// schedule tracks at most one pending timer per record id, so a reschedule
// replaces the previous one and removal can cancel outstanding work.
type schedule struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newSchedule() *schedule {
	return &schedule{timers: map[string]*time.Timer{}}
}

// After schedules fn to run once after d, replacing any timer already
// pending for the id.
func (s *schedule) After(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(d, func() {
		s.forget(id)
		fn()
	})
}

func (s *schedule) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

func (s *schedule) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *schedule) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *schedule) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range maps.Keys(s.timers) {
		s.timers[id].Stop()
	}
	maps.Clear(s.timers)
}
