package graph

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key. Waiters honor context cancellation and
// idle keys are released.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires key and returns the function that releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

// Held reports whether key is locked or awaited.
func (k *keyedMutex) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.locks[key]
	return ok
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// stall is a state a call computed but could not checkpoint, on top of the
// durable version it followed.
type stall struct {
	state   State
	version int
}

// stallSet remembers stalls per execution ID until a retry persists them.
type stallSet struct {
	mu     sync.Mutex
	stalls map[string]stall
}

func newStallSet() *stallSet {
	return &stallSet{stalls: make(map[string]stall)}
}

func (s *stallSet) put(id string, state State, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[id] = stall{state: state.Clone(), version: version}
}

// get returns the stall recorded for id on top of version. A stall recorded
// on another version is stale and discarded.
func (s *stallSet) get(id string, version int) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stalls[id]
	if !ok {
		return State{}, false
	}
	if st.version != version {
		delete(s.stalls, id)
		return State{}, false
	}
	return st.state.Clone(), true
}

func (s *stallSet) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stalls, id)
}
