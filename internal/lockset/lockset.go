// Package lockset provides per-key mutual exclusion inside one process.
package lockset

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Set hands out one lock per id. The zero value is ready to use.
type Set struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

// Lock blocks until id is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (s *Set) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[uuid.UUID]*entry)
	}
	e, ok := s.locks[id]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.locks[id] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(id, e, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { s.release(id, e, true) }) }, nil
}

func (s *Set) release(id uuid.UUID, e *entry, held bool) {
	if held {
		<-e.ch
	}
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, id)
	}
	s.mu.Unlock()
}
