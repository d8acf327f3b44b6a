package pool

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore whose permit ceiling can be changed at
// runtime. Raising the limit wakes queued waiters immediately; lowering it
// never interrupts permit holders, the surplus is absorbed as they release.
// Waiters are woken in FIFO order.
type Semaphore struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiters []chan struct{}
}

// NewSemaphore creates a semaphore with the given permit ceiling (minimum 1)
func NewSemaphore(limit int) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	return &Semaphore{limit: limit}
}

// Acquire blocks until a permit is available or ctx is done
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.active < s.limit {
		s.active++
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// A permit was granted concurrently with cancellation; hand it back
		s.Release()
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < s.limit {
		s.active++
		return true
	}
	return false
}

// Release returns a permit and wakes the next waiter when capacity allows
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	s.wakeLocked()
}

// SetLimit changes the permit ceiling (minimum 1)
func (s *Semaphore) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	s.wakeLocked()
}

// wakeLocked hands permits to queued waiters while capacity remains.
// Callers must hold s.mu.
func (s *Semaphore) wakeLocked() {
	for s.active < s.limit && len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.active++
		close(ready)
	}
}

// Active returns the number of permits currently held
func (s *Semaphore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Limit returns the current permit ceiling
func (s *Semaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Available returns how many permits can be taken without blocking
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.limit {
		return 0
	}
	return s.limit - s.active
}

// Waiting returns the number of queued waiters
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
