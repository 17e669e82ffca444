package limiter

import "sync"

// Slots is a non-blocking counting semaphore. A nil *Slots admits everything, which is how an
// unlimited configuration is expressed.
type Slots struct {
	max  int
	mu   sync.Mutex
	used int
}

// New returns a limiter admitting up to max concurrent holders, or nil when max <= 0.
func New(max int) *Slots {
	if max <= 0 {
		return nil
	}
	return &Slots{max: max}
}

// TryAcquire reserves one slot and reports whether it succeeded.
func (s *Slots) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.max {
		return false
	}
	s.used++
	return true
}

// Release frees a slot obtained from TryAcquire.
func (s *Slots) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.used > 0 {
		s.used--
	}
	s.mu.Unlock()
}

// InUse reports the number of held slots.
func (s *Slots) InUse() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Capacity returns the configured maximum, 0 meaning unlimited.
func (s *Slots) Capacity() int {
	if s == nil {
		return 0
	}
	return s.max
}
