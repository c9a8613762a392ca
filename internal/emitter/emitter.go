// Package emitter provides a small generic handler-set, the shared shape
// behind every on-connect/on-message/on-error style subscription surface in
// this codebase. It generalizes the snapshot-then-iterate discipline of the
// teacher's spec/core EventBroadcaster (subscribe, then fan out against a
// copy of the subscriber list) to any handler signature.
package emitter

import "sync"

// Set is a thread-safe collection of handlers of type F. Handlers may be
// added at any time; Each takes a snapshot before invoking them, so a
// handler that triggers Add (re-entrant subscription) never observes
// itself, and a panicking handler never prevents its siblings from running
// or escapes to the caller.
type Set[F any] struct {
	mu       sync.RWMutex
	handlers []F
}

// Add appends a handler to the set.
func (s *Set[F]) Add(h F) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Clear removes every handler from the set.
func (s *Set[F]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
}

// Len reports how many handlers are currently registered.
func (s *Set[F]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Snapshot returns a copy of the current handler list.
func (s *Set[F]) Snapshot() []F {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]F, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// Each invokes call once per handler in a snapshot of the set, recovering
// from any panic a handler raises so it cannot escape the emitter or abort
// delivery to the remaining handlers.
func (s *Set[F]) Each(call func(F)) {
	for _, h := range s.Snapshot() {
		invokeSafe(h, call)
	}
}

func invokeSafe[F any](h F, call func(F)) {
	defer func() { _ = recover() }()
	call(h)
}
