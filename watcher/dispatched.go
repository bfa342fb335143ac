package watcher

import "sync"

// MaxDispatched is the size above which a DispatchedSet is cleared wholesale.
const MaxDispatched = 1000

// DispatchedSet records absolute paths already handed to a sender. It is a
// memory cap, not an LRU: once it grows past MaxDispatched the next scan
// clears it, so files still present may be sent again.
type DispatchedSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewDispatchedSet returns an empty set.
func NewDispatchedSet() *DispatchedSet {
	return &DispatchedSet{paths: make(map[string]struct{})}
}

// Add marks path. It reports false if the path was already present.
func (s *DispatchedSet) Add(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paths[path]; ok {
		return false
	}
	s.paths[path] = struct{}{}
	return true
}

// Remove forgets path so a later scan may dispatch it again.
func (s *DispatchedSet) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
}

// Contains reports whether path is marked as dispatched.
func (s *DispatchedSet) Contains(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paths[path]
	return ok
}

// Len returns the number of marked paths.
func (s *DispatchedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Clear forgets every marked path.
func (s *DispatchedSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = make(map[string]struct{})
}

// clearIfOver empties the set when it holds more than limit paths and reports
// the size it had.
func (s *DispatchedSet) clearIfOver(limit int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.paths)
	if n <= limit {
		return n, false
	}
	s.paths = make(map[string]struct{})
	return n, true
}
