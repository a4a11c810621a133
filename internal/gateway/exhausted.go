package gateway

import "sync"

// ExhaustedSet is the set of models that reported quota exhaustion. Entries
// are never removed during the lifetime of the set.
type ExhaustedSet struct {
	mu     sync.RWMutex
	models map[string]struct{}
	order  []string
}

// NewExhaustedSet creates an empty set.
func NewExhaustedSet() *ExhaustedSet {
	return &ExhaustedSet{models: make(map[string]struct{})}
}

var shared = NewExhaustedSet()

// SharedExhausted returns the process-wide set used when an invocation does
// not carry its own.
func SharedExhausted() *ExhaustedSet {
	return shared
}

// Add records a model as exhausted. It reports whether the model was new.
func (s *ExhaustedSet) Add(model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[model]; ok {
		return false
	}
	s.models[model] = struct{}{}
	s.order = append(s.order, model)
	return true
}

// Contains reports whether the model is exhausted.
func (s *ExhaustedSet) Contains(model string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.models[model]
	return ok
}

// Models returns the exhausted models in the order they were recorded.
func (s *ExhaustedSet) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
