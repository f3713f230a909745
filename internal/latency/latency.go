// Package latency holds the "latest latency" signal shown next to the
// connection toggle.
package latency

import "sync"

// Signal is the most recent allowed-query latency in ms. Zero means unknown.
type Signal struct {
	mu        sync.RWMutex
	value     int64
	listeners []func(int64)
}

// Set publishes a new latency.
func (s *Signal) Set(ms int64) {
	s.mu.Lock()
	s.value = ms
	listeners := append([]func(int64){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ms)
	}
}

// Clear resets the signal to unknown.
func (s *Signal) Clear() { s.Set(0) }

// Get returns the current value and whether it is known.
func (s *Signal) Get() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.value > 0
}

// Watch registers fn to be called on every change.
func (s *Signal) Watch(fn func(int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
