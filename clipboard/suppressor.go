// Package clipboard watches the local clipboard and shares changes with
// connected devices, suppressing the echo of values that were applied from
// a remote device in the first place.
package clipboard

import "sync"

// Suppressor is a one-shot echo guard. When a remote value is written into
// the local clipboard, the next poll observes that same value as a change;
// the suppressor swallows exactly that one observation so the value is not
// rebroadcast to its sender.
type Suppressor struct {
	mu       sync.Mutex
	expected string
	armed    bool
}

// MarkApplied arms the suppressor with a value about to be written into the
// local clipboard.
func (s *Suppressor) MarkApplied(value string) {
	s.mu.Lock()
	s.expected = value
	s.armed = true
	s.mu.Unlock()
}

// ShouldSuppress reports whether an observed clipboard value is the echo of
// the last applied remote value. The marker is consumed on the first
// observation either way: a genuine local change disarms it too, so a copy
// of the same text made later by the user still propagates.
func (s *Suppressor) ShouldSuppress(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return false
	}
	s.armed = false
	return value == s.expected
}
