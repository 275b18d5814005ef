package scraper

import "sync/atomic"

// Stop is a cooperative interruption flag. Orchestrators poll it between
// accounts so in-flight pages finish and checkpoint before the run ends. A
// nil *Stop is never requested.
type Stop struct {
	requested atomic.Bool
}

// Request asks running loops to finish after the current account.
func (s *Stop) Request() {
	if s != nil {
		s.requested.Store(true)
	}
}

// Requested reports whether Request has been called.
func (s *Stop) Requested() bool {
	return s != nil && s.requested.Load()
}
