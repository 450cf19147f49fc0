package runner

// SessionTracker accumulates the latest resumable session token observed on
// the event stream. It is threaded through the pump loop explicitly so the
// capture is testable outside a live run.
type SessionTracker struct {
	current string
}

// Observe records a session id; empty values are ignored.
func (s *SessionTracker) Observe(id string) {
	if id != "" {
		s.current = id
	}
}

// Current returns the latest observed session id, or "".
func (s *SessionTracker) Current() string {
	return s.current
}

// ResolveSessionID picks the session to resume: an explicit caller-supplied
// id wins over whatever was stored from earlier runs.
func ResolveSessionID(explicit, stored string) string {
	if explicit != "" {
		return explicit
	}
	return stored
}
