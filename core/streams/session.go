package streams

import "time"

// Session is a time-bounded, exclusive lease on a stream. At most one
// non-expired Session exists per stream id at any instant, across all
// processes sharing a Provider's backend.
type Session struct {
	ID        string
	StreamID  string
	ExpiresAt time.Time
}

// Expired reports whether the session's lease has passed its expiry
// as observed by clk.
func (s Session) Expired(clk Clock) bool {
	return !s.ExpiresAt.After(clk.Now())
}

// sessionRecord is the JSON shape persisted for a Session — the
// FileProvider's lock.json body, and the value stored in the
// InMemoryProvider's session ledger.
type sessionRecord struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
