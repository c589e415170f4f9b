package streams

import "sync"

// Store is a registry of Handles over a single Provider, keyed by
// stream id. Repeated calls to GetStream for the same id return the
// same *Handle, so that a stream's session lives as long as the
// Handle does and two callers in the same process naturally
// coordinate through it rather than racing two Provider sessions
// against each other.
type Store struct {
	provider Provider
	cfg      Config

	handles sync.Map // string -> *Handle
}

// NewStore constructs a Store over provider, applying opts over
// NewConfig's defaults.
func NewStore(provider Provider, opts ...ConfigOption) *Store {
	return &Store{
		provider: provider,
		cfg:      NewConfig(opts...),
	}
}

// GetStream returns the Handle for streamID, creating it on first
// request. The returned Handle has not yet opened a session — that
// happens lazily on its first call of any kind.
func (s *Store) GetStream(streamID string) (*Handle, error) {
	if streamID == "" {
		return nil, ErrBadArgument
	}

	candidate := newHandle(streamID, s.provider, s.cfg)
	actual, _ := s.handles.LoadOrStore(streamID, candidate)
	return actual.(*Handle), nil
}

// Forget drops streamID's Handle from the registry without closing
// it. A subsequent GetStream call constructs a fresh Handle, which
// will contend for its own session like any other new caller. Use
// this after a Handle you no longer intend to use has failed in a way
// that makes its session unrecoverable.
func (s *Store) Forget(streamID string) {
	s.handles.Delete(streamID)
}
