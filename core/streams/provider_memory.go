package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hexalith/streams-go/core/perkey"
	"github.com/hexalith/streams-go/ports/kv"
)

// memStream is the state kept for a single stream id by InMemoryProvider.
type memStream struct {
	items         []RawItem       // index i holds version i+1
	byIdempotency map[string]int  // idempotency key -> index into items
	snapshots     map[Version][]byte
}

// InMemoryProvider is a correct, non-durable Provider for tests and
// single-process use: a mutex-guarded map of streams, with
// optimistic-concurrency checks on append. Session bookkeeping is
// delegated to a kv.LockStore and OpenSession retries are serialized
// per stream id through a perkey.Scheduler, so concurrent openers for
// the same stream queue rather than busy-loop against each other's
// backoff.
type InMemoryProvider struct {
	mu      sync.Mutex
	streams map[string]*memStream

	sessions *kv.MemLockStore
	retrySeq *perkey.Scheduler[string]

	clock    Clock
	uniqueID UniqueID
	metrics  Metrics
	log      *slog.Logger
}

// NewInMemoryProvider constructs an empty InMemoryProvider from cfg.
func NewInMemoryProvider(cfg Config) *InMemoryProvider {
	return &InMemoryProvider{
		streams:  map[string]*memStream{},
		sessions: kv.NewMemLockStore(),
		retrySeq: perkey.New[string](),
		clock:    cfg.Clock,
		uniqueID: cfg.UniqueID,
		metrics:  cfg.Metrics,
		log:      cfg.Log.With(slog.String("provider", "memory")),
	}
}

func (p *InMemoryProvider) streamLocked(streamID string) *memStream {
	s, ok := p.streams[streamID]
	if !ok {
		s = &memStream{byIdempotency: map[string]int{}, snapshots: map[Version][]byte{}}
		p.streams[streamID] = s
	}
	return s
}

func (p *InMemoryProvider) OpenSession(ctx context.Context, streamID string, timeout time.Duration) (Session, error) {
	if streamID == "" {
		return Session{}, fmt.Errorf("%w: empty stream id", ErrBadArgument)
	}

	timer := p.metrics.SessionAcquireDuration(streamID)
	defer timer.ObserveDuration()

	deadline := p.clock.Now().Add(timeout)
	const backoff = 50 * time.Millisecond

	sessionID := p.uniqueID()
	var result Session
	err := p.retrySeq.DoContext(ctx, streamID, func() error {
		for {
			now := p.clock.Now()
			session := Session{ID: sessionID, StreamID: streamID, ExpiresAt: now.Add(timeout)}
			data, err := json.Marshal(sessionRecord{SessionID: session.ID, ExpiresAt: session.ExpiresAt})
			if err != nil {
				return wrapIo("OpenSession", err)
			}
			acquired, _, err := p.sessions.TryAcquire(ctx, streamID, kv.Entry{Data: data}, timeout, now)
			if err != nil {
				return wrapIo("OpenSession", err)
			}
			if acquired {
				result = session
				return nil
			}
			if !now.Before(deadline) {
				p.metrics.SessionTimeout(streamID)
				return ErrSessionTimeout
			}
			select {
			case <-ctx.Done():
				return cancelledFrom(ctx)
			case <-time.After(backoff):
			}
		}
	})
	if err != nil {
		return Session{}, err
	}

	p.log.Debug("session opened", "stream_id", streamID, "session_id", result.ID)
	return result, nil
}

func (p *InMemoryProvider) CloseSession(ctx context.Context, session Session) error {
	current, err := p.currentSessionID(session.StreamID)
	if err == nil && current == session.ID {
		return p.sessions.Release(ctx, session.StreamID)
	}
	return nil
}

func (p *InMemoryProvider) currentSessionID(streamID string) (string, error) {
	entry, err := p.sessions.Get(context.Background(), streamID)
	if err != nil {
		return "", err
	}
	var rec sessionRecord
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

func (p *InMemoryProvider) checkSession(streamID string, session Session) error {
	if session.StreamID != streamID || session.ID == "" || session.Expired(p.clock) {
		return ErrInvalidSession
	}
	current, err := p.currentSessionID(streamID)
	if err != nil || current != session.ID {
		return ErrInvalidSession
	}
	return nil
}

func (p *InMemoryProvider) GetVersion(_ context.Context, session Session, streamID string) (Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[streamID]
	if !ok {
		return 0, nil
	}
	return Version(len(s.items)), nil
}

func (p *InMemoryProvider) GetByVersion(_ context.Context, session Session, streamID string, v Version) ([]byte, string, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[streamID]
	if !ok || v < 1 || uint64(v) > uint64(len(s.items)) {
		return nil, "", ErrVersionNotFound
	}
	it := s.items[v-1]
	return it.Data, it.IdempotencyKey, nil
}

func (p *InMemoryProvider) GetByIdempotency(_ context.Context, session Session, streamID string, idempotencyKey string) ([]byte, Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[streamID]
	if !ok {
		return nil, 0, ErrIdempotencyNotFound
	}
	idx, ok := s.byIdempotency[idempotencyKey]
	if !ok {
		return nil, 0, ErrIdempotencyNotFound
	}
	return s.items[idx].Data, Version(idx + 1), nil
}

func (p *InMemoryProvider) Append(ctx context.Context, session Session, streamID string, expectedVersion Version, items []RawItem) ([]Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, err
	}

	timer := p.metrics.AppendDuration(streamID)
	defer timer.ObserveDuration()

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streamLocked(streamID)
	actual := Version(len(s.items))
	if actual != expectedVersion {
		p.metrics.VersionConflict(streamID)
		return nil, &VersionMismatchError{Expected: expectedVersion, Actual: actual}
	}

	if _, dup := firstDuplicateWithinBatch(items); dup {
		p.metrics.DuplicateIdempotencyHit(streamID)
		return nil, &DuplicateIdempotencyError{ExistingVersion: 0}
	}
	for _, it := range items {
		if existingIdx, dup := s.byIdempotency[it.IdempotencyKey]; dup {
			p.metrics.DuplicateIdempotencyHit(streamID)
			return nil, &DuplicateIdempotencyError{ExistingVersion: Version(existingIdx + 1)}
		}
	}

	versions := make([]Version, len(items))
	for i, it := range items {
		s.items = append(s.items, it)
		v := Version(len(s.items))
		s.byIdempotency[it.IdempotencyKey] = len(s.items) - 1
		versions[i] = v
	}
	p.metrics.ItemsAppended(streamID, len(items))

	return versions, nil
}

// AppendWithIdempotency assigns the next version atomically, with no
// expected-version precondition.
func (p *InMemoryProvider) AppendWithIdempotency(_ context.Context, session Session, streamID string, idempotencyKey string, data []byte) (Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return 0, err
	}

	timer := p.metrics.AppendDuration(streamID)
	defer timer.ObserveDuration()

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streamLocked(streamID)
	if existingIdx, dup := s.byIdempotency[idempotencyKey]; dup {
		p.metrics.DuplicateIdempotencyHit(streamID)
		return 0, &DuplicateIdempotencyError{ExistingVersion: Version(existingIdx + 1)}
	}

	s.items = append(s.items, RawItem{IdempotencyKey: idempotencyKey, Data: data})
	v := Version(len(s.items))
	s.byIdempotency[idempotencyKey] = len(s.items) - 1
	p.metrics.ItemsAppended(streamID, 1)
	return v, nil
}

func (p *InMemoryProvider) GetSnapshotVersions(_ context.Context, session Session, streamID string) ([]Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[streamID]
	if !ok {
		return nil, nil
	}
	out := make([]Version, 0, len(s.snapshots))
	for v := range s.snapshots {
		out = append(out, v)
	}
	sortVersions(out)
	return out, nil
}

func (p *InMemoryProvider) GetSnapshot(_ context.Context, session Session, streamID string, v Version) ([]byte, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[streamID]
	if !ok {
		return nil, ErrSnapshotVersionNotFound
	}
	data, ok := s.snapshots[v]
	if !ok {
		return nil, ErrSnapshotVersionNotFound
	}
	return data, nil
}

func (p *InMemoryProvider) SetSnapshot(_ context.Context, session Session, streamID string, v Version, data []byte) error {
	if err := p.checkSession(streamID, session); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streamLocked(streamID)
	s.snapshots[v] = data
	return nil
}

func (p *InMemoryProvider) RemoveSnapshot(_ context.Context, session Session, streamID string, v Version) error {
	if err := p.checkSession(streamID, session); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.streams[streamID]
	if !ok {
		return nil
	}
	delete(s.snapshots, v)
	return nil
}

var _ Provider = (*InMemoryProvider)(nil)
