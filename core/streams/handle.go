package streams

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type handleState int

const (
	handleFresh handleState = iota
	handleOpen
	handleClosed
)

// Handle is the high-level façade over a Provider for one stream. It
// opens its session lazily on first use (Fresh -> Open) and releases
// it on Close (Open -> Closed); once Closed, every method fails with
// ErrInvalidSession. A Handle is safe for concurrent use by multiple
// goroutines, serialized internally — it does not parallelize access
// to its own stream, matching the Provider's own per-stream
// exclusivity guarantee.
type Handle struct {
	mu    sync.Mutex
	state handleState

	streamID string
	provider Provider
	session  Session

	lockTimeout time.Duration
	log         *slog.Logger
	metrics     Metrics
}

func newHandle(streamID string, provider Provider, cfg Config) *Handle {
	return &Handle{
		streamID:    streamID,
		provider:    provider,
		lockTimeout: cfg.LockTimeout,
		log:         cfg.Log.With(slog.String("stream_id", streamID)),
		metrics:     cfg.Metrics,
	}
}

// ensureOpen opens the Handle's session if it hasn't been opened yet.
// Must be called with h.mu held.
func (h *Handle) ensureOpen(ctx context.Context) error {
	switch h.state {
	case handleClosed:
		return ErrInvalidSession
	case handleOpen:
		return nil
	}

	session, err := h.provider.OpenSession(ctx, h.streamID, h.lockTimeout)
	if err != nil {
		return fmt.Errorf("streams: open stream %q: %w", h.streamID, err)
	}
	h.session = session
	h.state = handleOpen
	return nil
}

// Close releases the Handle's session, if open, and moves the Handle
// to Closed. Closing an unopened Handle opens no session but still
// marks it Closed; closing an already-closed Handle is a no-op.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != handleOpen {
		h.state = handleClosed
		return nil
	}
	err := h.provider.CloseSession(ctx, h.session)
	h.state = handleClosed
	if err != nil {
		return fmt.Errorf("streams: close stream %q: %w", h.streamID, err)
	}
	return nil
}

// Version returns the stream's current version (0 if empty).
func (h *Handle) Version(ctx context.Context) (Version, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return 0, err
	}
	return h.provider.GetVersion(ctx, h.session, h.streamID)
}

// Append assigns dense consecutive versions to items, starting right
// after the stream's current version, and writes them. It fails with
// *VersionMismatchError if another session appended to the stream
// concurrently (Append re-reads the current version internally and
// does not require the caller to track it), and with
// *DuplicateIdempotencyError — writing none of the batch — if any
// item's idempotency key already exists in the stream.
func (h *Handle) Append(ctx context.Context, items ...Item[[]byte]) ([]Version, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	expected, err := h.provider.GetVersion(ctx, h.session, h.streamID)
	if err != nil {
		return nil, err
	}
	return h.appendLocked(ctx, expected, items)
}

// AppendExpect is Append's explicit-expected-version form: the caller
// supplies the version it believes is current instead of Handle
// re-reading it, so the append fails with *VersionMismatchError before
// writing anything if another session moved the stream in the
// meantime.
func (h *Handle) AppendExpect(ctx context.Context, expectedVersion Version, items ...Item[[]byte]) ([]Version, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return h.appendLocked(ctx, expectedVersion, items)
}

// appendLocked is Append/AppendExpect's shared body. Must be called
// with h.mu held and the session already open.
func (h *Handle) appendLocked(ctx context.Context, expected Version, items []Item[[]byte]) ([]Version, error) {
	raw := make([]RawItem, len(items))
	for i, it := range items {
		if it.IdempotencyKey == "" {
			return nil, fmt.Errorf("%w: empty idempotency key", ErrBadArgument)
		}
		raw[i] = RawItem{IdempotencyKey: it.IdempotencyKey, Data: it.Payload}
	}

	versions, err := h.provider.Append(ctx, h.session, h.streamID, expected, raw)
	if err != nil {
		return versions, err
	}

	h.log.Debug("appended", "count", len(items), "from_version", expected+1)
	return versions, nil
}

// ReadAll returns every item in the stream, versions [1..current], in
// ascending version order. If useSnapshot and a snapshot exists at
// some version v <= current, the returned sequence replaces items
// [1..v] with that snapshot, spliced in as an Item whose version is
// v, followed by items [v+1..current].
func (h *Handle) ReadAll(ctx context.Context, useSnapshot bool) ([]Item[[]byte], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	current, err := h.provider.GetVersion(ctx, h.session, h.streamID)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, nil
	}
	return h.readSliceLocked(ctx, 1, 0, useSnapshot)
}

// ReadSlice returns items in [from..to], inclusive on both ends. A to
// of 0 means "the stream's current version". It returns
// ErrBadArgument if from is less than 1 or greater than to (once to
// is resolved). If useSnapshot and a snapshot exists at some version
// v with from <= v < to (from <= v <= current when to is 0), the
// snapshot replaces items [from..v] in the returned sequence.
func (h *Handle) ReadSlice(ctx context.Context, from Version, to Version, useSnapshot bool) ([]Item[[]byte], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return h.readSliceLocked(ctx, from, to, useSnapshot)
}

// readSliceLocked is ReadAll/ReadSlice/SnapshotAll's shared body. Must
// be called with h.mu held and the session already open.
func (h *Handle) readSliceLocked(ctx context.Context, from, to Version, useSnapshot bool) ([]Item[[]byte], error) {
	current, err := h.provider.GetVersion(ctx, h.session, h.streamID)
	if err != nil {
		return nil, err
	}
	wantsCurrent := to == 0
	if wantsCurrent {
		to = current
	}
	if from < 1 || from > to {
		return nil, fmt.Errorf("%w: invalid range [%d..%d]", ErrBadArgument, from, to)
	}
	if to > current {
		return nil, fmt.Errorf("%w: version %d", ErrVersionNotFound, to)
	}

	if !useSnapshot {
		return h.readRangeLocked(ctx, from, to)
	}

	snapVersion, ok, err := h.bestSnapshotVersionLocked(ctx, to)
	if err != nil {
		return nil, err
	}
	// read_all resolves "to" from current, so a snapshot at exactly
	// "to" still applies; read_slice requires a strictly later tail.
	spliceable := ok && snapVersion >= from && (snapVersion < to || wantsCurrent)
	if !spliceable {
		return h.readRangeLocked(ctx, from, to)
	}

	data, err := h.provider.GetSnapshot(ctx, h.session, h.streamID, snapVersion)
	if err != nil {
		return nil, err
	}
	snapItem := Item[[]byte]{IdempotencyKey: snapshotIdempotencyKey(snapVersion), Version: snapVersion, Payload: data}

	tail, err := h.readRangeLocked(ctx, snapVersion+1, to)
	if err != nil {
		return nil, err
	}
	return append([]Item[[]byte]{snapItem}, tail...), nil
}

// readRangeLocked returns items [from..to] with no snapshot
// splicing, or nil if from > to. Must be called with h.mu held and
// the session already open.
func (h *Handle) readRangeLocked(ctx context.Context, from, to Version) ([]Item[[]byte], error) {
	if from > to {
		return nil, nil
	}
	out := make([]Item[[]byte], 0, to-from+1)
	for v := from; v <= to; v++ {
		data, key, err := h.provider.GetByVersion(ctx, h.session, h.streamID, v)
		if err != nil {
			return nil, err
		}
		out = append(out, Item[[]byte]{IdempotencyKey: key, Version: v, Payload: data})
	}
	return out, nil
}

// bestSnapshotVersionLocked returns the highest snapshot version at
// or below atOrBelow, if any. Must be called with h.mu held and the
// session already open.
func (h *Handle) bestSnapshotVersionLocked(ctx context.Context, atOrBelow Version) (Version, bool, error) {
	versions, err := h.provider.GetSnapshotVersions(ctx, h.session, h.streamID)
	if err != nil {
		return 0, false, err
	}
	var best Version
	for _, v := range versions {
		if v <= atOrBelow && v > best {
			best = v
		}
	}
	return best, best > 0, nil
}

// snapshotIdempotencyKey synthesizes the idempotency key for a
// snapshot spliced into a read result as an Item. SetSnapshot takes
// no caller-chosen key, so reads tag the spliced Item deterministically
// by version instead.
func snapshotIdempotencyKey(v Version) string {
	return fmt.Sprintf("snapshot@%d", v.Uint64())
}

// ByIdempotency returns the item with the given idempotency key. It
// returns ErrIdempotencyNotFound if none exists.
func (h *Handle) ByIdempotency(ctx context.Context, idempotencyKey string) (Item[[]byte], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return Item[[]byte]{}, err
	}
	data, v, err := h.provider.GetByIdempotency(ctx, h.session, h.streamID, idempotencyKey)
	if err != nil {
		return Item[[]byte]{}, err
	}
	return Item[[]byte]{IdempotencyKey: idempotencyKey, Version: v, Payload: data}, nil
}

// SnapshotVersions returns the versions at which a snapshot exists,
// ascending.
func (h *Handle) SnapshotVersions(ctx context.Context) ([]Version, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return h.provider.GetSnapshotVersions(ctx, h.session, h.streamID)
}

// Snapshot returns the snapshot payload at version v. v must satisfy
// 1 <= v <= the stream's current version; it returns
// ErrSnapshotVersionNotFound if no snapshot is stored there.
func (h *Handle) Snapshot(ctx context.Context, v Version) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, err
	}
	current, err := h.provider.GetVersion(ctx, h.session, h.streamID)
	if err != nil {
		return nil, err
	}
	if v < 1 || v > current {
		return nil, fmt.Errorf("%w: version %d", ErrBadArgument, v)
	}
	return h.provider.GetSnapshot(ctx, h.session, h.streamID, v)
}

// SnapshotAll is the most recent snapshot at or before the stream's
// current version, plus the items needed to replay from it to the
// current version. It returns a nil snapshot and the full item range
// if no snapshot exists.
func (h *Handle) SnapshotAll(ctx context.Context) (snapshot []byte, from Version, rest []Item[[]byte], err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return nil, 0, nil, err
	}

	current, err := h.provider.GetVersion(ctx, h.session, h.streamID)
	if err != nil {
		return nil, 0, nil, err
	}

	best, ok, err := h.bestSnapshotVersionLocked(ctx, current)
	if err != nil {
		return nil, 0, nil, err
	}
	if !ok {
		items, err := h.readRangeLocked(ctx, 1, current)
		return nil, 0, items, err
	}

	snapshot, err = h.provider.GetSnapshot(ctx, h.session, h.streamID, best)
	if err != nil {
		return nil, 0, nil, err
	}
	if best == current {
		return snapshot, best, nil, nil
	}
	rest, err = h.readRangeLocked(ctx, best+1, current)
	if err != nil {
		return nil, 0, nil, err
	}
	return snapshot, best, rest, nil
}

// SetSnapshot stores data as the snapshot at version v.
func (h *Handle) SetSnapshot(ctx context.Context, v Version, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return err
	}
	current, err := h.provider.GetVersion(ctx, h.session, h.streamID)
	if err != nil {
		return err
	}
	if v < 1 || v > current {
		return fmt.Errorf("%w: version %d", ErrBadArgument, v)
	}
	return h.provider.SetSnapshot(ctx, h.session, h.streamID, v, data)
}

// ClearSnapshot removes the snapshot at version v, if any.
func (h *Handle) ClearSnapshot(ctx context.Context, v Version) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureOpen(ctx); err != nil {
		return err
	}
	return h.provider.RemoveSnapshot(ctx, h.session, h.streamID, v)
}
