package streams

import (
	"context"
	"time"

	"github.com/hexalith/streams-go/core/ds"
)

// Provider implements the version-addressed, idempotency-deduplicated
// storage for a family of streams, plus the session bookkeeping that
// makes a stream's mutation exclusive. A Handle drives exactly one
// Provider, identified by a stream id that Provider implementations
// treat as an opaque key (the FileProvider maps it onto a directory
// name; the InMemoryProvider onto a map key).
//
// All methods are safe for concurrent use across streams; exclusivity
// within a single stream is the caller's responsibility, enforced by
// holding a valid Session for any method that takes one.
type Provider interface {
	// OpenSession acquires the exclusive lease for streamID, retrying
	// with backoff until timeout elapses or ctx is cancelled. It
	// returns ErrSessionTimeout if no lease could be acquired in time.
	OpenSession(ctx context.Context, streamID string, timeout time.Duration) (Session, error)
	// CloseSession releases session's lease if it is still the lease
	// recorded for its stream, even when that lease has expired. It is
	// a no-op if another session has taken the stream over or no lease
	// is recorded.
	CloseSession(ctx context.Context, session Session) error

	// GetVersion returns the stream's current version (0 if empty). It
	// requires session to be the stream's current holder.
	GetVersion(ctx context.Context, session Session, streamID string) (Version, error)
	// GetByVersion returns the raw bytes and idempotency key of the
	// item at version v. It returns ErrVersionNotFound if v is out of
	// range. It requires session to be the stream's current holder.
	GetByVersion(ctx context.Context, session Session, streamID string, v Version) (data []byte, idempotencyKey string, err error)
	// GetByIdempotency returns the raw bytes and version of the item
	// with the given idempotency key. It returns ErrIdempotencyNotFound
	// if no such item exists. It requires session to be the stream's
	// current holder.
	GetByIdempotency(ctx context.Context, session Session, streamID string, idempotencyKey string) (data []byte, v Version, err error)

	// Append writes items to the stream, assigning them dense
	// consecutive versions starting at expectedVersion+1. It requires
	// session to be the stream's current holder and returns
	// *VersionMismatchError if the stream's actual current version is
	// not expectedVersion. Items with an idempotency key already
	// present in the stream cause *DuplicateIdempotencyError and no
	// item is written, including items preceding the duplicate in the
	// same call.
	Append(ctx context.Context, session Session, streamID string, expectedVersion Version, items []RawItem) ([]Version, error)
	// AppendWithIdempotency assigns the next version atomically, with
	// no expected-version precondition, and writes a single item. It
	// requires session to be the stream's current holder and returns
	// *DuplicateIdempotencyError if idempotencyKey already exists.
	AppendWithIdempotency(ctx context.Context, session Session, streamID string, idempotencyKey string, data []byte) (Version, error)

	// GetSnapshotVersions returns the versions at which a snapshot
	// exists for streamID, ascending. It requires session to be the
	// stream's current holder.
	GetSnapshotVersions(ctx context.Context, session Session, streamID string) ([]Version, error)
	// GetSnapshot returns the raw bytes of the snapshot at version v.
	// It returns ErrSnapshotVersionNotFound if none exists there. It
	// requires session to be the stream's current holder.
	GetSnapshot(ctx context.Context, session Session, streamID string, v Version) ([]byte, error)
	// SetSnapshot stores data as the snapshot at version v, overwriting
	// any snapshot already there. It requires session to be the
	// stream's current holder.
	SetSnapshot(ctx context.Context, session Session, streamID string, v Version, data []byte) error
	// RemoveSnapshot deletes the snapshot at version v, if any. It
	// requires session to be the stream's current holder.
	RemoveSnapshot(ctx context.Context, session Session, streamID string, v Version) error
}

// RawItem is the Provider-level view of an Item[T] after its payload
// has been encoded by a Serializer: opaque bytes plus the idempotency
// key the Provider must deduplicate on.
type RawItem struct {
	IdempotencyKey string
	Data           []byte
}

// firstDuplicateWithinBatch reports the first idempotency key in items
// that repeats earlier in the same slice, so a Provider can reject a
// self-colliding batch before touching storage, not only a batch that
// collides with an already-stored item.
func firstDuplicateWithinBatch(items []RawItem) (string, bool) {
	seen := ds.NewSet[string]()
	for _, it := range items {
		if seen.Contains(it.IdempotencyKey) {
			return it.IdempotencyKey, true
		}
		seen.Add(it.IdempotencyKey)
	}
	return "", false
}
