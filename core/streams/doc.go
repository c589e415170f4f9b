// Package streams provides a versioned, append-only object stream store
// with idempotent writes, optimistic concurrency, per-stream sessions,
// and sparse snapshotting.
//
// # Overview
//
// Clients organize data as named streams of immutable, monotonically
// versioned [Item] values and replay them to reconstruct state. The
// store exposes a single low-level [Provider] contract with two
// implementations — [InMemoryProvider] for tests and short-lived
// processes, and [FileProvider] for durable, filesystem-backed storage
// shared across independent processes — and a high-level [Handle]
// façade layered on top of either.
//
//	store := streams.NewStore(streams.NewInMemoryProvider(streams.NewConfig()))
//	h, _ := store.GetStream("orders-123")
//	defer h.Close(ctx)
//
//	v, err := h.Append(ctx, streams.NewItem("idem-1", []byte(`{"total":10}`)))
//
// # Sessions
//
// Every [Provider] operation except OpenSession requires a session id.
// A [Handle] opens its session lazily on first use and closes it on
// [Handle.Close]. Sessions are advisory, time-bounded exclusive leases:
// at most one non-expired session exists per stream id at any instant,
// enforced by the Provider (an in-process mutex for [InMemoryProvider],
// an exclusively-created lock file for [FileProvider]).
//
// # Snapshots
//
// A snapshot is a precomputed aggregate payload labeled with a version
// v, used to shortcut replay of items [1..v]. [Handle.ReadAll] and
// [Handle.ReadSlice] transparently splice the most applicable snapshot
// into the returned sequence when asked to use snapshots.
package streams
