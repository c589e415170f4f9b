package streams_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexalith/streams-go/core/streams"
)

type providerCase struct {
	name     string
	provider streams.Provider
}

func getProviderSUTs(t *testing.T) []providerCase {
	return []providerCase{
		{
			name:     "memory",
			provider: streams.NewInMemoryProvider(streams.NewConfig()),
		},
		{
			name: "file",
			provider: streams.NewFileProvider(streams.NewConfig(
				streams.WithFileStreamRoot(t.TempDir()),
			)),
		},
	}
}

func eachProvider(testFunc func(t *testing.T, provider streams.Provider)) func(t *testing.T) {
	return func(t *testing.T) {
		for _, sut := range getProviderSUTs(t) {
			sut := sut
			t.Run(sut.name, func(t *testing.T) {
				testFunc(t, sut.provider)
			})
		}
	}
}

func newStoreOver(provider streams.Provider) *streams.Store {
	return streams.NewStore(provider, streams.WithLockTimeout(200*time.Millisecond))
}

func TestProvider_Conformance(t *testing.T) {
	t.Run("append assigns dense ascending versions", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-1")
		require.NoError(t, err)
		defer h.Close(ctx)

		versions, err := h.Append(ctx,
			streams.NewItem("a", []byte(`{"n":1}`)),
			streams.NewItem("b", []byte(`{"n":2}`)),
		)
		require.NoError(t, err)
		require.Equal(t, []streams.Version{1, 2}, versions)

		v, err := h.Version(ctx)
		require.NoError(t, err)
		require.Equal(t, streams.Version(2), v)
	}))

	t.Run("items round-trip by version and idempotency key", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-2")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.Append(ctx, streams.NewItem("idem-a", []byte("payload-a")))
		require.NoError(t, err)

		items, err := h.ReadAll(ctx, false)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, streams.Version(1), items[0].Version)
		require.Equal(t, "idem-a", items[0].IdempotencyKey)
		require.Equal(t, []byte("payload-a"), items[0].Payload)

		byKey, err := h.ByIdempotency(ctx, "idem-a")
		require.NoError(t, err)
		require.Equal(t, streams.Version(1), byKey.Version)

		_, err = h.ByIdempotency(ctx, "missing")
		require.ErrorIs(t, err, streams.ErrIdempotencyNotFound)
	}))

	t.Run("duplicate idempotency key rejects the whole batch", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-3")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.Append(ctx, streams.NewItem("dup", []byte("first")))
		require.NoError(t, err)

		_, err = h.Append(ctx,
			streams.NewItem("fresh", []byte("second")),
			streams.NewItem("dup", []byte("third")),
		)
		var dupErr *streams.DuplicateIdempotencyError
		require.ErrorAs(t, err, &dupErr)
		require.Equal(t, streams.Version(1), dupErr.ExistingVersion)

		v, err := h.Version(ctx)
		require.NoError(t, err)
		require.Equal(t, streams.Version(1), v, "the batch's leading fresh item must not have been written")

		_, err = h.ByIdempotency(ctx, "fresh")
		require.ErrorIs(t, err, streams.ErrIdempotencyNotFound)
	}))

	t.Run("duplicate idempotency key within the same batch rejects it", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-3b")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.Append(ctx,
			streams.NewItem("same", []byte("first")),
			streams.NewItem("same", []byte("second")),
		)
		var dupErr *streams.DuplicateIdempotencyError
		require.ErrorAs(t, err, &dupErr)

		v, err := h.Version(ctx)
		require.NoError(t, err)
		require.Equal(t, streams.Version(0), v, "neither item of a self-colliding batch must be written")
	}))

	t.Run("version mismatch on stale expected version", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()

		session, err := provider.OpenSession(ctx, "orders-4", time.Second)
		require.NoError(t, err)
		defer provider.CloseSession(ctx, session)

		_, err = provider.Append(ctx, session, "orders-4", 0, []streams.RawItem{{IdempotencyKey: "a", Data: []byte("x")}})
		require.NoError(t, err)

		_, err = provider.Append(ctx, session, "orders-4", 0, []streams.RawItem{{IdempotencyKey: "b", Data: []byte("y")}})
		var mismatch *streams.VersionMismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, streams.Version(0), mismatch.Expected)
		require.Equal(t, streams.Version(1), mismatch.Actual)
	}))

	t.Run("AppendExpect fails with a stale expected version and succeeds with the current one", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-4b")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.AppendExpect(ctx, 1, streams.NewItem("a", []byte("x")))
		var mismatch *streams.VersionMismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, streams.Version(1), mismatch.Expected)
		require.Equal(t, streams.Version(0), mismatch.Actual)

		versions, err := h.AppendExpect(ctx, 0, streams.NewItem("a", []byte("x")))
		require.NoError(t, err)
		require.Equal(t, []streams.Version{1}, versions)
	}))

	t.Run("reading past the current version fails", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-5")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.Append(ctx, streams.NewItem("only", []byte("x")))
		require.NoError(t, err)

		_, err = h.ReadSlice(ctx, 1, 5, false)
		require.ErrorIs(t, err, streams.ErrVersionNotFound)

		_, err = h.ReadSlice(ctx, 2, 1, false)
		require.ErrorIs(t, err, streams.ErrBadArgument)
	}))

	t.Run("snapshot set, get, and replay-from-snapshot", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-6")
		require.NoError(t, err)
		defer h.Close(ctx)

		for i := 0; i < 5; i++ {
			_, err := h.Append(ctx, streams.NewItem(string(rune('a'+i)), []byte("v")))
			require.NoError(t, err)
		}

		require.NoError(t, h.SetSnapshot(ctx, 3, []byte(`{"sum":3}`)))

		versions, err := h.SnapshotVersions(ctx)
		require.NoError(t, err)
		require.Equal(t, []streams.Version{3}, versions)

		snap, err := h.Snapshot(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, []byte(`{"sum":3}`), snap)

		snapAll, from, rest, err := h.SnapshotAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte(`{"sum":3}`), snapAll)
		require.Equal(t, streams.Version(3), from)
		require.Len(t, rest, 2)
		require.Equal(t, streams.Version(4), rest[0].Version)
		require.Equal(t, streams.Version(5), rest[1].Version)

		require.NoError(t, h.ClearSnapshot(ctx, 3))
		_, err = h.Snapshot(ctx, 3)
		require.ErrorIs(t, err, streams.ErrSnapshotVersionNotFound)
	}))

	t.Run("ReadAll and ReadSlice splice in the applicable snapshot", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-6b")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.Append(ctx,
			streams.NewItem("data1", []byte("data1")),
			streams.NewItem("data2", []byte("data2")),
			streams.NewItem("data3", []byte("data3")),
		)
		require.NoError(t, err)
		require.NoError(t, h.SetSnapshot(ctx, 2, []byte("snap")))

		spliced, err := h.ReadAll(ctx, true)
		require.NoError(t, err)
		require.Len(t, spliced, 2)
		require.Equal(t, streams.Version(2), spliced[0].Version)
		require.Equal(t, []byte("snap"), spliced[0].Payload)
		require.Equal(t, streams.Version(3), spliced[1].Version)
		require.Equal(t, []byte("data3"), spliced[1].Payload)

		unspliced, err := h.ReadAll(ctx, false)
		require.NoError(t, err)
		require.Len(t, unspliced, 3)

		require.NoError(t, h.ClearSnapshot(ctx, 2))
		restored, err := h.ReadAll(ctx, true)
		require.NoError(t, err)
		require.Len(t, restored, 3)
		require.Equal(t, []byte("data1"), restored[0].Payload)
		require.Equal(t, []byte("data2"), restored[1].Payload)
		require.Equal(t, []byte("data3"), restored[2].Payload)

		require.NoError(t, h.SetSnapshot(ctx, 2, []byte("snap")))
		slice, err := h.ReadSlice(ctx, 1, 3, true)
		require.NoError(t, err)
		require.Len(t, slice, 2)
		require.Equal(t, streams.Version(2), slice[0].Version)

		sliceAtSnapshot, err := h.ReadSlice(ctx, 1, 2, true)
		require.NoError(t, err, "no strictly-later tail means no splicing")
		require.Len(t, sliceAtSnapshot, 2)
		require.Equal(t, []byte("data1"), sliceAtSnapshot[0].Payload)
		require.Equal(t, []byte("data2"), sliceAtSnapshot[1].Payload)
	}))

	t.Run("AppendWithIdempotency assigns versions atomically with no expected-version check", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()

		session, err := provider.OpenSession(ctx, "orders-6c", time.Second)
		require.NoError(t, err)
		defer provider.CloseSession(ctx, session)

		v, err := provider.AppendWithIdempotency(ctx, session, "orders-6c", "a", []byte("x"))
		require.NoError(t, err)
		require.Equal(t, streams.Version(1), v)

		v, err = provider.AppendWithIdempotency(ctx, session, "orders-6c", "b", []byte("y"))
		require.NoError(t, err)
		require.Equal(t, streams.Version(2), v)

		_, err = provider.AppendWithIdempotency(ctx, session, "orders-6c", "a", []byte("z"))
		var dupErr *streams.DuplicateIdempotencyError
		require.ErrorAs(t, err, &dupErr)
		require.Equal(t, streams.Version(1), dupErr.ExistingVersion)
	}))

	t.Run("operations without a valid session fail with InvalidSession", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()

		session, err := provider.OpenSession(ctx, "orders-6d", time.Second)
		require.NoError(t, err)
		defer provider.CloseSession(ctx, session)

		_, err = provider.Append(ctx, session, "orders-6d", 0, []streams.RawItem{{IdempotencyKey: "a", Data: []byte("x")}})
		require.NoError(t, err)
		require.NoError(t, provider.SetSnapshot(ctx, session, "orders-6d", 1, []byte("snap")))

		foreign := streams.Session{}
		_, err = provider.GetVersion(ctx, foreign, "orders-6d")
		require.ErrorIs(t, err, streams.ErrInvalidSession)
		_, _, err = provider.GetByVersion(ctx, foreign, "orders-6d", 1)
		require.ErrorIs(t, err, streams.ErrInvalidSession)
		_, _, err = provider.GetByIdempotency(ctx, foreign, "orders-6d", "a")
		require.ErrorIs(t, err, streams.ErrInvalidSession)
		_, err = provider.GetSnapshotVersions(ctx, foreign, "orders-6d")
		require.ErrorIs(t, err, streams.ErrInvalidSession)
		_, err = provider.GetSnapshot(ctx, foreign, "orders-6d", 1)
		require.ErrorIs(t, err, streams.ErrInvalidSession)
		require.ErrorIs(t, provider.SetSnapshot(ctx, foreign, "orders-6d", 1, []byte("x")), streams.ErrInvalidSession)
		require.ErrorIs(t, provider.RemoveSnapshot(ctx, foreign, "orders-6d", 1), streams.ErrInvalidSession)
		_, err = provider.AppendWithIdempotency(ctx, foreign, "orders-6d", "c", []byte("z"))
		require.ErrorIs(t, err, streams.ErrInvalidSession)
	}))

	t.Run("snapshot all with no snapshot returns the full range", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h, err := store.GetStream("orders-7")
		require.NoError(t, err)
		defer h.Close(ctx)

		_, err = h.Append(ctx, streams.NewItem("a", []byte("1")), streams.NewItem("b", []byte("2")))
		require.NoError(t, err)

		snap, from, rest, err := h.SnapshotAll(ctx)
		require.NoError(t, err)
		require.Nil(t, snap)
		require.Equal(t, streams.Version(0), from)
		require.Len(t, rest, 2)
	}))

	t.Run("sessions are exclusive per stream and expire", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()

		first, err := provider.OpenSession(ctx, "orders-8", 80*time.Millisecond)
		require.NoError(t, err)

		_, err = provider.OpenSession(ctx, "orders-8", 20*time.Millisecond)
		require.ErrorIs(t, err, streams.ErrSessionTimeout)

		time.Sleep(100 * time.Millisecond)

		second, err := provider.OpenSession(ctx, "orders-8", time.Second)
		require.NoError(t, err, "an expired session must be takeable over")
		defer provider.CloseSession(ctx, second)

		require.NoError(t, provider.CloseSession(ctx, first), "closing a superseded session must not disturb the new holder")

		_, err = provider.Append(ctx, second, "orders-8", 0, []streams.RawItem{{IdempotencyKey: "z", Data: []byte("z")}})
		require.NoError(t, err)
	}))

	t.Run("closing and reopening a handle releases and reacquires the session", eachProvider(func(t *testing.T, provider streams.Provider) {
		ctx := context.Background()
		store := newStoreOver(provider)

		h1, err := store.GetStream("orders-9")
		require.NoError(t, err)
		_, err = h1.Append(ctx, streams.NewItem("a", []byte("1")))
		require.NoError(t, err)
		require.NoError(t, h1.Close(ctx))

		_, err = h1.Append(ctx, streams.NewItem("b", []byte("2")))
		require.ErrorIs(t, err, streams.ErrInvalidSession)

		store.Forget("orders-9")
		h2, err := store.GetStream("orders-9")
		require.NoError(t, err)
		defer h2.Close(ctx)

		v, err := h2.Version(ctx)
		require.NoError(t, err)
		require.Equal(t, streams.Version(1), v)

		_, err = h2.Append(ctx, streams.NewItem("b", []byte("2")))
		require.NoError(t, err)
	}))
}

func TestStore_GetStreamReturnsTheSameHandle(t *testing.T) {
	store := newStoreOver(streams.NewInMemoryProvider(streams.NewConfig()))

	h1, err := store.GetStream("same")
	require.NoError(t, err)
	h2, err := store.GetStream("same")
	require.NoError(t, err)
	require.Same(t, h1, h2)
}

func TestStore_GetStreamRejectsEmptyID(t *testing.T) {
	store := newStoreOver(streams.NewInMemoryProvider(streams.NewConfig()))

	_, err := store.GetStream("")
	require.ErrorIs(t, err, streams.ErrBadArgument)
}

func TestFileProvider_ConcurrentAppendsSerializeThroughTheSession(t *testing.T) {
	ctx := context.Background()
	provider := streams.NewFileProvider(streams.NewConfig(streams.WithFileStreamRoot(t.TempDir())))
	store := streams.NewStore(provider, streams.WithLockTimeout(2*time.Second))

	h, err := store.GetStream("concurrent")
	require.NoError(t, err)
	defer h.Close(ctx)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := h.Append(ctx, streams.NewItem("key-"+strconv.Itoa(i), []byte("v")))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	v, err := h.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, streams.Version(n), v)
}
