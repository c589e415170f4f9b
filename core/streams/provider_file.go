package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hexalith/streams-go/core/cache"
	"github.com/hexalith/streams-go/core/perkey"
	"github.com/hexalith/streams-go/core/sf"
	"github.com/hexalith/streams-go/ports/kv"
)

const (
	lockFileName   = "lock.json"
	dataDirName    = "Data"
	snapshotSubdir = "Snapshots"
)

// itemFilePattern matches a Data/<version>.<idempotency_key>.<fmt> file
// name. The idempotency key itself may contain dots, so the version
// prefix and format suffix are anchored and the key is whatever is
// left in between.
var itemFilePattern = regexp.MustCompile(`^(\d+)\.(.+)\.([A-Za-z0-9_-]+)$`)

// snapshotFilePattern matches a Data/Snapshots/<version>.<fmt> file name.
var snapshotFilePattern = regexp.MustCompile(`^(\d+)\.([A-Za-z0-9_-]+)$`)

// fileIndex is the lazily-built, per-stream directory listing
// FileProvider caches to avoid re-scanning Data/ on every lookup.
// Correctness never depends on it: every miss falls back to a fresh
// os.ReadDir.
type fileIndex struct {
	byVersion     map[Version]string // version -> file name
	byIdempotency map[string]Version // idempotency key -> version
}

// FileProvider is a Provider backed by one directory per stream on a
// local or network filesystem. Version and idempotency-key lookups
// are resolved from filenames alone (no separate index file), exactly
// as InMemoryProvider resolves them from an in-memory map: the
// directory listing IS the index.
type FileProvider struct {
	root string

	locks *kv.FileLockStore

	retrySeq *perkey.Scheduler[string]

	indexCache cache.TypedCache[*fileIndex]
	indexSF    *sf.Singleflight[fileIndex]

	clock     Clock
	uniqueID  UniqueID
	metrics   Metrics
	log       *slog.Logger
	formatTag string
}

// NewFileProvider constructs a FileProvider rooted at cfg.FileStreamRootPath.
func NewFileProvider(cfg Config) *FileProvider {
	root := cfg.FileStreamRootPath
	formatTag := cfg.FormatTag
	if formatTag == "" {
		formatTag = JSONSerializer[any]{}.FormatTag()
	}
	return &FileProvider{
		root:       root,
		locks:      kv.NewFileLockStore(root),
		retrySeq:   perkey.New[string](),
		indexCache: cache.NewTyped[*fileIndex](cache.NewLRU(cache.LRUOpts{Size: 256})),
		indexSF:    sf.New[fileIndex](),
		clock:      cfg.Clock,
		uniqueID:   cfg.UniqueID,
		metrics:    cfg.Metrics,
		log:        cfg.Log.With(slog.String("provider", "file"), slog.String("root", root)),
		formatTag:  formatTag,
	}
}

func (p *FileProvider) streamDir(streamID string) string { return filepath.Join(p.root, streamID) }
func (p *FileProvider) dataDir(streamID string) string   { return filepath.Join(p.streamDir(streamID), dataDirName) }
func (p *FileProvider) snapshotDir(streamID string) string {
	return filepath.Join(p.dataDir(streamID), snapshotSubdir)
}
func (p *FileProvider) lockKey(streamID string) string { return filepath.Join(streamID, lockFileName) }

func (p *FileProvider) OpenSession(ctx context.Context, streamID string, timeout time.Duration) (Session, error) {
	if streamID == "" {
		return Session{}, fmt.Errorf("%w: empty stream id", ErrBadArgument)
	}

	timer := p.metrics.SessionAcquireDuration(streamID)
	defer timer.ObserveDuration()

	if err := os.MkdirAll(p.dataDir(streamID), 0o755); err != nil {
		return Session{}, wrapIo("OpenSession", err)
	}

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

			acquired, _, err := p.locks.TryAcquire(ctx, p.lockKey(streamID), kv.Entry{Data: data}, timeout, now)
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
	// Another process may have written while no session was held here.
	p.invalidateIndex(streamID)

	p.log.Debug("session opened", "stream_id", streamID, "session_id", result.ID)
	return result, nil
}

func (p *FileProvider) CloseSession(ctx context.Context, session Session) error {
	current, err := p.currentSessionID(session.StreamID)
	if err == nil && current == session.ID {
		return wrapIo("CloseSession", p.locks.Release(ctx, p.lockKey(session.StreamID)))
	}
	return nil
}

func (p *FileProvider) currentSessionID(streamID string) (string, error) {
	entry, err := p.locks.Get(context.Background(), p.lockKey(streamID))
	if err != nil {
		return "", err
	}
	var rec sessionRecord
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

func (p *FileProvider) checkSession(streamID string, session Session) error {
	if session.StreamID != streamID || session.ID == "" || session.Expired(p.clock) {
		return ErrInvalidSession
	}
	current, err := p.currentSessionID(streamID)
	if err != nil || current != session.ID {
		return ErrInvalidSession
	}
	return nil
}

// scanIndex builds a fresh fileIndex for streamID by listing Data/.
func (p *FileProvider) scanIndex(streamID string) (*fileIndex, error) {
	entries, err := os.ReadDir(p.dataDir(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return &fileIndex{byVersion: map[Version]string{}, byIdempotency: map[string]Version{}}, nil
		}
		return nil, err
	}

	idx := &fileIndex{byVersion: map[Version]string{}, byIdempotency: map[string]Version{}}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := itemFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		versionNum, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		v := Version(versionNum)
		if _, dup := idx.byVersion[v]; dup {
			return nil, &IoFailureError{Op: "scanIndex", Cause: fmt.Errorf("%w: duplicate version %d", ErrDuplicateOnDisk, v)}
		}
		idx.byVersion[v] = e.Name()
		key := m[2]
		if _, dup := idx.byIdempotency[key]; dup {
			return nil, &IoFailureError{Op: "scanIndex", Cause: fmt.Errorf("%w: duplicate idempotency key %q", ErrDuplicateOnDisk, key)}
		}
		idx.byIdempotency[key] = v
	}
	return idx, nil
}

// index returns the cached fileIndex for streamID, rebuilding it on a
// miss. Concurrent misses for the same stream are deduplicated so
// only one directory scan happens at a time.
func (p *FileProvider) index(streamID string) (*fileIndex, error) {
	if idx, ok := p.indexCache.Get(streamID); ok {
		p.metrics.IndexCacheHit(streamID)
		return idx, nil
	}
	p.metrics.IndexCacheMiss(streamID)

	idx, err := p.indexSF.Do(streamID, func() (*fileIndex, error) {
		return p.scanIndex(streamID)
	})
	if err != nil {
		return nil, err
	}
	p.indexCache.Put(streamID, idx)
	return idx, nil
}

func (p *FileProvider) invalidateIndex(streamID string) { p.indexCache.Delete(streamID) }

func (p *FileProvider) GetVersion(_ context.Context, session Session, streamID string) (Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return 0, err
	}

	idx, err := p.index(streamID)
	if err != nil {
		return 0, wrapIo("GetVersion", err)
	}
	var latest Version
	for v := range idx.byVersion {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (p *FileProvider) GetByVersion(_ context.Context, session Session, streamID string, v Version) ([]byte, string, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, "", err
	}

	idx, err := p.index(streamID)
	if err != nil {
		return nil, "", wrapIo("GetByVersion", err)
	}
	name, ok := idx.byVersion[v]
	if !ok {
		idx, err = p.scanIndex(streamID)
		if err != nil {
			return nil, "", wrapIo("GetByVersion", err)
		}
		p.indexCache.Put(streamID, idx)
		name, ok = idx.byVersion[v]
		if !ok {
			return nil, "", ErrVersionNotFound
		}
	}

	data, err := os.ReadFile(filepath.Join(p.dataDir(streamID), name))
	if err != nil {
		return nil, "", wrapIo("GetByVersion", err)
	}
	m := itemFilePattern.FindStringSubmatch(name)
	return data, m[2], nil
}

func (p *FileProvider) GetByIdempotency(_ context.Context, session Session, streamID string, idempotencyKey string) ([]byte, Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, 0, err
	}

	idx, err := p.index(streamID)
	if err != nil {
		return nil, 0, wrapIo("GetByIdempotency", err)
	}
	v, ok := idx.byIdempotency[idempotencyKey]
	if !ok {
		idx, err = p.scanIndex(streamID)
		if err != nil {
			return nil, 0, wrapIo("GetByIdempotency", err)
		}
		p.indexCache.Put(streamID, idx)
		v, ok = idx.byIdempotency[idempotencyKey]
		if !ok {
			return nil, 0, ErrIdempotencyNotFound
		}
	}

	name := idx.byVersion[v]
	data, err := os.ReadFile(filepath.Join(p.dataDir(streamID), name))
	if err != nil {
		return nil, 0, wrapIo("GetByIdempotency", err)
	}
	return data, v, nil
}

func (p *FileProvider) Append(ctx context.Context, session Session, streamID string, expectedVersion Version, items []RawItem) ([]Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, err
	}

	timer := p.metrics.AppendDuration(streamID)
	defer timer.ObserveDuration()

	idx, err := p.scanIndex(streamID)
	if err != nil {
		return nil, wrapIo("Append", err)
	}

	var actual Version
	for v := range idx.byVersion {
		if v > actual {
			actual = v
		}
	}
	if actual != expectedVersion {
		p.metrics.VersionConflict(streamID)
		return nil, &VersionMismatchError{Expected: expectedVersion, Actual: actual}
	}

	if _, dup := firstDuplicateWithinBatch(items); dup {
		p.metrics.DuplicateIdempotencyHit(streamID)
		return nil, &DuplicateIdempotencyError{ExistingVersion: 0}
	}
	for _, it := range items {
		if existing, dup := idx.byIdempotency[it.IdempotencyKey]; dup {
			p.metrics.DuplicateIdempotencyHit(streamID)
			return nil, &DuplicateIdempotencyError{ExistingVersion: existing}
		}
	}

	versions := make([]Version, len(items))
	next := actual
	for i, it := range items {
		select {
		case <-ctx.Done():
			return versions[:i], cancelledFrom(ctx)
		default:
		}

		next++
		name := itemFileName(next, it.IdempotencyKey, p.formatTag)
		path := filepath.Join(p.dataDir(streamID), name)
		if err := writeFileExclusive(path, it.Data); err != nil {
			p.invalidateIndex(streamID)
			return versions[:i], wrapIo("Append", err)
		}
		versions[i] = next
	}
	p.metrics.ItemsAppended(streamID, len(items))
	p.invalidateIndex(streamID)

	return versions, nil
}

// AppendWithIdempotency assigns the next version atomically, with no
// expected-version precondition.
func (p *FileProvider) AppendWithIdempotency(ctx context.Context, session Session, streamID string, idempotencyKey string, data []byte) (Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return 0, err
	}

	timer := p.metrics.AppendDuration(streamID)
	defer timer.ObserveDuration()

	idx, err := p.scanIndex(streamID)
	if err != nil {
		return 0, wrapIo("AppendWithIdempotency", err)
	}
	if existing, dup := idx.byIdempotency[idempotencyKey]; dup {
		p.metrics.DuplicateIdempotencyHit(streamID)
		return 0, &DuplicateIdempotencyError{ExistingVersion: existing}
	}

	var actual Version
	for v := range idx.byVersion {
		if v > actual {
			actual = v
		}
	}
	next := actual + 1

	select {
	case <-ctx.Done():
		return 0, cancelledFrom(ctx)
	default:
	}

	name := itemFileName(next, idempotencyKey, p.formatTag)
	path := filepath.Join(p.dataDir(streamID), name)
	if err := writeFileExclusive(path, data); err != nil {
		p.invalidateIndex(streamID)
		return 0, wrapIo("AppendWithIdempotency", err)
	}
	p.metrics.ItemsAppended(streamID, 1)
	p.invalidateIndex(streamID)

	return next, nil
}

func (p *FileProvider) GetSnapshotVersions(_ context.Context, session Session, streamID string) ([]Version, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.snapshotDir(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIo("GetSnapshotVersions", err)
	}

	out := make([]Version, 0, len(entries))
	for _, e := range entries {
		m := snapshotFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Version(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (p *FileProvider) snapshotPath(streamID string, v Version) (string, error) {
	entries, err := os.ReadDir(p.snapshotDir(streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotVersionNotFound
		}
		return "", err
	}
	prefix := strconv.FormatUint(v.Uint64(), 10) + "."
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && snapshotFilePattern.MatchString(e.Name()) {
			return filepath.Join(p.snapshotDir(streamID), e.Name()), nil
		}
	}
	return "", ErrSnapshotVersionNotFound
}

func (p *FileProvider) GetSnapshot(_ context.Context, session Session, streamID string, v Version) ([]byte, error) {
	if err := p.checkSession(streamID, session); err != nil {
		return nil, err
	}

	timer := p.metrics.SnapshotDuration(streamID)
	defer timer.ObserveDuration()

	path, err := p.snapshotPath(streamID, v)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapIo("GetSnapshot", err)
	}
	return data, nil
}

func (p *FileProvider) SetSnapshot(_ context.Context, session Session, streamID string, v Version, data []byte) error {
	if err := p.checkSession(streamID, session); err != nil {
		return err
	}

	timer := p.metrics.SnapshotDuration(streamID)
	defer timer.ObserveDuration()

	if err := os.MkdirAll(p.snapshotDir(streamID), 0o755); err != nil {
		return wrapIo("SetSnapshot", err)
	}
	if existing, err := p.snapshotPath(streamID, v); err == nil {
		if rmErr := os.Remove(existing); rmErr != nil {
			return wrapIo("SetSnapshot", rmErr)
		}
	}
	name := strconv.FormatUint(v.Uint64(), 10) + "." + p.formatTag
	if err := os.WriteFile(filepath.Join(p.snapshotDir(streamID), name), data, 0o644); err != nil {
		return wrapIo("SetSnapshot", err)
	}
	return nil
}

func (p *FileProvider) RemoveSnapshot(_ context.Context, session Session, streamID string, v Version) error {
	if err := p.checkSession(streamID, session); err != nil {
		return err
	}

	timer := p.metrics.SnapshotDuration(streamID)
	defer timer.ObserveDuration()

	path, err := p.snapshotPath(streamID, v)
	if err != nil {
		if err == ErrSnapshotVersionNotFound {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil {
		return wrapIo("RemoveSnapshot", err)
	}
	return nil
}

func itemFileName(v Version, idempotencyKey string, formatTag string) string {
	return fmt.Sprintf("%d.%s.%s", v.Uint64(), idempotencyKey, formatTag)
}

// writeFileExclusive writes data to path, failing if path already
// exists — the directory scan established that no item file claims
// this version, so a collision here means a concurrent writer beat us
// despite holding the session, which is a fatal consistency error.
func writeFileExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

var _ Provider = (*FileProvider)(nil)
