package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"stevedore/pkg/logging"
)

const defaultSnapshotKey = "stevedore:catalog:snapshot"

// SharedTier is the subset of the Redis API the store needs. Satisfied by
// *goredis.Client; nil disables the shared tier entirely.
type SharedTier interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// SnapshotStore keeps the active catalog snapshot. The in-process tier is an
// atomic pointer swap, so reads never block on a refresh. The optional shared
// tier persists snapshots across restarts; its failures only degrade warmup,
// never reads.
type SnapshotStore struct {
	current  atomic.Pointer[Snapshot]
	ttl      time.Duration
	shared   SharedTier
	key      string
	logger   logging.Logger
	onLookup func(outcome string)
}

// NewSnapshotStore creates a store with the given freshness window. shared
// may be nil when no Redis is configured.
func NewSnapshotStore(ttl time.Duration, shared SharedTier, logger logging.Logger) *SnapshotStore {
	return &SnapshotStore{
		ttl:    ttl,
		shared: shared,
		key:    defaultSnapshotKey,
		logger: logger,
	}
}

// SetLookupHook installs a metrics callback invoked per Get with the outcome
// ("fresh", "stale" or "miss").
func (s *SnapshotStore) SetLookupHook(hook func(outcome string)) {
	s.onLookup = hook
}

// Get returns the current snapshot and whether it is within the freshness
// window. A stale snapshot is still returned so readers keep working through
// origin outages.
func (s *SnapshotStore) Get() (*Snapshot, bool) {
	snap := s.current.Load()
	if snap == nil {
		s.record("miss")
		return nil, false
	}
	if time.Since(snap.Timestamp) > s.ttl {
		s.record("stale")
		return snap, false
	}
	s.record("fresh")
	return snap, true
}

// Set atomically publishes a new snapshot and writes it through to the shared
// tier. The write-through is best effort.
func (s *SnapshotStore) Set(ctx context.Context, snap *Snapshot) {
	s.current.Store(snap)

	if s.shared == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to encode snapshot for shared tier")
		return
	}
	// No expiry: a stale shared snapshot still beats a cold start.
	if err := s.shared.Set(ctx, s.key, payload, 0).Err(); err != nil {
		s.logger.WithField("error", err.Error()).Warn("Snapshot write-through to shared tier failed")
	}
}

// Rehydrate loads a previously persisted snapshot from the shared tier into
// the in-process tier. Called once at startup; a hit means the service can
// serve immediately while the first refresh runs.
func (s *SnapshotStore) Rehydrate(ctx context.Context) bool {
	if s.shared == nil || s.current.Load() != nil {
		return false
	}

	payload, err := s.shared.Get(ctx, s.key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			s.logger.WithField("error", err.Error()).Warn("Snapshot rehydrate from shared tier failed")
		}
		return false
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		s.logger.WithField("error", err.Error()).Warn("Discarding undecodable persisted snapshot")
		return false
	}

	s.current.Store(&snap)
	s.logger.WithFields(logging.Fields{
		"videos":  snap.Total,
		"folders": len(snap.Folders),
		"age":     time.Since(snap.Timestamp).Round(time.Second).String(),
	}).Info("Catalog rehydrated from shared tier")
	return true
}

// LastRefresh returns when the current snapshot was taken.
func (s *SnapshotStore) LastRefresh() (time.Time, bool) {
	snap := s.current.Load()
	if snap == nil {
		return time.Time{}, false
	}
	return snap.Timestamp, true
}

// SnapshotAge returns the current snapshot's age, or zero when cold.
func (s *SnapshotStore) SnapshotAge() time.Duration {
	snap := s.current.Load()
	if snap == nil {
		return 0
	}
	return time.Since(snap.Timestamp)
}

func (s *SnapshotStore) record(outcome string) {
	if s.onLookup != nil {
		s.onLookup(outcome)
	}
}
