package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stevedore/pkg/logging"
)

// fakeSharedTier is an in-memory stand-in for the Redis snapshot key.
type fakeSharedTier struct {
	mu     sync.Mutex
	values map[string][]byte
	getErr error
	setErr error
}

func newFakeSharedTier() *fakeSharedTier {
	return &fakeSharedTier{values: map[string][]byte{}}
}

func (f *fakeSharedTier) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return goredis.NewStringResult("", f.getErr)
	}
	val, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(string(val), nil)
}

func (f *fakeSharedTier) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return goredis.NewStatusResult("", f.setErr)
	}
	f.values[key] = value.([]byte)
	return goredis.NewStatusResult("OK", nil)
}

func storeLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetLevel(logging.ErrorLevel)
	return logger
}

func TestSnapshotStoreColdStart(t *testing.T) {
	store := NewSnapshotStore(5*time.Minute, nil, storeLogger())
	snap, fresh := store.Get()
	assert.Nil(t, snap)
	assert.False(t, fresh)
	_, ok := store.LastRefresh()
	assert.False(t, ok)
}

func TestSnapshotStoreFreshAndStale(t *testing.T) {
	store := NewSnapshotStore(50*time.Millisecond, nil, storeLogger())
	store.Set(context.Background(), &Snapshot{Total: 1, Timestamp: time.Now()})

	snap, fresh := store.Get()
	require.NotNil(t, snap)
	assert.True(t, fresh)

	time.Sleep(80 * time.Millisecond)

	// Stale snapshots are still served.
	snap, fresh = store.Get()
	require.NotNil(t, snap)
	assert.False(t, fresh)
	assert.Equal(t, 1, snap.Total)
}

func TestSnapshotStoreLookupHook(t *testing.T) {
	store := NewSnapshotStore(time.Minute, nil, storeLogger())
	var outcomes []string
	store.SetLookupHook(func(outcome string) { outcomes = append(outcomes, outcome) })

	store.Get()
	store.Set(context.Background(), &Snapshot{Timestamp: time.Now()})
	store.Get()

	assert.Equal(t, []string{"miss", "fresh"}, outcomes)
}

func TestSnapshotStoreWriteThrough(t *testing.T) {
	shared := newFakeSharedTier()
	store := NewSnapshotStore(time.Minute, shared, storeLogger())

	store.Set(context.Background(), &Snapshot{
		Videos:    []Video{{ID: "vid-1", Title: "A"}},
		Total:     1,
		Timestamp: time.Now().UTC(),
	})

	payload, ok := shared.values[defaultSnapshotKey]
	require.True(t, ok)

	var persisted Snapshot
	require.NoError(t, json.Unmarshal(payload, &persisted))
	assert.Equal(t, 1, persisted.Total)
	assert.Equal(t, "vid-1", persisted.Videos[0].ID)
}

func TestSnapshotStoreWriteThroughFailureTolerated(t *testing.T) {
	shared := newFakeSharedTier()
	shared.setErr = fmt.Errorf("connection refused")
	store := NewSnapshotStore(time.Minute, shared, storeLogger())

	store.Set(context.Background(), &Snapshot{Total: 3, Timestamp: time.Now()})

	// The in-process tier still serves.
	snap, fresh := store.Get()
	require.NotNil(t, snap)
	assert.True(t, fresh)
	assert.Equal(t, 3, snap.Total)
}

func TestSnapshotStoreRehydrate(t *testing.T) {
	shared := newFakeSharedTier()
	persisted := &Snapshot{
		Videos:    []Video{{ID: "vid-1"}, {ID: "vid-2"}},
		Total:     2,
		Timestamp: time.Now().UTC().Add(-time.Hour),
	}
	payload, err := json.Marshal(persisted)
	require.NoError(t, err)
	shared.values[defaultSnapshotKey] = payload

	store := NewSnapshotStore(time.Minute, shared, storeLogger())
	assert.True(t, store.Rehydrate(context.Background()))

	snap, fresh := store.Get()
	require.NotNil(t, snap)
	assert.False(t, fresh) // an hour old, beyond the freshness window
	assert.Equal(t, 2, snap.Total)

	// A second rehydrate is a no-op once a snapshot is loaded.
	assert.False(t, store.Rehydrate(context.Background()))
}

func TestSnapshotStoreRehydrateMissAndError(t *testing.T) {
	store := NewSnapshotStore(time.Minute, newFakeSharedTier(), storeLogger())
	assert.False(t, store.Rehydrate(context.Background()))

	broken := newFakeSharedTier()
	broken.getErr = fmt.Errorf("connection refused")
	store = NewSnapshotStore(time.Minute, broken, storeLogger())
	assert.False(t, store.Rehydrate(context.Background()))

	corrupt := newFakeSharedTier()
	corrupt.values[defaultSnapshotKey] = []byte("{not json")
	store = NewSnapshotStore(time.Minute, corrupt, storeLogger())
	assert.False(t, store.Rehydrate(context.Background()))
}

func TestSnapshotStoreNoSharedTier(t *testing.T) {
	store := NewSnapshotStore(time.Minute, nil, storeLogger())
	assert.False(t, store.Rehydrate(context.Background()))
	store.Set(context.Background(), &Snapshot{Timestamp: time.Now()})
	_, fresh := store.Get()
	assert.True(t, fresh)
}
