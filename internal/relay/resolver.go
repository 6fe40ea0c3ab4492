package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stevedore/internal/catalog"
	"stevedore/internal/origin"
	"stevedore/pkg/cache"
	"stevedore/pkg/logging"
)

var (
	// ErrVideoNotFound means neither the snapshot nor the origin knows the id.
	ErrVideoNotFound = errors.New("video not found")
	// ErrNotStreamable means the video exists but its asset directory could
	// not be derived, so there is nothing to relay.
	ErrNotStreamable = errors.New("video has no resolvable asset location")
)

// AssetLocation is where a video's HLS files live on origin storage.
type AssetLocation struct {
	BaseURL string
	Path    string
}

// VideoLookup is the single-video slice of the origin client.
type VideoLookup interface {
	GetVideo(ctx context.Context, id string) (*origin.RawVideo, error)
}

// Resolver maps a video id to its asset location. The snapshot answers most
// lookups for free; misses fall through to a memoized origin lookup so a
// video published between refreshes is still streamable.
type Resolver struct {
	store  *catalog.SnapshotStore
	lookup VideoLookup
	misses *cache.Cache
	logger logging.Logger
}

// NewResolver creates a resolver backed by the snapshot store with an origin
// fallback for snapshot misses.
func NewResolver(store *catalog.SnapshotStore, lookup VideoLookup, logger logging.Logger) *Resolver {
	misses := cache.New(cache.Options{
		TTL:                  5 * time.Minute,
		StaleWhileRevalidate: time.Minute,
		NegativeTTL:          30 * time.Second,
		MaxEntries:           1024,
	}, cache.MetricsHooks{})

	return &Resolver{
		store:  store,
		lookup: lookup,
		misses: misses,
		logger: logger,
	}
}

// Resolve returns the asset location for a video id.
func (r *Resolver) Resolve(ctx context.Context, videoID string) (AssetLocation, error) {
	if snap, _ := r.store.Get(); snap != nil {
		if v, ok := snap.VideoByID(videoID); ok {
			return locationOf(v)
		}
	}

	val, found, err := r.misses.Get(ctx, videoID, r.loadFromOrigin)
	if err != nil {
		return AssetLocation{}, fmt.Errorf("resolve %s from origin: %w", videoID, err)
	}
	if !found {
		return AssetLocation{}, ErrVideoNotFound
	}
	return locationOf(val.(catalog.Video))
}

func (r *Resolver) loadFromOrigin(ctx context.Context, videoID string) (interface{}, bool, error) {
	raw, err := r.lookup.GetVideo(ctx, videoID)
	if err != nil {
		if origin.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	r.logger.WithField("video_id", videoID).Debug("Resolved video from origin, not yet in snapshot")
	return catalog.NormalizeVideo(*raw, ""), true, nil
}

func locationOf(v catalog.Video) (AssetLocation, error) {
	if !v.Streamable() {
		return AssetLocation{}, ErrNotStreamable
	}
	return AssetLocation{BaseURL: v.AssetBaseURL, Path: v.AssetPath}, nil
}
