package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"stevedore/internal/origin"
	"stevedore/pkg/logging"
)

// ErrRefreshInProgress is returned when a refresh is requested while another
// one is still running.
var ErrRefreshInProgress = fmt.Errorf("catalog refresh already in progress")

// OriginAPI is the slice of the origin client the refresher depends on.
type OriginAPI interface {
	ListFolders(ctx context.Context) ([]origin.RawFolder, error)
	FetchAllFolderVideos(ctx context.Context, folderID string) origin.FolderVideosResult
}

// RefresherMetrics receives refresh outcomes. All fields are optional.
type RefresherMetrics struct {
	OnRun           func(trigger, status string, duration time.Duration)
	OnFolderFailure func(folderID string)
}

// Refresher rebuilds the catalog snapshot from the origin. Folders are
// crawled concurrently under a hard parallelism cap with staggered starts,
// so a refresh never bursts through the origin's request quota.
type Refresher struct {
	api         OriginAPI
	store       *SnapshotStore
	concurrency int
	stagger     time.Duration
	logger      logging.Logger
	metrics     RefresherMetrics
	refreshing  atomic.Bool
}

// NewRefresher creates a refresher. concurrency caps simultaneous folder
// crawls; stagger is the delay between launching consecutive crawls.
func NewRefresher(api OriginAPI, store *SnapshotStore, concurrency int, stagger time.Duration, logger logging.Logger) *Refresher {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Refresher{
		api:         api,
		store:       store,
		concurrency: concurrency,
		stagger:     stagger,
		logger:      logger,
	}
}

// SetMetrics installs refresh outcome callbacks.
func (r *Refresher) SetMetrics(m RefresherMetrics) {
	r.metrics = m
}

// IsRefreshing reports whether a refresh is currently running.
func (r *Refresher) IsRefreshing() bool {
	return r.refreshing.Load()
}

// Run performs one full catalog refresh and publishes the resulting snapshot.
// Only one refresh runs at a time; concurrent calls get ErrRefreshInProgress.
// A folder whose crawl fails outright is recorded and skipped; the previous
// snapshot is replaced only when the folder list itself was fetched.
func (r *Refresher) Run(ctx context.Context, trigger string) (*Snapshot, error) {
	if !r.refreshing.CompareAndSwap(false, true) {
		return nil, ErrRefreshInProgress
	}
	defer r.refreshing.Store(false)

	start := time.Now()
	log := r.logger.WithField("trigger", trigger)
	log.Info("Catalog refresh started")

	rawFolders, err := r.api.ListFolders(ctx)
	if err != nil {
		r.recordRun(trigger, "error", time.Since(start))
		log.WithField("error", err.Error()).Error("Catalog refresh aborted, folder list unavailable")
		return nil, fmt.Errorf("list folders: %w", err)
	}

	folders := make([]Folder, len(rawFolders))
	for i, raw := range rawFolders {
		folders[i] = NormalizeFolder(raw)
	}

	videosByFolder := make([][]Video, len(rawFolders))
	var mu sync.Mutex
	folderErrors := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, raw := range rawFolders {
		if i > 0 && r.stagger > 0 {
			if err := sleepCtx(gctx, r.stagger); err != nil {
				break
			}
		}

		i, folderID := i, raw.ID
		g.Go(func() error {
			result := r.api.FetchAllFolderVideos(gctx, folderID)

			videos := make([]Video, 0, len(result.Videos))
			for _, rv := range result.Videos {
				videos = append(videos, NormalizeVideo(rv, folderID))
			}
			videosByFolder[i] = videos

			if result.PartialError != "" {
				mu.Lock()
				folderErrors[folderID] = result.PartialError
				mu.Unlock()
				if r.metrics.OnFolderFailure != nil {
					r.metrics.OnFolderFailure(folderID)
				}
				r.logger.WithFields(logging.Fields{
					"folder_id": folderID,
					"kept":      len(videos),
					"error":     result.PartialError,
				}).Warn("Folder crawl incomplete")
			}
			// A failed folder never fails the refresh.
			return nil
		})
	}
	g.Wait()

	snap := snapshotFromParts(folders, videosByFolder, folderErrors)

	if prev := r.store.current.Load(); prev != nil && prev.SameContent(snap) {
		log.WithField("videos", snap.Total).Debug("Catalog unchanged since last refresh")
	}
	r.store.Set(ctx, snap)

	status := "ok"
	if len(folderErrors) > 0 {
		status = "partial"
	}
	r.recordRun(trigger, status, time.Since(start))

	log.WithFields(logging.Fields{
		"videos":         snap.Total,
		"folders":        len(folders),
		"failed_folders": len(folderErrors),
		"duration":       time.Since(start).Round(time.Millisecond).String(),
	}).Info("Catalog refresh finished")

	return snap, nil
}

func (r *Refresher) recordRun(trigger, status string, duration time.Duration) {
	if r.metrics.OnRun != nil {
		r.metrics.OnRun(trigger, status, duration)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
