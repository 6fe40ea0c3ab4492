package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stevedore/internal/catalog"
	"stevedore/internal/metrics"
	"stevedore/internal/origin"
	"stevedore/internal/realtime"
	"stevedore/internal/relay"
	"stevedore/pkg/logging"
	"stevedore/pkg/monitoring"
)

// fakeBackend scripts every origin interaction the handlers reach.
type fakeBackend struct {
	mu         sync.Mutex
	folders    []origin.RawFolder
	foldersErr error
	videos     map[string][]origin.RawVideo
	byID       map[string]*origin.RawVideo
	counts     map[string]int64
	assets     map[string]string
	crawlDelay time.Duration
}

func (f *fakeBackend) ListFolders(ctx context.Context) ([]origin.RawFolder, error) {
	if f.foldersErr != nil {
		return nil, f.foldersErr
	}
	return f.folders, nil
}

func (f *fakeBackend) FetchAllFolderVideos(ctx context.Context, folderID string) origin.FolderVideosResult {
	if f.crawlDelay > 0 {
		time.Sleep(f.crawlDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return origin.FolderVideosResult{Videos: f.videos[folderID]}
}

func (f *fakeBackend) GetVideo(ctx context.Context, id string) (*origin.RawVideo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.byID[id]; ok {
		return v, nil
	}
	return nil, &origin.HTTPError{Status: http.StatusNotFound, Body: "no such video"}
}

func (f *fakeBackend) FetchRealtimeViews(ctx context.Context) (map[string]int64, error) {
	if f.counts == nil {
		return nil, fmt.Errorf("origin returned 500")
	}
	return f.counts, nil
}

func (f *fakeBackend) FetchAsset(ctx context.Context, assetURL, rangeHeader string) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.assets[assetURL]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("not found")),
		}, nil
	}
	header := http.Header{}
	status := http.StatusOK
	base := assetURL
	if idx := strings.IndexByte(base, '?'); idx >= 0 {
		base = base[:idx]
	}
	switch {
	case strings.HasSuffix(base, ".ts"):
		header.Set("Content-Type", "video/mp2t")
		if rangeHeader != "" {
			status = http.StatusPartialContent
			header.Set("Content-Range", "bytes 0-3/4")
		}
	case strings.HasSuffix(base, ".mp4"):
		header.Set("Content-Type", "video/mp4")
	default:
		header.Set("Content-Type", "application/vnd.apple.mpegurl")
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Metrics
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		collector := monitoring.NewMetricsCollector("stevedore_handlers_test", "test", "none")
		testMetrics = metrics.New(collector)
	})
	return testMetrics
}

func quietLogger() logging.Logger {
	logger := logging.NewLogger()
	logger.SetLevel(logging.ErrorLevel)
	return logger
}

func defaultBackend() *fakeBackend {
	return &fakeBackend{
		folders: []origin.RawFolder{{ID: "f1", Name: "Tours"}},
		videos: map[string][]origin.RawVideo{
			"f1": {
				{ID: "vid-1", Title: "Harbor Tour", Poster: "https://storage.example.com/videos/vid-1/poster.jpg"},
				{ID: "vid-2", Title: "Crane Cam"},
			},
		},
		byID: map[string]*origin.RawVideo{
			"vid-hidden": {ID: "vid-hidden", Title: "Unlisted", Poster: "https://storage.example.com/videos/vid-hidden/poster.jpg"},
		},
		counts: map[string]int64{"vid-1": 7},
		assets: map[string]string{
			"https://storage.example.com/videos/vid-1/playlist.m3u8": "#EXTM3U\n#EXTINF:6.000,\nseg_0000.ts\n#EXT-X-ENDLIST\n",
			"https://storage.example.com/videos/vid-1/seg_0000.ts":   "data",
		},
	}
}

type fixture struct {
	router    *gin.Engine
	store     *catalog.SnapshotStore
	scheduler *catalog.Scheduler
	backend   *fakeBackend
}

func newFixture(t *testing.T, backend *fakeBackend) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := quietLogger()
	store := catalog.NewSnapshotStore(time.Minute, nil, logger)
	refresher := catalog.NewRefresher(backend, store, 2, 0, logger)
	scheduler := catalog.NewScheduler(refresher, time.Hour, logger)

	resolver := relay.NewResolver(store, backend, logger)
	streamRelay := relay.NewRelay(resolver, backend, logger)
	fetcher := realtime.NewFetcher(backend, time.Second, logger)
	hub := realtime.NewHub(fetcher, time.Hour, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	h := New(store, scheduler, streamRelay, fetcher, hub, backend, sharedMetrics(), logger)
	router := gin.New()
	h.RegisterRoutes(router)

	return &fixture{router: router, store: store, scheduler: scheduler, backend: backend}
}

func (f *fixture) warm(t *testing.T) {
	t.Helper()
	_, err := f.scheduler.TriggerManual(context.Background())
	require.NoError(t, err)
}

func (f *fixture) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGetCatalogCold(t *testing.T) {
	f := newFixture(t, defaultBackend())
	w := f.do(http.MethodGet, "/catalog", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetCatalogWarm(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/catalog", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap catalog.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.Total)
	assert.Len(t, snap.Folders, 1)
}

func TestGetCatalogServesStaleAndRevalidates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := quietLogger()
	backend := defaultBackend()

	store := catalog.NewSnapshotStore(30*time.Millisecond, nil, logger)
	refresher := catalog.NewRefresher(backend, store, 2, 0, logger)
	scheduler := catalog.NewScheduler(refresher, time.Hour, logger)
	resolver := relay.NewResolver(store, backend, logger)
	streamRelay := relay.NewRelay(resolver, backend, logger)
	fetcher := realtime.NewFetcher(backend, time.Second, logger)
	hub := realtime.NewHub(fetcher, time.Hour, logger)

	h := New(store, scheduler, streamRelay, fetcher, hub, backend, sharedMetrics(), logger)
	router := gin.New()
	h.RegisterRoutes(router)

	_, err := scheduler.TriggerManual(context.Background())
	require.NoError(t, err)
	first, _ := store.LastRefresh()

	time.Sleep(60 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/catalog", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// The stale snapshot is served immediately.
	require.Equal(t, http.StatusOK, w.Code)

	// And a background refresh replaces it shortly after.
	require.Eventually(t, func() bool {
		last, _ := store.LastRefresh()
		return last.After(first)
	}, time.Second, 5*time.Millisecond)
}

func TestGetCatalogPaginated(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/catalog/paginated?page=1&limit=1&q=harbor", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page catalog.PageResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Videos, 1)
	assert.Equal(t, "vid-1", page.Videos[0].ID)
}

func TestGetVideoFromSnapshot(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/catalog/videos/vid-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v catalog.Video
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, "Harbor Tour", v.Title)
	assert.True(t, v.Streamable())
}

func TestGetVideoOriginFallback(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/catalog/videos/vid-hidden", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v catalog.Video
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, "Unlisted", v.Title)
}

func TestGetVideoNotFound(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/catalog/videos/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerRefresh(t *testing.T) {
	f := newFixture(t, defaultBackend())

	w := f.do(http.MethodPost, "/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["videos"])
	assert.Equal(t, false, body["partial"])
}

func TestTriggerRefreshConflict(t *testing.T) {
	backend := defaultBackend()
	backend.crawlDelay = 100 * time.Millisecond
	f := newFixture(t, backend)

	go f.do(http.MethodPost, "/refresh", nil)
	time.Sleep(20 * time.Millisecond)

	w := f.do(http.MethodPost, "/refresh", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRefreshStatus(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/refresh/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status catalog.RefreshStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.NotNil(t, status.LastSuccess)
	assert.False(t, status.Refreshing)
}

func TestStreamManifest(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/stream/vid-1/manifest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, manifestContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "/stream/vid-1/segment?path=seg_0000.ts")
	assert.Contains(t, w.Body.String(), "#EXT-X-ENDLIST")
}

func TestStreamManifestNotStreamable(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	// vid-2 has no poster, so no asset location.
	w := f.do(http.MethodGet, "/stream/vid-2/manifest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamSegment(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/stream/vid-1/segment?path=seg_0000.ts", map[string]string{
		"Range": "bytes=0-3",
	})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
	assert.Equal(t, "bytes 0-3/4", w.Header().Get("Content-Range"))
	assert.Equal(t, "data", w.Body.String())
}

func TestStreamSegmentMP4(t *testing.T) {
	backend := defaultBackend()
	backend.assets["https://storage.example.com/videos/vid-1/video.mp4"] = "mp4 bytes"
	f := newFixture(t, backend)
	f.warm(t)

	w := f.do(http.MethodGet, "/stream/vid-1/segment?path=video.mp4", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "mp4 bytes", w.Body.String())
}

func TestStreamManifestEscapesSegmentQuery(t *testing.T) {
	backend := defaultBackend()
	backend.assets["https://storage.example.com/videos/vid-1/playlist.m3u8"] =
		"#EXTM3U\n#EXTINF:6.000,\nseg_0001.ts?token=abc\n#EXT-X-ENDLIST\n"
	backend.assets["https://storage.example.com/videos/vid-1/seg_0001.ts?token=abc"] = "data"
	f := newFixture(t, backend)
	f.warm(t)

	w := f.do(http.MethodGet, "/stream/vid-1/manifest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/stream/vid-1/segment?path=seg_0001.ts%3Ftoken%3Dabc")

	// The escaped URL round-trips back through the segment endpoint with the
	// origin token intact.
	w = f.do(http.MethodGet, "/stream/vid-1/segment?path=seg_0001.ts%3Ftoken%3Dabc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", w.Body.String())
}

func TestStreamSegmentRejectsTraversal(t *testing.T) {
	f := newFixture(t, defaultBackend())
	f.warm(t)

	w := f.do(http.MethodGet, "/stream/vid-1/segment?path=../../etc/passwd.ts", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRealtime(t *testing.T) {
	f := newFixture(t, defaultBackend())

	w := f.do(http.MethodGet, "/realtime", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Counts map[string]int64 `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body.Counts["vid-1"])
}

func TestGetRealtimeDegradesToEmpty(t *testing.T) {
	backend := defaultBackend()
	backend.counts = nil
	f := newFixture(t, backend)

	w := f.do(http.MethodGet, "/realtime", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Counts map[string]int64 `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Counts)
}
