// Package handlers wires the catalog, relay and realtime components into the
// HTTP API.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stevedore/internal/catalog"
	"stevedore/internal/metrics"
	"stevedore/internal/origin"
	"stevedore/internal/realtime"
	"stevedore/internal/relay"
	"stevedore/pkg/logging"
)

const manifestContentType = "application/vnd.apple.mpegurl"

// Handlers contains the HTTP handlers for the relay service.
type Handlers struct {
	store     *catalog.SnapshotStore
	scheduler *catalog.Scheduler
	relay     *relay.Relay
	fetcher   *realtime.Fetcher
	hub       *realtime.Hub
	lookup    relay.VideoLookup
	metrics   *metrics.Metrics
	logger    logging.Logger
}

// New creates a handlers instance.
func New(
	store *catalog.SnapshotStore,
	scheduler *catalog.Scheduler,
	streamRelay *relay.Relay,
	fetcher *realtime.Fetcher,
	hub *realtime.Hub,
	lookup relay.VideoLookup,
	m *metrics.Metrics,
	logger logging.Logger,
) *Handlers {
	return &Handlers{
		store:     store,
		scheduler: scheduler,
		relay:     streamRelay,
		fetcher:   fetcher,
		hub:       hub,
		lookup:    lookup,
		metrics:   m,
		logger:    logger,
	}
}

// RegisterRoutes mounts the API onto the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/catalog", h.GetCatalog)
	router.GET("/catalog/paginated", h.GetCatalogPaginated)
	router.GET("/catalog/videos/:id", h.GetVideo)

	router.POST("/refresh", h.TriggerRefresh)
	router.GET("/refresh/status", h.GetRefreshStatus)

	router.GET("/stream/:id/manifest", h.StreamManifest)
	router.GET("/stream/:id/segment", h.StreamSegment)

	router.GET("/realtime", h.GetRealtime)
	router.GET("/realtime/ws", h.HandleRealtimeWS)
}

// currentSnapshot returns the snapshot to serve, or nil after writing a 503.
// A stale snapshot is still served while a background refresh revalidates it.
func (h *Handlers) currentSnapshot(c *gin.Context) *catalog.Snapshot {
	snap, fresh := h.store.Get()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "catalog not yet synchronized",
		})
		return nil
	}
	if !fresh {
		go func() {
			if _, err := h.scheduler.TriggerManual(context.Background()); err != nil &&
				!errors.Is(err, catalog.ErrRefreshInProgress) {
				h.logger.WithError(err).Warn("Background catalog revalidation failed")
			}
		}()
	}
	return snap
}

// GetCatalog returns the full current snapshot. A cold catalog with nothing
// to serve yet is a 503 so load balancers hold traffic until warmup.
func (h *Handlers) GetCatalog(c *gin.Context) {
	snap := h.currentSnapshot(c)
	if snap == nil {
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetCatalogPaginated returns a filtered page of the catalog listing.
func (h *Handlers) GetCatalogPaginated(c *gin.Context) {
	snap := h.currentSnapshot(c)
	if snap == nil {
		return
	}

	query := catalog.ListQuery{
		FolderID: c.Query("folder"),
		Search:   c.Query("q"),
	}
	if page, err := strconv.Atoi(c.Query("page")); err == nil {
		query.Page = page
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		query.Limit = limit
	}
	if tags := c.Query("tags"); tags != "" {
		query.Tags = strings.Split(tags, ",")
	}

	c.JSON(http.StatusOK, snap.FilterVideos(query))
}

// GetVideo returns one catalog entry. Snapshot misses fall through to the
// origin so freshly published videos resolve before the next refresh.
func (h *Handlers) GetVideo(c *gin.Context) {
	id := c.Param("id")

	if snap, _ := h.store.Get(); snap != nil {
		if v, ok := snap.VideoByID(id); ok {
			c.JSON(http.StatusOK, v)
			return
		}
	}

	raw, err := h.lookup.GetVideo(c.Request.Context(), id)
	if err != nil {
		if origin.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
			return
		}
		h.logger.WithFields(logging.Fields{
			"video_id": id,
			"error":    err.Error(),
		}).Error("Origin video lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "origin unavailable"})
		return
	}
	c.JSON(http.StatusOK, catalog.NormalizeVideo(*raw, ""))
}

// TriggerRefresh starts a manual catalog refresh. A refresh already in
// flight is a 409.
func (h *Handlers) TriggerRefresh(c *gin.Context) {
	snap, err := h.scheduler.TriggerManual(c.Request.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrRefreshInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "refresh already in progress",
				"status": h.scheduler.Status(),
			})
			return
		}
		h.logger.WithError(err).Error("Manual catalog refresh failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "refresh failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"videos":  snap.Total,
		"folders": len(snap.Folders),
		"partial": len(snap.FolderErrors) > 0,
	})
}

// GetRefreshStatus reports the synchronization loop's state.
func (h *Handlers) GetRefreshStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// StreamManifest serves a video's rewritten root manifest.
func (h *Handlers) StreamManifest(c *gin.Context) {
	h.serveManifest(c, c.Param("id"), "")
}

// StreamSegment proxies one media file. Nested playlists are rewritten like
// the root manifest; transport stream segments are streamed through with the
// client's Range header forwarded.
func (h *Handlers) StreamSegment(c *gin.Context) {
	videoID := c.Param("id")
	name := c.Query("path")

	base := name
	if idx := strings.IndexByte(base, '?'); idx >= 0 {
		base = base[:idx]
	}
	if strings.HasSuffix(base, ".m3u8") {
		h.serveManifest(c, videoID, name)
		return
	}

	resp, err := h.relay.OpenSegment(c.Request.Context(), videoID, name, c.GetHeader("Range"))
	if err != nil {
		h.relayError(c, "segment", videoID, err)
		return
	}
	defer resp.Body.Close()

	h.metrics.RelayRequests.WithLabelValues("segment", strconv.Itoa(resp.StatusCode)).Inc()

	copyHeader(c, resp, "Content-Type")
	copyHeader(c, resp, "Content-Length")
	copyHeader(c, resp, "Content-Range")
	copyHeader(c, resp, "Accept-Ranges")

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// The player went away mid-segment; nothing to send it.
		h.logger.WithFields(logging.Fields{
			"video_id": videoID,
			"segment":  name,
		}).Debug("Segment stream interrupted")
	}
}

func (h *Handlers) serveManifest(c *gin.Context, videoID, relPath string) {
	manifest, err := h.relay.ServeManifest(c.Request.Context(), videoID, relPath, func(filename string) string {
		// Manifest entries may carry their own query string; escaping keeps
		// it inside the path parameter instead of splitting our query.
		return "/stream/" + videoID + "/segment?path=" + url.QueryEscape(filename)
	})
	if err != nil {
		h.relayError(c, "manifest", videoID, err)
		return
	}

	h.metrics.RelayRequests.WithLabelValues("manifest", "200").Inc()
	c.Data(http.StatusOK, manifestContentType, []byte(manifest))
}

func (h *Handlers) relayError(c *gin.Context, kind, videoID string, err error) {
	status := http.StatusBadGateway
	message := "origin unavailable"

	switch {
	case errors.Is(err, relay.ErrVideoNotFound):
		status, message = http.StatusNotFound, "video not found"
	case errors.Is(err, relay.ErrNotStreamable):
		status, message = http.StatusNotFound, "video is not streamable"
	case errors.Is(err, relay.ErrManifestUnavailable):
		h.logger.WithFields(logging.Fields{
			"video_id": videoID,
			"error":    err.Error(),
		}).Warn("Manifest fetch failed")
	default:
		if strings.Contains(err.Error(), "invalid segment") ||
			strings.Contains(err.Error(), "unsupported segment") {
			status, message = http.StatusBadRequest, err.Error()
		} else {
			h.logger.WithFields(logging.Fields{
				"video_id": videoID,
				"error":    err.Error(),
			}).Warn("Relay fetch failed")
		}
	}

	h.metrics.RelayRequests.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	c.JSON(status, gin.H{"error": message})
}

// GetRealtime returns a one-shot viewer count snapshot for clients that do
// not hold a websocket open.
func (h *Handlers) GetRealtime(c *gin.Context) {
	counts := h.fetcher.FetchCounts(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"counts":    counts,
		"timestamp": time.Now().UTC(),
	})
}

// HandleRealtimeWS upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleRealtimeWS(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func copyHeader(c *gin.Context, resp *http.Response, name string) {
	if v := resp.Header.Get(name); v != "" {
		c.Header(name, v)
	}
}
