package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"stevedore/pkg/clients"
	"stevedore/pkg/logging"
)

const defaultManifestName = "playlist.m3u8"

// ErrManifestUnavailable wraps origin failures while fetching or reading a
// manifest.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// AssetFetcher performs authenticated GETs against origin storage.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, assetURL, rangeHeader string) (*http.Response, error)
}

// Relay streams HLS content from origin storage. Asset fetches run behind a
// circuit breaker so a storage outage sheds load fast instead of piling up
// blocked player connections.
type Relay struct {
	resolver *Resolver
	fetcher  AssetFetcher
	breaker  *clients.CircuitBreaker
	logger   logging.Logger
}

// NewRelay creates a relay over the given resolver and asset fetcher.
func NewRelay(resolver *Resolver, fetcher AssetFetcher, logger logging.Logger) *Relay {
	cbCfg := clients.DefaultCircuitBreakerConfig()
	cbCfg.Name = "origin-storage"
	cbCfg.Logger = logger
	cbCfg.OnStateChange = clients.CircuitBreakerMetricsCallback()

	return &Relay{
		resolver: resolver,
		fetcher:  fetcher,
		breaker:  clients.NewCircuitBreaker(cbCfg),
		logger:   logger,
	}
}

// ServeManifest fetches a video's manifest and rewrites its entries to relay
// URLs. segmentURL maps an origin filename to the relay's segment endpoint
// for this video. relPath selects a nested playlist; empty means the root
// manifest.
func (r *Relay) ServeManifest(ctx context.Context, videoID, relPath string, segmentURL func(filename string) string) (string, error) {
	loc, err := r.resolver.Resolve(ctx, videoID)
	if err != nil {
		return "", err
	}

	name := relPath
	if name == "" {
		name = defaultManifestName
	}
	if err := validateSegmentName(name); err != nil {
		return "", err
	}

	resp, err := r.fetchThroughBreaker(ctx, assetURL(loc, name), "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: origin returned %d", ErrManifestUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}

	return RewriteManifest(string(body), segmentURL), nil
}

// OpenSegment opens a media file under the video's asset directory, forwarding
// the player's Range header. The caller streams and closes the response.
func (r *Relay) OpenSegment(ctx context.Context, videoID, filename, rangeHeader string) (*http.Response, error) {
	if err := validateSegmentName(filename); err != nil {
		return nil, err
	}

	loc, err := r.resolver.Resolve(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return r.fetchThroughBreaker(ctx, assetURL(loc, filename), rangeHeader)
}

// BreakerOpen reports whether the storage circuit is currently open.
func (r *Relay) BreakerOpen() bool {
	return r.breaker.IsOpen()
}

func (r *Relay) fetchThroughBreaker(ctx context.Context, u, rangeHeader string) (*http.Response, error) {
	var resp *http.Response
	err := r.breaker.Call(func() error {
		var ferr error
		resp, ferr = r.fetcher.FetchAsset(ctx, u, rangeHeader)
		if ferr != nil {
			return ferr
		}
		if resp.StatusCode >= 500 {
			status := resp.StatusCode
			resp.Body.Close()
			resp = nil
			return fmt.Errorf("origin storage returned %d", status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// assetURL joins the asset directory with a filename. A query string carried
// by the manifest entry (origin-side tokens) is passed through verbatim.
func assetURL(loc AssetLocation, filename string) string {
	name, query := splitQuery(filename)
	return loc.BaseURL + loc.Path + "/" + url.PathEscape(name) + query
}

func splitQuery(filename string) (name, query string) {
	if idx := strings.IndexByte(filename, '?'); idx >= 0 {
		return filename[:idx], filename[idx:]
	}
	return filename, ""
}

// validateSegmentName rejects path traversal and anything that is not an HLS
// playlist, transport stream segment or MP4 container.
func validateSegmentName(filename string) error {
	if filename == "" ||
		strings.Contains(filename, "/") ||
		strings.Contains(filename, "\\") ||
		strings.Contains(filename, "..") {
		return fmt.Errorf("invalid segment name %q", filename)
	}
	name, _ := splitQuery(filename)
	switch {
	case strings.HasSuffix(name, ".ts"),
		strings.HasSuffix(name, ".m3u8"),
		strings.HasSuffix(name, ".mp4"):
		return nil
	}
	return fmt.Errorf("unsupported segment type %q", filename)
}
