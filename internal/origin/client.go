// Package origin implements the client for the upstream video-hosting API:
// folder listing, per-folder paginated video listing, single-video lookup,
// realtime viewer counts, and raw asset fetches. All calls carry the origin
// access key and a bounded timeout; rate-limited calls back off and retry.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stevedore/pkg/clients"
	"stevedore/pkg/config"
	"stevedore/pkg/logging"
)

const accessKeyHeader = "AccessKey"

// Config holds origin connection and crawl pacing settings.
type Config struct {
	BaseURL        string
	AccessKey      string
	RequestTimeout time.Duration
	PageSize       int
	MaxPages       int           // safety cap per folder
	PageDelay      time.Duration // pause between page fetches
	MaxAttempts    int           // total attempts for rate-limited calls
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// ConfigFromEnv builds a Config from the ORIGIN_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		BaseURL:        strings.TrimRight(config.GetEnv("ORIGIN_BASE_URL", ""), "/"),
		AccessKey:      config.GetEnv("ORIGIN_ACCESS_KEY", ""),
		RequestTimeout: config.GetEnvDuration("ORIGIN_REQUEST_TIMEOUT", 15*time.Second),
		PageSize:       config.GetEnvInt("ORIGIN_PAGE_SIZE", 100),
		MaxPages:       config.GetEnvInt("ORIGIN_MAX_PAGES_PER_FOLDER", 50),
		PageDelay:      config.GetEnvDuration("ORIGIN_PAGE_DELAY", 250*time.Millisecond),
		MaxAttempts:    config.GetEnvInt("ORIGIN_MAX_ATTEMPTS", 4),
		BackoffBase:    config.GetEnvDuration("ORIGIN_BACKOFF_BASE", 500*time.Millisecond),
		BackoffCap:     config.GetEnvDuration("ORIGIN_BACKOFF_CAP", 5*time.Second),
	}
}

// Client talks to the origin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retryCfg   clients.RetryConfig
	logger     logging.Logger
}

// NewClient creates an origin API client.
func NewClient(cfg Config, logger logging.Logger) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}

	retryCfg := clients.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.MaxAttempts - 1
	retryCfg.BaseDelay = cfg.BackoffBase
	retryCfg.MaxDelay = cfg.BackoffCap
	// Deterministic pacing against the origin's per-minute quota; jitter
	// would occasionally land two attempts inside the same quota window.
	retryCfg.Jitter = false
	retryCfg.RetryFunc = clients.RetryRateLimitedOnly

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: clients.DefaultTransport(),
		},
		retryCfg: retryCfg,
		logger:   logger,
	}
}

// TimeoutError indicates the per-call timeout elapsed before the origin answered.
type TimeoutError struct {
	URL string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("origin timeout: %s", e.URL)
}

// RateLimitedError indicates all backoff attempts were exhausted on 429s.
type RateLimitedError struct {
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("origin rate limited after %d attempts", e.Attempts)
}

// HTTPError is any non-2xx, non-429 response from the origin.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("origin returned %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is an origin 404.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

// fetchJSON performs an authenticated GET with timeout and 429 backoff,
// decoding the response body into out.
func (c *Client) fetchJSON(ctx context.Context, rawURL string, out interface{}) error {
	body, err := c.fetchBytes(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode origin response from %s: %w", rawURL, err)
	}
	return nil
}

func (c *Client) fetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header.Set(accessKeyHeader, c.cfg.AccessKey)
	req.Header.Set("Accept", "application/json")

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryCfg)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{URL: rawURL}
		}
		return nil, fmt.Errorf("origin request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{Attempts: c.cfg.MaxAttempts}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin response from %s: %w", rawURL, err)
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ListFolders fetches the full folder list. The origin exposes folders as a
// single unpaginated listing.
func (c *Client) ListFolders(ctx context.Context) ([]RawFolder, error) {
	var envelope struct {
		Data []RawFolder `json:"data"`
	}
	u := c.cfg.BaseURL + "/api/folders"
	if err := c.fetchJSON(ctx, u, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

// ListFolderVideos fetches one page of a folder's video listing.
func (c *Client) ListFolderVideos(ctx context.Context, folderID string, page int) (*VideoPage, error) {
	u := fmt.Sprintf("%s/api/folders/%s/videos?page=%d&limit=%d",
		c.cfg.BaseURL, url.PathEscape(folderID), page, c.cfg.PageSize)

	body, err := c.fetchBytes(ctx, u)
	if err != nil {
		return nil, err
	}
	return parseVideoPage(body)
}

// GetVideo fetches a single video by origin id.
func (c *Client) GetVideo(ctx context.Context, id string) (*RawVideo, error) {
	var raw RawVideo
	u := c.cfg.BaseURL + "/api/videos/" + url.PathEscape(id)
	if err := c.fetchJSON(ctx, u, &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}

// FetchRealtimeViews fetches the current live viewer counts for all videos.
func (c *Client) FetchRealtimeViews(ctx context.Context) (map[string]int64, error) {
	var envelope struct {
		Data map[string]int64 `json:"data"`
	}
	u := c.cfg.BaseURL + "/api/videos/realtime"
	if err := c.fetchJSON(ctx, u, &envelope); err != nil {
		return nil, err
	}
	if envelope.Data == nil {
		return map[string]int64{}, nil
	}
	return envelope.Data, nil
}

// FetchAsset performs an authenticated GET against origin asset storage,
// forwarding the client's Range header so players can seek. The caller owns
// the response body. Asset storage lives on a different host than the API,
// so assetURL is absolute.
func (c *Client) FetchAsset(ctx context.Context, assetURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build asset request: %w", err)
	}
	req.Header.Set(accessKeyHeader, c.cfg.AccessKey)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{URL: assetURL}
		}
		return nil, fmt.Errorf("origin asset request %s: %w", assetURL, err)
	}
	return resp, nil
}

// PageSize returns the configured listing page size.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}
