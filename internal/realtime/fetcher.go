// Package realtime fetches live viewer counts from the origin and pushes them
// to subscribed websocket clients. Counts are a cosmetic overlay: any failure
// degrades to zeros rather than surfacing errors to players.
package realtime

import (
	"context"
	"time"

	"stevedore/pkg/logging"
)

// CountsAPI is the realtime slice of the origin client.
type CountsAPI interface {
	FetchRealtimeViews(ctx context.Context) (map[string]int64, error)
}

// Fetcher retrieves viewer counts under a hard timeout.
type Fetcher struct {
	api     CountsAPI
	timeout time.Duration
	logger  logging.Logger
}

// NewFetcher creates a fetcher. timeout bounds every fetch regardless of the
// caller's context.
func NewFetcher(api CountsAPI, timeout time.Duration, logger logging.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{api: api, timeout: timeout, logger: logger}
}

// FetchCounts returns current viewer counts per video id. On any failure it
// logs and returns an empty map, never an error.
func (f *Fetcher) FetchCounts(ctx context.Context) map[string]int64 {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	counts, err := f.api.FetchRealtimeViews(ctx)
	if err != nil {
		f.logger.WithField("error", err.Error()).Warn("Realtime viewer counts unavailable")
		return map[string]int64{}
	}
	return counts
}
