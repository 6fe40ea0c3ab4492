package catalog

import (
	"context"
	"sync"
	"time"

	"stevedore/pkg/logging"
)

// Scheduler runs catalog refreshes on a fixed interval. Manual refreshes go
// through the same Refresher, so its single-flight guard covers both paths.
type Scheduler struct {
	refresher *Refresher
	interval  time.Duration
	logger    logging.Logger

	mu          sync.Mutex
	running     bool
	lastAttempt time.Time
	lastSuccess time.Time
	nextAt      time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler that refreshes every interval.
func NewScheduler(refresher *Refresher, interval time.Duration, logger logging.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		interval:  interval,
		logger:    logger,
	}
}

// Start launches the refresh loop. The first refresh runs immediately so a
// cold service warms up without waiting a full interval. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx, "startup")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Refresh scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, "interval")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, trigger string) {
	s.mu.Lock()
	s.lastAttempt = time.Now()
	s.nextAt = time.Now().Add(s.interval)
	s.mu.Unlock()

	if _, err := s.refresher.Run(ctx, trigger); err != nil {
		if err != ErrRefreshInProgress {
			s.logger.WithFields(logging.Fields{
				"trigger": trigger,
				"error":   err.Error(),
			}).Error("Scheduled catalog refresh failed")
		}
		return
	}

	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.mu.Unlock()
}

// TriggerManual runs a refresh now. Returns ErrRefreshInProgress when one is
// already running.
func (s *Scheduler) TriggerManual(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	snap, err := s.refresher.Run(ctx, "manual")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.mu.Unlock()
	return snap, nil
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Status reports the loop's state for the status endpoint.
func (s *Scheduler) Status() RefreshStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := RefreshStatus{
		SchedulerRunning: s.running,
		Refreshing:       s.refresher.IsRefreshing(),
		IntervalSeconds:  int(s.interval.Seconds()),
	}
	if !s.lastAttempt.IsZero() {
		t := s.lastAttempt
		status.LastAttempt = &t
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		status.LastSuccess = &t
	}
	if s.running && !s.nextAt.IsZero() {
		if remaining := time.Until(s.nextAt); remaining > 0 {
			status.NextRefreshIn = remaining.Round(time.Second).String()
		}
	}
	return status
}
