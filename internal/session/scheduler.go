package session

import (
	"log/slog"
	"sync"
	"time"
)

// RefreshMargin is how long before token expiry the scheduler fires.
const RefreshMargin = 5 * time.Minute

// FallbackRefreshInterval is used when the token carries no expiry
// information, so the session is never left unattended indefinitely.
const FallbackRefreshInterval = 50 * time.Minute

// RefreshScheduler owns the single delayed refresh task for a session. At
// most one timer is pending at a time; arming replaces the previous timer.
// The schedule is self-perpetuating: the refresh callback re-arms it after
// every attempt, and only Stop cancels it.
type RefreshScheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	refresh func()
	logger  *slog.Logger
}

// NewRefreshScheduler creates a scheduler invoking refresh when the timer
// fires.
func NewRefreshScheduler(refresh func(), logger *slog.Logger) *RefreshScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshScheduler{
		refresh: refresh,
		logger:  logger,
	}
}

// ScheduleAt arms the timer to fire RefreshMargin before expiresAt. When
// the expiry is already inside the margin or in the past, the timer fires
// immediately. A zero expiresAt falls back to ScheduleFallback.
func (s *RefreshScheduler) ScheduleAt(expiresAt time.Time) {
	if expiresAt.IsZero() {
		s.ScheduleFallback()
		return
	}

	delay := time.Until(expiresAt) - RefreshMargin
	if delay < 0 {
		delay = 0
	}

	s.arm(delay)
}

// ScheduleFallback arms the timer for the fixed fallback interval.
func (s *RefreshScheduler) ScheduleFallback() {
	s.arm(FallbackRefreshInterval)
}

// arm replaces any pending timer with one firing after delay.
func (s *RefreshScheduler) arm(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}

	s.logger.Debug("Armed refresh timer", "delay", delay.String())
	s.timer = time.AfterFunc(delay, s.refresh)
}

// Stop cancels any pending timer. A refresh already in flight completes
// naturally; its result is discarded by the manager's epoch check.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Armed reports whether a timer is pending.
func (s *RefreshScheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
