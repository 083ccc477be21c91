package backoff

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/config"
)

// Policy describes the retry timing for a degraded subscription. The first
// MaxAttempts retries use linear backoff capped at MaxDelay; after that the
// scheduler falls back to a fixed IdleInterval cadence indefinitely.
type Policy struct {
	BaseDelay    time.Duration
	StepDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	IdleInterval time.Duration
	SettleDelay  time.Duration
}

// PolicyFromConfig converts the reconnect config section into a Policy.
func PolicyFromConfig(c config.Reconnect) Policy {
	return Policy{
		BaseDelay:    time.Duration(c.BaseDelayMs) * time.Millisecond,
		StepDelay:    time.Duration(c.StepDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelayMs) * time.Millisecond,
		MaxAttempts:  c.MaxAttempts,
		IdleInterval: time.Duration(c.IdleIntervalMs) * time.Millisecond,
		SettleDelay:  time.Duration(c.SettleDelayMs) * time.Millisecond,
	}
}

// Delay returns the retry delay for the given attempt number. Attempts at or
// beyond MaxAttempts use the fixed idle interval.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt >= p.MaxAttempts {
		return p.IdleInterval
	}
	d := p.BaseDelay + time.Duration(attempt)*p.StepDelay
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Scheduler drives resubscription attempts. It owns a single pending timer:
// scheduling while a retry is already pending is a no-op, so overlapping
// error reports never stack retries.
type Scheduler struct {
	mu       sync.Mutex
	policy   Policy
	attempts int
	timer    *time.Timer
	stopped  bool
	retry    func()
	logger   *zap.Logger

	// after is swappable for tests.
	after func(d time.Duration, f func()) *time.Timer
}

// NewScheduler creates a scheduler that invokes retry when a scheduled
// attempt fires.
func NewScheduler(policy Policy, retry func(), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		policy: policy,
		retry:  retry,
		logger: logger,
		after:  time.AfterFunc,
	}
}

// Schedule arms a retry for the current attempt number. Returns the delay
// chosen, or -1 when a retry was already pending or the scheduler is stopped.
func (s *Scheduler) Schedule() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return -1
	}
	delay := s.policy.Delay(s.attempts)
	s.attempts++
	s.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempts))
	s.timer = s.after(delay, s.fire)
	return delay
}

// Reconnect is the manual path: it resets the attempt count and retries
// after a short settle delay so a prior subscription can fully tear down.
func (s *Scheduler) Reconnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelTimer()
	s.attempts = 0
	s.logger.Info("manual reconnect requested", zap.Duration("settle", s.policy.SettleDelay))
	s.timer = s.after(s.policy.SettleDelay, s.fire)
	s.mu.Unlock()
}

// Reset clears the attempt counter and any pending retry. Called after a
// successful subscription confirmation.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.cancelTimer()
	s.attempts = 0
	s.mu.Unlock()
}

// Stop cancels any pending retry permanently (logout / disable).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancelTimer()
	s.stopped = true
	s.mu.Unlock()
}

// Attempts returns how many retries have been scheduled since the last
// reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.retry()
}

// cancelTimer stops a pending timer. Caller must hold s.mu.
func (s *Scheduler) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
