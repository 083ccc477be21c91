package health

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"chatsync/internal/bus"
)

// Status represents the live subscription's connectivity state.
type Status string

const (
	Disconnected Status = "DISCONNECTED"
	Connecting   Status = "CONNECTING"
	Connected    Status = "CONNECTED"
	Degraded     Status = "DEGRADED"
	Error        Status = "ERROR"
)

// validTransitions defines allowed status transitions. Degraded means
// messages still arrive correctly, but only via the polling fallback.
var validTransitions = map[Status][]Status{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Degraded, Error, Connecting, Disconnected},
	Degraded:     {Connected, Connecting, Error, Disconnected},
	Error:        {Connecting, Degraded, Disconnected},
}

// Health is a point-in-time view of the connection.
type Health struct {
	Status              Status `json:"status"`
	QualityScore        int    `json:"quality_score"`
	LastHeartbeatAt     int64  `json:"last_heartbeat_at"` // unix millis, 0 if never
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Change is the payload for health.changed events.
type Change struct {
	From  Status
	To    Status
	Score int
}

// Monitor tracks the subscription lifecycle and a derived quality score.
// It is session-scoped: Reset on login/logout.
//
// The quality score starts from a base that is set to 100 on connect and
// nudged upward on each confirmed message, then decays with idle time:
// capped at 80 after 30s without activity and at 60 after 60s. Decay is
// computed on read, so sub-threshold score movement never emits events;
// only real status transitions do.
type Monitor struct {
	mu            sync.RWMutex
	status        Status
	baseScore     int
	lastActivity  time.Time
	lastHeartbeat time.Time
	failures      int
	bus           *bus.Bus
	now           func() time.Time
}

// NewMonitor creates a monitor starting in Disconnected.
func NewMonitor(b *bus.Bus) *Monitor {
	return &Monitor{
		status: Disconnected,
		bus:    b,
		now:    time.Now,
	}
}

// SetClock overrides the monitor's clock. Test hook.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ConsecutiveFailures returns the current failure streak.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// Snapshot returns the current health including the decayed quality score.
func (m *Monitor) Snapshot() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hb int64
	if !m.lastHeartbeat.IsZero() {
		hb = m.lastHeartbeat.UnixMilli()
	}
	return Health{
		Status:              m.status,
		QualityScore:        m.decayedScore(),
		LastHeartbeatAt:     hb,
		ConsecutiveFailures: m.failures,
	}
}

// MarkConnecting records the start of a subscribe attempt.
func (m *Monitor) MarkConnecting() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(Connecting)
}

// MarkConnected records a subscription confirmation: failure streak and
// quality reset.
func (m *Monitor) MarkConnected() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(Connected); err != nil {
		return err
	}
	m.failures = 0
	m.baseScore = 100
	m.lastActivity = m.now()
	return nil
}

// MarkError records a channel error or timeout and bumps the failure streak.
// Repeated errors while already in Error keep counting without re-emitting
// events.
func (m *Monitor) MarkError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	if m.status == Error {
		return
	}
	_ = m.transition(Error)
}

// MarkDisconnected resets to the idle state (logout / disable).
func (m *Monitor) MarkDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == Disconnected {
		return
	}
	_ = m.transition(Disconnected)
	m.failures = 0
	m.baseScore = 0
	m.lastActivity = time.Time{}
	m.lastHeartbeat = time.Time{}
}

// NoteMessage records a confirmed message delivered over the subscription;
// quality is restored toward 100.
func (m *Monitor) NoteMessage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.now()
	m.baseScore = min(100, m.baseScore+20)
}

// NoteHeartbeat records channel liveness (ping/pong).
func (m *Monitor) NoteHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastHeartbeat = now
	m.lastActivity = now
}

// NoteFallbackRecovery records that the polling fallback delivered at least
// one message the subscription missed. While the subscription is failing
// this means correct-but-slow delivery: Degraded, not Connected.
func (m *Monitor) NoteFallbackRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.now()
	if m.failures >= 1 && m.status != Degraded {
		_ = m.transition(Degraded)
	}
}

// transition moves to a new status if the edge is legal, emitting a
// health.changed event. Same-state transitions are rejected so state churn
// never reaches subscribers. Caller must hold m.mu.
func (m *Monitor) transition(to Status) error {
	if to == m.status {
		return fmt.Errorf("already in %s", to)
	}
	if !slices.Contains(validTransitions[m.status], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.status, to)
	}
	from := m.status
	m.status = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindHealthChanged,
			Timestamp: m.now(),
			Payload: Change{
				From:  from,
				To:    to,
				Score: m.decayedScore(),
			},
		})
	}
	return nil
}

// decayedScore applies idle decay to the base score. Caller must hold m.mu.
func (m *Monitor) decayedScore() int {
	if m.lastActivity.IsZero() {
		if m.status == Disconnected || m.status == Connecting {
			return 0
		}
		return m.baseScore
	}
	idle := m.now().Sub(m.lastActivity)
	score := m.baseScore
	switch {
	case idle >= 60*time.Second:
		score = min(score, 60)
	case idle >= 30*time.Second:
		score = min(score, 80)
	}
	return score
}
