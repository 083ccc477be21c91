// Package snapshot persists tab state across restarts: rolling dated
// snapshots with a TTL gate on restore and a purge path for logout.
package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/model"
	"chatsync/internal/store"
)

// State is the persisted tab-state format, stored under a per-user key.
type State struct {
	Tabs        []model.Tab `json:"tabs"`
	ActiveTabID string      `json:"active_tab_id"`
	TimestampMs int64       `json:"timestamp_ms"`
}

// TabState is the slice of the tab manager the snapshotter needs.
type TabState interface {
	Snapshot() ([]model.Tab, string)
	Restore(tabs []model.Tab, activeTabID string)
}

// Store is the persistence backend for snapshot rows.
type Store interface {
	SaveSnapshot(userID string, takenAt int64, payload []byte, keep int) error
	LatestSnapshot(userID string) (*store.SnapshotRow, error)
	PurgeSnapshots(userID string) error
}

// Snapshotter serializes tab state into the local store on a fixed cadence
// and restores it at startup.
type Snapshotter struct {
	userID string
	ttl    time.Duration
	keep   int

	tabs   TabState
	store  Store
	logger *zap.Logger

	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
}

// New creates a snapshotter for one user session.
func New(userID string, ttl, interval time.Duration, keep int, tabs TabState, st Store, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		userID:   userID,
		ttl:      ttl,
		keep:     keep,
		tabs:     tabs,
		store:    st,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Save serializes the current tab state into a new snapshot row, pruning
// beyond the rolling keep count.
func (s *Snapshotter) Save() error {
	tabs, activeID := s.tabs.Snapshot()
	state := State{
		Tabs:        tabs,
		ActiveTabID: activeID,
		TimestampMs: s.now().UnixMilli(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.store.SaveSnapshot(s.userID, state.TimestampMs, payload, s.keep)
}

// Load returns the most recent usable snapshot, or nil when none exists.
// Snapshots older than the TTL are ignored; corrupt payloads are discarded
// silently so the engine starts from empty state.
func (s *Snapshotter) Load() *State {
	row, err := s.store.LatestSnapshot(s.userID)
	if err != nil {
		s.logger.Warn("failed to read snapshot", zap.Error(err))
		return nil
	}
	if row == nil {
		return nil
	}
	if s.now().UnixMilli()-row.TakenAt > s.ttl.Milliseconds() {
		s.logger.Info("snapshot expired, starting empty",
			zap.Int64("taken_at", row.TakenAt))
		return nil
	}

	var state State
	if err := json.Unmarshal(row.Payload, &state); err != nil {
		s.logger.Warn("discarding corrupt snapshot", zap.Error(err))
		return nil
	}
	return &state
}

// RestoreLatest loads the newest usable snapshot into the tab state.
// Returns true when something was restored.
func (s *Snapshotter) RestoreLatest() bool {
	state := s.Load()
	if state == nil {
		return false
	}
	s.tabs.Restore(state.Tabs, state.ActiveTabID)
	s.logger.Info("tab state restored",
		zap.Int("tabs", len(state.Tabs)),
		zap.Int64("taken_at", state.TimestampMs))
	return true
}

// Purge removes every snapshot for the user. Called on logout so no
// conversation content outlives the session.
func (s *Snapshotter) Purge() error {
	return s.store.PurgeSnapshots(s.userID)
}

// Start begins the periodic snapshot loop.
func (s *Snapshotter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the loop and writes one final snapshot.
func (s *Snapshotter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.Save(); err != nil {
		s.logger.Warn("final snapshot failed", zap.Error(err))
	}
}

func (s *Snapshotter) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
