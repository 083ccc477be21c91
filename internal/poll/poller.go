// Package poll implements the pull-based reliability backstop for the push
// channel. It may run continuously; its job is to recover anything the
// subscription dropped.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/health"
	"chatsync/internal/model"
)

// CheckpointKey is the sync_state key holding the last poll horizon.
const CheckpointKey = "poll.last_ts"

// Querier is the backend query contract: all messages for the user with
// created_at strictly after since, ascending.
type Querier interface {
	MessagesSince(ctx context.Context, userID string, sinceMs int64) ([]model.Message, error)
}

// Checkpoints persists the poll horizon across restarts.
type Checkpoints interface {
	GetCheckpointMillis(key string) (int64, error)
	SetCheckpointMillis(key string, ms int64) error
}

// Poller periodically pulls missed messages and routes them through the
// reconciler via the apply sink. The overlap window must exceed the polling
// interval so clock skew and in-flight writes never fall between polls.
type Poller struct {
	querier Querier
	ckpt    Checkpoints
	monitor *health.Monitor
	apply   func(model.Message) bool
	bus     *bus.Bus
	logger  *zap.Logger

	interval time.Duration
	overlap  time.Duration
	userID   string

	mu       sync.Mutex // serializes polling passes
	lastPoll int64      // unix millis
	now      func() time.Time
	cancel   context.CancelFunc
}

// NewPoller creates a poller. apply must return true when the message was
// new to the tab state, so recovery can be distinguished from redundant
// delivery.
func NewPoller(userID string, interval, overlap time.Duration, querier Querier, ckpt Checkpoints, monitor *health.Monitor, apply func(model.Message) bool, b *bus.Bus, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		querier:  querier,
		ckpt:     ckpt,
		monitor:  monitor,
		apply:    apply,
		bus:      b,
		logger:   logger,
		interval: interval,
		overlap:  overlap,
		userID:   userID,
		now:      time.Now,
	}
}

// Start restores the persisted horizon and begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	if p.ckpt != nil {
		if ms, err := p.ckpt.GetCheckpointMillis(CheckpointKey); err == nil {
			p.lastPoll = ms
		} else {
			p.logger.Warn("failed to restore poll checkpoint", zap.Error(err))
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the polling loop. The ticker is released explicitly; nothing is
// left to the garbage collector.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Transient poll errors are absorbed here and retried on
			// the next tick.
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Warn("poll failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce runs one polling pass. The horizon advances to "now" after every
// successful pass, found messages or not. When the pass recovers at least
// one message while the subscription has a failure streak, the connection is
// marked degraded rather than connected.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UnixMilli()
	since := now - p.overlap.Milliseconds()
	if p.lastPoll > since {
		since = p.lastPoll
	}

	msgs, err := p.querier.MessagesSince(ctx, p.userID, since)
	if err != nil {
		return err
	}

	recovered := 0
	for _, m := range msgs {
		if p.apply(m) {
			recovered++
		}
	}

	p.lastPoll = now
	if p.ckpt != nil {
		if err := p.ckpt.SetCheckpointMillis(CheckpointKey, now); err != nil {
			p.logger.Warn("failed to persist poll checkpoint", zap.Error(err))
		}
	}

	if recovered > 0 && p.monitor != nil {
		p.monitor.NoteFallbackRecovery()
	}

	if p.bus != nil {
		p.bus.Publish(bus.Event{
			Kind:      bus.KindPollCompleted,
			Timestamp: p.now(),
			Payload: bus.PollResult{
				Fetched:   len(msgs),
				Recovered: recovered,
				Since:     since,
			},
		})
	}
	return nil
}
