// Package engine composes the sync components into one user session: push
// subscription with scheduled resubscription, polling fallback, tab state,
// optimistic writes, and snapshot persistence.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/backoff"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/health"
	"chatsync/internal/model"
	"chatsync/internal/remote"
	"chatsync/internal/tabs"
)

// Backend is the full remote surface the engine writes through.
type Backend interface {
	tabs.ConversationStore
	InsertMessage(ctx context.Context, msg model.Message) (model.Message, error)
	TriggerResponder(ctx context.Context, conversationID, messageID, correlationID string) error
}

// PushChannel is the live subscription the engine drives.
type PushChannel interface {
	SetHandler(remote.MessageHandler)
	Subscribe(ctx context.Context) error
	Close()
}

// Poller is the polling fallback loop.
type Poller interface {
	Start(ctx context.Context)
	Stop()
	PollOnce(ctx context.Context) error
}

// Persister is the snapshot layer: periodic saves, restore at startup, purge
// on logout.
type Persister interface {
	Start(ctx context.Context)
	Stop()
	RestoreLatest() bool
	Purge() error
}

// Engine is the per-session composition root. One engine per logged-in user.
type Engine struct {
	cfg    *config.Config
	userID string

	tabs      *tabs.Manager
	monitor   *health.Monitor
	scheduler *backoff.Scheduler
	poller    Poller
	snaps     Persister
	backend   Backend
	push      PushChannel
	bus       *bus.Bus
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer
}

// New assembles an engine. The reconnection scheduler is created here because
// its retry callback is the engine's own resubscribe path.
func New(cfg *config.Config, userID string, manager *tabs.Manager, monitor *health.Monitor, poller Poller, snaps Persister, backend Backend, push PushChannel, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		userID:  userID,
		tabs:    manager,
		monitor: monitor,
		poller:  poller,
		snaps:   snaps,
		backend: backend,
		push:    push,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		after:   time.AfterFunc,
	}
	e.scheduler = backoff.NewScheduler(backoff.PolicyFromConfig(cfg.Reconnect), e.resubscribe, logger)

	push.SetHandler(e.handlePush)
	if s, ok := push.(*remote.Subscription); ok {
		s.OnConfirm = e.onConfirm
		s.OnError = e.onChannelError
		s.OnHeartbeat = monitor.NoteHeartbeat
	}
	return e
}

// Start restores persisted tab state, opens the push channel, and starts the
// polling and snapshot loops. A failed initial subscribe does not fail Start:
// the scheduler takes over and the poller keeps the session correct meanwhile.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if e.snaps != nil {
		if e.snaps.RestoreLatest() {
			e.logger.Info("session restored from snapshot")
		}
		e.snaps.Start(e.ctx)
	}
	e.poller.Start(e.ctx)

	if err := e.monitor.MarkConnecting(); err != nil {
		e.logger.Warn("unexpected state at startup", zap.Error(err))
	}
	if err := e.push.Subscribe(e.ctx); err != nil {
		e.logger.Warn("initial subscribe failed", zap.Error(err))
		e.monitor.MarkError()
		e.scheduler.Schedule()
	}
	return nil
}

// Stop shuts the session down gracefully, keeping snapshots for the next
// start.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.Stop()
	e.poller.Stop()
	e.push.Close()
	if e.snaps != nil {
		e.snaps.Stop()
	}
	e.monitor.MarkDisconnected()
}

// Logout tears the session down and purges all locally persisted state, so no
// conversation content outlives the session.
func (e *Engine) Logout() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.Stop()
	e.poller.Stop()
	e.push.Close()
	if e.snaps != nil {
		e.snaps.Stop()
		if err := e.snaps.Purge(); err != nil {
			return err
		}
	}
	e.tabs.Reset()
	e.monitor.MarkDisconnected()

	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindSessionLoggedOut,
			Timestamp: e.now(),
			Payload:   e.userID,
		})
	}
	e.logger.Info("logged out, local state purged")
	return nil
}

// Reconnect is the user-initiated path: attempt counting restarts from zero
// and the retry fires after a short settle delay.
func (e *Engine) Reconnect() {
	e.scheduler.Reconnect()
}

// ForceRefresh runs one polling pass immediately.
func (e *Engine) ForceRefresh(ctx context.Context) error {
	return e.poller.PollOnce(ctx)
}

// Health returns the current connection health.
func (e *Engine) Health() health.Health {
	return e.monitor.Snapshot()
}

// Tabs returns the current tab state.
func (e *Engine) Tabs() []model.Tab {
	return e.tabs.Tabs()
}

// ActiveTabID returns the active tab id, or "" with no tabs open.
func (e *Engine) ActiveTabID() string {
	return e.tabs.ActiveTabID()
}

// OpenConversation opens (or activates) a tab for the conversation.
func (e *Engine) OpenConversation(ctx context.Context, conv model.Conversation) (model.Tab, error) {
	return e.tabs.OpenConversation(ctx, conv)
}

// CloseTab closes a tab.
func (e *Engine) CloseTab(tabID string) error {
	return e.tabs.CloseTab(tabID)
}

// SetActiveTab switches the active tab.
func (e *Engine) SetActiveTab(tabID string) error {
	return e.tabs.SetActiveTab(tabID)
}

// DeleteConversation deletes a conversation and closes its tabs.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	return e.tabs.DeleteConversation(ctx, conversationID)
}

// StartConversation handles the cold-start write: no tab needs to exist. A
// draft tab is opened, the conversation is created under the quota, and the
// first message is sent through the normal optimistic path. On any failure
// the draft tab is closed again.
func (e *Engine) StartConversation(ctx context.Context, firstMessage string) (model.Tab, error) {
	tab, err := e.tabs.OpenDraft()
	if err != nil {
		return model.Tab{}, err
	}
	if err := e.SendMessage(ctx, tab.TabID, firstMessage); err != nil {
		_ = e.tabs.CloseTab(tab.TabID)
		return model.Tab{}, err
	}
	return e.tabByID(tab.TabID), nil
}

// SendMessage sends a user message from a tab through the optimistic write
// path: render locally first, then insert; on failure the optimistic entry is
// removed and the send surfaces on the bus. On a draft tab the conversation
// is created first, quota permitting.
func (e *Engine) SendMessage(ctx context.Context, tabID, content string) error {
	tab := e.tabByID(tabID)
	if tab.TabID == "" {
		return model.ErrTabNotFound
	}

	if tab.Conversation.Draft() {
		conv, err := e.tabs.CreateConversation(ctx, content)
		if err != nil {
			return err
		}
		if err := e.tabs.BindDraft(tabID, conv); err != nil {
			return err
		}
		tab.Conversation = conv
	}

	clientKey := uuid.NewString()
	optimistic := model.Message{
		ID:             "tmp-" + clientKey,
		ConversationID: tab.Conversation.ID,
		Role:           model.RoleUser,
		Content:        content,
		AuthorUserID:   e.userID,
		ClientKey:      clientKey,
		CreatedAt:      e.now().UnixMilli(),
		Optimistic:     true,
	}
	e.tabs.Apply(optimistic)

	canonical, err := e.backend.InsertMessage(ctx, optimistic)
	if err != nil {
		e.tabs.RemoveOptimistic(optimistic.ConversationID, clientKey)
		wf := &model.WriteFailedError{
			ConversationID: optimistic.ConversationID,
			ClientKey:      clientKey,
			Err:            err,
		}
		if e.bus != nil {
			e.bus.Publish(bus.Event{
				Kind:      bus.KindMessageSendFail,
				Timestamp: e.now(),
				Payload:   wf,
			})
		}
		return wf
	}

	e.tabs.Apply(canonical)
	e.tabs.MarkPendingTurn(canonical.ConversationID, canonical.CreatedAt)
	e.armStallTimer(canonical.ConversationID, canonical.CreatedAt)

	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: e.now(),
			Payload: map[string]string{
				"conversation_id": canonical.ConversationID,
				"message_id":      canonical.ID,
				"client_key":      clientKey,
			},
		})
	}

	// The responder trigger is fire-and-forget: its reply arrives later as
	// a regular message over push or poll, correlated by the same key.
	go func() {
		ctx, cancelTrigger := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancelTrigger()
		if err := e.backend.TriggerResponder(ctx, canonical.ConversationID, canonical.ID, clientKey); err != nil {
			e.logger.Warn("responder trigger failed",
				zap.Error(err), zap.String("conversation_id", canonical.ConversationID))
		}
	}()
	return nil
}

// armStallTimer surfaces a turn that has produced no assistant reply within
// the timeout. The timer compares the pending marker it captured, so a reply
// or a newer turn silently disarms it.
func (e *Engine) armStallTimer(conversationID string, since int64) {
	timeout := e.cfg.Sync.PendingTurnTimeout()
	e.after(timeout, func() {
		if e.tabs.PendingTurnSince(conversationID) != since {
			return
		}
		e.logger.Warn("assistant turn stalled",
			zap.String("conversation_id", conversationID),
			zap.Duration("timeout", timeout))
		if e.bus != nil {
			e.bus.Publish(bus.Event{
				Kind:      bus.KindTurnStalled,
				Timestamp: e.now(),
				Payload:   conversationID,
			})
		}
	})
}

// handlePush receives messages from the live subscription.
func (e *Engine) handlePush(msg model.Message) {
	e.monitor.NoteMessage()
	e.tabs.Apply(msg)
	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Kind:      bus.KindPushMessage,
			Timestamp: e.now(),
			Payload:   msg,
		})
	}
}

// onConfirm runs when the server confirms the subscription.
func (e *Engine) onConfirm() {
	e.scheduler.Reset()
	if err := e.monitor.MarkConnected(); err != nil {
		e.logger.Warn("connected in unexpected state", zap.Error(err))
	}
}

// onChannelError runs when the live subscription fails after being
// established.
func (e *Engine) onChannelError(err error) {
	e.logger.Warn("push channel error", zap.Error(err))
	e.monitor.MarkError()
	e.scheduler.Schedule()
}

// resubscribe is the scheduler's retry callback.
func (e *Engine) resubscribe() {
	if e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	if err := e.monitor.MarkConnecting(); err != nil {
		e.logger.Warn("unexpected state before resubscribe", zap.Error(err))
	}
	if err := e.push.Subscribe(e.ctx); err != nil {
		e.logger.Warn("resubscribe failed", zap.Error(err))
		e.monitor.MarkError()
		e.scheduler.Schedule()
	}
}

func (e *Engine) tabByID(tabID string) model.Tab {
	for _, t := range e.tabs.Tabs() {
		if t.TabID == tabID {
			return t
		}
	}
	return model.Tab{}
}
