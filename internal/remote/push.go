package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/model"
)

// MessageHandler receives messages delivered over the push channel.
type MessageHandler func(model.Message)

// frame is the push-channel wire format. The server confirms the
// subscription with a "subscribed" frame, keeps the channel alive with
// "ping" frames, and delivers row inserts as "change" frames.
type frame struct {
	Type      string         `json:"type"`
	Operation string         `json:"operation,omitempty"`
	Table     string         `json:"table,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Record    *model.Message `json:"record,omitempty"`
}

// Subscription is a live push-channel connection delivering row-insert
// notifications for one user.
//
// The current message handler is held behind explicit registration: the
// engine swaps it with SetHandler and every dispatch goes through that one
// indirection, so a handler captured at dial time can never go stale.
type Subscription struct {
	url    string
	userID string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler MessageHandler
	closed  bool
	done    chan struct{}

	// writeMu serializes frame writes; the read loop answers pings while
	// the keepalive loop sends them.
	writeMu sync.Mutex

	// PingInterval enables a client-side keepalive when > 0. Set before
	// Subscribe.
	PingInterval time.Duration

	// Lifecycle callbacks, set before Subscribe.
	OnConfirm   func()
	OnError     func(error)
	OnHeartbeat func()
}

// NewSubscription creates an unconnected subscription for the given
// websocket URL.
func NewSubscription(url, userID string, logger *zap.Logger) *Subscription {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscription{
		url:    url,
		userID: userID,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// SetHandler registers the message handler. Safe to call at any time,
// including while the read loop is running.
func (s *Subscription) SetHandler(h MessageHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Subscribe dials the channel and waits for the server's subscription
// confirmation, then starts the read loop. A nil error means the channel is
// live; every later failure is reported through OnError.
func (s *Subscription) Subscribe(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	// First frame must be the confirmation.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		_ = conn.Close()
		return err
	}
	if f.Type != "subscribed" {
		_ = conn.Close()
		return errors.New("expected subscribed frame, got " + f.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.done = done
	s.mu.Unlock()

	if s.OnConfirm != nil {
		s.OnConfirm()
	}

	go s.readLoop(conn, done)
	if s.PingInterval > 0 {
		go s.pingLoop(conn, done)
	}
	return nil
}

// Close tears the connection down. Read-loop errors after Close are
// expected and not reported.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Subscription) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			if s.OnError != nil {
				s.OnError(err)
			}
			return
		}
		s.handleFrame(conn, f)
	}
}

func (s *Subscription) handleFrame(conn *websocket.Conn, f frame) {
	switch f.Type {
	case "ping":
		if s.OnHeartbeat != nil {
			s.OnHeartbeat()
		}
		_ = s.writeJSON(conn, frame{Type: "pong"})
	case "pong":
		if s.OnHeartbeat != nil {
			s.OnHeartbeat()
		}
	case "change":
		if f.Operation != "INSERT" || f.Table != "messages" || f.Record == nil {
			return
		}
		// Client-side filter fallback: when the server does not filter
		// the channel, drop rows routed for other users.
		if f.UserID != "" && f.UserID != s.userID {
			return
		}
		s.dispatch(*f.Record)
	}
}

// pingLoop sends keepalive pings until the connection's read loop exits.
func (s *Subscription) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(conn, frame{Type: "ping"}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Subscription) writeJSON(conn *websocket.Conn, f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (s *Subscription) dispatch(msg model.Message) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		s.logger.Warn("push message dropped, no handler registered",
			zap.String("msg_id", msg.ID))
		return
	}
	h(msg)
}
