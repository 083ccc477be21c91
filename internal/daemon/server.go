package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"chatsync/internal/health"
	"chatsync/internal/model"
)

// Controller is the engine surface the control API exposes.
type Controller interface {
	Health() health.Health
	Tabs() []model.Tab
	ActiveTabID() string
	OpenConversation(ctx context.Context, conv model.Conversation) (model.Tab, error)
	CloseTab(tabID string) error
	SetActiveTab(tabID string) error
	StartConversation(ctx context.Context, firstMessage string) (model.Tab, error)
	SendMessage(ctx context.Context, tabID, content string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	Reconnect()
	ForceRefresh(ctx context.Context) error
	Logout() error
}

// Server is the local HTTP control API for a user daemon. It binds loopback
// only; it is a control socket, not a public surface.
type Server struct {
	echo     *echo.Echo
	listener net.Listener
	addr     string
	logger   *zap.Logger
	ctrl     Controller
}

// NewServer creates the control server and binds its listener immediately, so
// a port conflict surfaces at startup rather than at first request.
func NewServer(p Params, logger *zap.Logger, ctrl Controller) (*Server, error) {
	addr := p.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:7680"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		listener: listener,
		addr:     listener.Addr().String(),
		logger:   logger,
		ctrl:     ctrl,
	}

	e.GET("/v1/status", s.getStatus)
	e.POST("/v1/reconnect", s.postReconnect)
	e.POST("/v1/refresh", s.postRefresh)
	e.POST("/v1/logout", s.postLogout)

	e.GET("/v1/tabs", s.getTabs)
	e.POST("/v1/tabs", s.postOpenTab)
	e.POST("/v1/tabs/:id/activate", s.postActivateTab)
	e.DELETE("/v1/tabs/:id", s.deleteTab)

	e.POST("/v1/messages", s.postMessage)
	e.POST("/v1/conversations", s.postConversation)
	e.DELETE("/v1/conversations/:id", s.deleteConversation)

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("addr", s.addr))
	s.echo.Listener = s.listener
	err := s.echo.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	if err := s.echo.Shutdown(ctx); err != nil {
		_ = s.echo.Close()
	}
}

// statusResponse is the GET /v1/status payload.
type statusResponse struct {
	Health      health.Health `json:"health"`
	Tabs        []tabSummary  `json:"tabs"`
	ActiveTabID string        `json:"active_tab_id"`
}

type tabSummary struct {
	TabID          string `json:"tab_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Messages       int    `json:"messages"`
	UnreadCount    int    `json:"unread_count"`
	Loading        bool   `json:"loading"`
	PendingTurn    bool   `json:"pending_turn"`
}

func (s *Server) getStatus(c echo.Context) error {
	tabs := s.ctrl.Tabs()
	summaries := make([]tabSummary, len(tabs))
	for i, t := range tabs {
		summaries[i] = tabSummary{
			TabID:          t.TabID,
			ConversationID: t.Conversation.ID,
			Title:          t.Conversation.Title,
			Messages:       len(t.Messages),
			UnreadCount:    t.UnreadCount,
			Loading:        t.Loading,
			PendingTurn:    t.PendingTurn,
		}
	}
	return c.JSON(http.StatusOK, statusResponse{
		Health:      s.ctrl.Health(),
		Tabs:        summaries,
		ActiveTabID: s.ctrl.ActiveTabID(),
	})
}

func (s *Server) postReconnect(c echo.Context) error {
	s.ctrl.Reconnect()
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) postRefresh(c echo.Context) error {
	if err := s.ctrl.ForceRefresh(c.Request().Context()); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) postLogout(c echo.Context) error {
	if err := s.ctrl.Logout(); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) getTabs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"tabs":          s.ctrl.Tabs(),
		"active_tab_id": s.ctrl.ActiveTabID(),
	})
}

type openTabRequest struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

func (s *Server) postOpenTab(c echo.Context) error {
	var req openTabRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ConversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
	}
	tab, err := s.ctrl.OpenConversation(c.Request().Context(), model.Conversation{
		ID:    req.ConversationID,
		Title: req.Title,
	})
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, tab)
}

func (s *Server) postActivateTab(c echo.Context) error {
	if err := s.ctrl.SetActiveTab(c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) deleteTab(c echo.Context) error {
	if err := s.ctrl.CloseTab(c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type sendMessageRequest struct {
	TabID   string `json:"tab_id"`
	Content string `json:"content"`
}

func (s *Server) postMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.TabID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tab_id is required"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}
	if err := s.ctrl.SendMessage(c.Request().Context(), req.TabID, req.Content); err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

type startConversationRequest struct {
	FirstMessage string `json:"first_message"`
}

func (s *Server) postConversation(c echo.Context) error {
	var req startConversationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.FirstMessage == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "first_message is required"})
	}
	tab, err := s.ctrl.StartConversation(c.Request().Context(), req.FirstMessage)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, tab)
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.ctrl.DeleteConversation(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// mapError translates engine sentinels into HTTP statuses.
func (s *Server) mapError(c echo.Context, err error) error {
	var wf *model.WriteFailedError
	switch {
	case errors.Is(err, model.ErrTabNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrQuotaExceeded), errors.Is(err, model.ErrTabCapacity):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &wf):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("control request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
