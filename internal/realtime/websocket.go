// ABOUTME: WebSocket endpoint of the realtime channel using coder/websocket
// ABOUTME: Assigns a connection identity, relays posted messages and writes scoped events

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/huddle-chat/internal/auth"
	"github.com/2389/huddle-chat/internal/conversation"
	"github.com/2389/huddle-chat/internal/dedupe"
	"github.com/2389/huddle-chat/internal/store"
)

// Poster appends a message on behalf of an authenticated sender
type Poster interface {
	Post(ctx context.Context, sender int64, req conversation.PostRequest) (*store.Message, error)
}

// HandlerConfig tunes the socket handler
type HandlerConfig struct {
	MessagesPerSecond float64
	Burst             int
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	OriginPatterns    []string
}

func (c *HandlerConfig) applyDefaults() {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
}

// Handler serves GET /ws. It must be mounted behind auth.HTTPAuthMiddleware.
type Handler struct {
	broadcaster *Broadcaster
	poster      Poster
	idempotency *dedupe.Cache
	cfg         HandlerConfig
	logger      *slog.Logger
}

// NewHandler creates a socket handler. idempotency may be nil to disable
// clientMessageId deduplication.
func NewHandler(b *Broadcaster, poster Poster, idempotency *dedupe.Cache, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Handler{
		broadcaster: b,
		poster:      poster,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      logger.With("component", "websocket"),
	}
}

// ServeHTTP upgrades the request and runs the connection until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, connID := h.broadcaster.Subscribe(ctx, id.UserID)
	logger := h.logger.With("user_id", id.UserID, "conn_id", connID)
	logger.Info("websocket connected")

	if err := h.writeJSON(ctx, conn, identityFrame{Type: FrameIdentityAssigned, ConnectionID: connID}); err != nil {
		logger.Debug("writing identity frame", "error", err)
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, conn, id.UserID, logger)
	}()

	h.writeLoop(ctx, conn, events, logger)
	logger.Info("websocket disconnected")
}

// writeLoop forwards broadcaster events and keeps the connection alive with pings.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan *Event, logger *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.writeJSON(ctx, conn, NewMessageFrame(ev.Message)); err != nil {
				logger.Debug("writing message frame", "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop handles inbound frames until the client goes away.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, userID int64, logger *slog.Logger) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.writeError(ctx, conn, "", "binary frames are not supported", logger)
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.writeError(ctx, conn, "", "malformed frame", logger)
			continue
		}
		if frame.Type != FrameMessage {
			h.writeError(ctx, conn, frame.ClientMessageID, fmt.Sprintf("unsupported frame type %q", frame.Type), logger)
			continue
		}
		if !limiter.Allow() {
			h.writeError(ctx, conn, frame.ClientMessageID, "rate limit exceeded", logger)
			continue
		}

		h.handleMessage(ctx, conn, userID, &frame, logger)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *websocket.Conn, userID int64, frame *inboundFrame, logger *slog.Logger) {
	var key string
	if h.idempotency != nil && frame.ClientMessageID != "" {
		key = fmt.Sprintf("ws:%d:%s", userID, frame.ClientMessageID)
		if _, status := h.idempotency.Begin(key); status != dedupe.StatusNew {
			logger.Debug("duplicate client message ignored", "client_message_id", frame.ClientMessageID)
			return
		}
	}

	msg, err := h.poster.Post(ctx, userID, conversation.PostRequest{
		FromUser: frame.FromUser,
		ToUser:   frame.ToUser,
		Date:     frame.Date,
		Message:  frame.Message,
	})
	if err != nil {
		if key != "" {
			h.idempotency.Release(key)
		}
		h.writeError(ctx, conn, frame.ClientMessageID, clientError(err), logger)
		return
	}

	if key != "" {
		h.idempotency.Complete(key, []int64{msg.ID})
	}
}

func (h *Handler) writeError(ctx context.Context, conn *websocket.Conn, clientMessageID, text string, logger *slog.Logger) {
	frame := errorFrame{Type: FrameError, Error: text, ClientMessageID: clientMessageID}
	if err := h.writeJSON(ctx, conn, frame); err != nil {
		logger.Debug("writing error frame", "error", err)
	}
}

func (h *Handler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// clientError returns the text shown to the client for a failed post.
// Only validation failures carry detail.
func clientError(err error) string {
	var verr *conversation.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return "message could not be delivered"
}
