// Package realtime streams call events to connected devices over a websocket.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/events"
	"call-coordinator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// CurrentFunc returns the user's live session, or calls.ErrNotFound.
type CurrentFunc func(ctx context.Context, userID string) (calls.Session, error)

type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Buffer is the per-connection event backlog before events are dropped.
	Buffer int
	// Current, when set, is sent as the first frame so a reconnecting device resyncs.
	Current CurrentFunc
	Logger  *slog.Logger
}

type Handler struct {
	hub      *events.Hub
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *events.Hub, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	return &Handler{
		hub:  hub,
		opts: opts,
		log:  logger.OrDefault(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Mobile clients send no Origin; auth is the bearer token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /v1/realtime for the authenticated user.
func (h *Handler) Serve(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": true, "message": "unauthorized"})
		return
	}
	log := logger.FromGin(c).With("user_id", userID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("realtime upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	evCh, cancel := h.hub.Subscribe(userID, h.opts.Buffer)
	defer cancel()
	log.Info("realtime connected")

	ctx := c.Request.Context()
	if h.opts.Current != nil {
		s, err := h.opts.Current(ctx, userID)
		switch {
		case err == nil:
			if err := h.write(conn, events.FromTransition(calls.Session{}, s)); err != nil {
				return
			}
		case !errors.Is(err, calls.ErrNotFound):
			log.Warn("realtime snapshot failed", "err", err)
		}
	}

	// The read side only exists to notice the peer going away and to process pongs.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			log.Info("realtime disconnected", "err", err)
			return
		case <-ping.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Info("realtime ping failed", "err", err)
				return
			}
		case e, ok := <-evCh:
			if !ok {
				return
			}
			if err := h.write(conn, e); err != nil {
				log.Info("realtime write failed", "call_id", e.CallID, "err", err)
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, e events.CallEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	return conn.WriteJSON(e)
}
