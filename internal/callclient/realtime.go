package callclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-coordinator/internal/events"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"

	"github.com/gorilla/websocket"
)

// EventHandler receives realtime call events. Machine.HandleEvent satisfies it.
type EventHandler func(ctx context.Context, e events.CallEvent)

type RealtimeOptions struct {
	// BaseURL is the coordinator's http(s) base; the ws scheme is derived from it.
	BaseURL string
	Token   func() string
	// Backoff paces reconnects. MaxAttempts is ignored; the client reconnects until stopped.
	Backoff utils.RetryPolicy
	Dialer  *websocket.Dialer
	// ReadTimeout must exceed the server ping interval.
	ReadTimeout time.Duration
	// OnConnect runs after every successful dial, before events are read.
	// Machine.Resync fits here so state missed while offline is fetched.
	OnConnect func(ctx context.Context) error
	Logger    *slog.Logger
}

// RealtimeClient keeps a websocket to /v1/realtime open and feeds every event
// to a handler. The server only snapshots live sessions on connect, so a call
// that finished while disconnected is caught by the OnConnect hook.
type RealtimeClient struct {
	url       string
	token     func() string
	backoff   utils.RetryPolicy
	dialer    *websocket.Dialer
	timeout   time.Duration
	onConnect func(ctx context.Context) error
	log       *slog.Logger
}

func NewRealtimeClient(opts RealtimeOptions) (*RealtimeClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime: base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/realtime"

	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 75 * time.Second
	}
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff.BaseDelay = 250 * time.Millisecond
	}
	if opts.Backoff.MaxDelay <= 0 {
		opts.Backoff.MaxDelay = 5 * time.Second
	}
	opts.Backoff.Jitter = true

	return &RealtimeClient{
		url:       u.String(),
		token:     opts.Token,
		backoff:   opts.Backoff,
		dialer:    opts.Dialer,
		timeout:   opts.ReadTimeout,
		onConnect: opts.OnConnect,
		log:       logger.OrDefault(opts.Logger),
	}, nil
}

// Run connects and reconnects until ctx is done. It returns ctx.Err().
func (c *RealtimeClient) Run(ctx context.Context, handle EventHandler) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		received, err := c.runOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			attempt = 0
		}
		delay := c.backoff.Delay(attempt)
		attempt++
		c.log.Info("realtime reconnecting", "err", err, "in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce serves one connection. It reports whether any event arrived.
func (c *RealtimeClient) runOnce(ctx context.Context, handle EventHandler) (bool, error) {
	header := http.Header{}
	if tok := c.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("realtime dial: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("realtime dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	c.log.Info("realtime connected")
	if c.onConnect != nil {
		if err := c.onConnect(ctx); err != nil {
			c.log.Warn("realtime connect hook failed", "err", err)
		}
	}

	received := false
	for {
		var e events.CallEvent
		if err := conn.ReadJSON(&e); err != nil {
			return received, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
		received = true
		if e.CallID == "" {
			continue
		}
		handle(ctx, e)
	}
}
