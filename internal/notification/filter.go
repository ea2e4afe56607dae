package notification

import (
	"log/slog"
	"sync"
	"time"

	"call-coordinator/pkg/logger"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultWindow     = 3 * time.Second
	DefaultMaxEntries = 100
)

// CallDisplay re-shows the persistent incoming-call notification.
// Native display of a duplicate push is not idempotent, so the duplicate branch
// must still make sure a ringing notification is visible.
type CallDisplay interface {
	Redisplay(p CallPayload)
}

type FilterConfig struct {
	Window     time.Duration
	MaxEntries int

	// Clock is injectable for deterministic tests.
	Clock  func() time.Time
	Logger *slog.Logger
}

func (c FilterConfig) withDefaults() FilterConfig {
	out := c
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = DefaultMaxEntries
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	out.Logger = logger.OrDefault(out.Logger)
	return out
}

// Filter suppresses repeated deliveries of the same logical push event.
//
// Invariants:
// - A key is accepted at most once per Window.
// - At most MaxEntries keys are remembered; the oldest is evicted first.
//   Entries past the window stay until evicted but no longer suppress.
// - Check-and-record happens under one lock, so concurrent deliveries of the
//   same key cannot both be accepted.
type Filter struct {
	cfg     FilterConfig
	display CallDisplay

	mu     sync.Mutex
	seen   *lru.Cache[string, time.Time]
	closed bool
}

// NewFilter builds a filter. display may be nil when no call UI is attached.
func NewFilter(cfg FilterConfig, display CallDisplay) *Filter {
	cfg = cfg.withDefaults()
	// MaxEntries is positive after defaults, so New cannot fail.
	seen, _ := lru.New[string, time.Time](cfg.MaxEntries)
	return &Filter{
		cfg:     cfg,
		display: display,
		seen:    seen,
	}
}

// SetDisplay attaches the call display after construction.
// The client state machine and the filter reference each other.
func (f *Filter) SetDisplay(d CallDisplay) {
	f.mu.Lock()
	f.display = d
	f.mu.Unlock()
}

// ShouldProcess reports whether p is new within the window and records it if so.
// A duplicate incoming call re-displays the call notification as a side effect.
func (f *Filter) ShouldProcess(p Payload) bool {
	if p == nil {
		return false
	}
	key := p.EventKey()
	now := f.cfg.Clock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return true
	}
	if recorded, ok := f.seen.Peek(key); ok && now.Sub(recorded) < f.cfg.Window {
		display := f.display
		f.mu.Unlock()

		f.cfg.Logger.Debug("duplicate push suppressed", "event_key", key)
		if cp, ok := p.(CallPayload); ok && cp.IsIncoming() && display != nil {
			display.Redisplay(cp)
		}
		return false
	}
	f.seen.Add(key, now)
	f.mu.Unlock()
	return true
}

// Len returns the number of remembered keys.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen.Len()
}

// Close drops all remembered keys. A closed filter lets everything through.
// The filter owns no goroutines, so nothing outlives Close.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.seen.Purge()
}
