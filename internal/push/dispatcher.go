package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"
)

type DispatcherOptions struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Retry       utils.RetryPolicy
	Logger      *slog.Logger
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	out := o
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 5 * time.Second
	}
	if out.Retry.MaxAttempts <= 0 {
		out.Retry.MaxAttempts = 4
	}
	out.Retry.Jitter = true
	if out.Retry.Retryable == nil {
		out.Retry.Retryable = func(err error) bool { return !errors.Is(err, ErrInvalidRecipient) }
	}
	out.Logger = logger.OrDefault(out.Logger)
	return out
}

type job struct {
	userID  string
	payload notification.Payload
}

// Dispatcher decouples push delivery from call transitions: Enqueue never blocks,
// and a worker pool retries each send with backoff.
type Dispatcher struct {
	gw    Gateway
	opts  DispatcherOptions
	log   *slog.Logger
	queue chan job

	mu     sync.RWMutex
	closed bool
}

var _ calls.Notifier = (*Dispatcher)(nil)

func NewDispatcher(gw Gateway, opts DispatcherOptions) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		gw:    gw,
		opts:  opts,
		log:   opts.Logger,
		queue: make(chan job, opts.QueueSize),
	}
}

// Enqueue schedules a push. A full queue or a closed dispatcher drops it with
// ErrDeliveryUncertain logged.
func (d *Dispatcher) Enqueue(ctx context.Context, userID string, p notification.Payload) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.uncertain(userID, p, errors.New("dispatcher closed"))
		return
	}
	select {
	case d.queue <- job{userID: userID, payload: p}:
	default:
		d.uncertain(userID, p, errors.New("queue full"))
	}
}

// Run starts the workers and blocks until ctx is done or Close drained the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
}

// Close stops accepting pushes. Queued pushes are still delivered by running workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	attempts := 0
	err := d.opts.Retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
		return d.gw.Send(sendCtx, j.userID, j.payload)
	})
	if err != nil {
		d.uncertain(j.userID, j.payload, err, "attempts", attempts)
		return
	}
	d.log.Debug("push delivered", "user_id", j.userID, "event_key", j.payload.EventKey(), "attempts", attempts)
}

func (d *Dispatcher) uncertain(userID string, p notification.Payload, cause error, extra ...any) {
	args := []any{
		"user_id", userID,
		"type", p.Category(),
		"event_key", p.EventKey(),
		"err", errors.Join(ErrDeliveryUncertain, cause),
	}
	d.log.Warn("push delivery uncertain", append(args, extra...)...)
}
