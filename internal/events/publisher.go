package events

import (
	"context"
	"errors"
	"log/slog"

	"call-coordinator/internal/calls"
	"call-coordinator/pkg/logger"
)

// Publisher delivers call events. Implementations must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e CallEvent) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e CallEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggingPublisher logs events at debug level. Used when nothing else is configured.
type LoggingPublisher struct {
	Logger *slog.Logger
}

func (p LoggingPublisher) Publish(ctx context.Context, e CallEvent) error {
	logger.OrDefault(p.Logger).Debug("call event",
		"call_id", e.CallID,
		"state", e.State,
		"prev_state", e.PrevState,
		"version", e.Version,
	)
	return nil
}

// Observer turns coordinator transitions into published events.
// Publish failures are logged; they never affect the transition.
type Observer struct {
	pub Publisher
	log *slog.Logger
}

var _ calls.Observer = (*Observer)(nil)

func NewObserver(pub Publisher, log *slog.Logger) *Observer {
	return &Observer{pub: pub, log: logger.OrDefault(log)}
}

func (o *Observer) OnTransition(ctx context.Context, prev, next calls.Session) {
	e := FromTransition(prev, next)
	if err := o.pub.Publish(ctx, e); err != nil {
		o.log.Warn("call event publish failed", "call_id", e.CallID, "state", e.State, "err", err)
	}
}
