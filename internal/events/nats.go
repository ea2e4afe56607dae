package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"call-coordinator/pkg/logger"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events as JSON on calls.<callId>.<state>.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) Publish(ctx context.Context, e CallEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal call event: %w", err)
	}
	subject := e.Subject()
	msg := nats.NewMsg(subject)
	msg.Data = data
	// Lets JetStream consumers deduplicate if a stream is configured on calls.>.
	msg.Header.Set(nats.MsgIdHdr, e.EventID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// NATSBridge feeds events published by any instance into the local Hub, so a
// device connected here sees transitions written elsewhere.
type NATSBridge struct {
	nc  *nats.Conn
	hub *Hub
	log *slog.Logger
	sub *nats.Subscription
}

func NewNATSBridge(nc *nats.Conn, hub *Hub, log *slog.Logger) *NATSBridge {
	return &NATSBridge{nc: nc, hub: hub, log: logger.OrDefault(log)}
}

// Start subscribes to every call subject.
func (b *NATSBridge) Start() error {
	sub, err := b.nc.Subscribe(SubjectAll, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectAll, err)
	}
	b.sub = sub
	b.log.Info("call event bridge subscribed", "subject", SubjectAll)
	return nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var e CallEvent
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		b.log.Warn("call event bridge: bad payload", "subject", msg.Subject, "err", err)
		return
	}
	if e.CallID == "" || !e.State.Valid() {
		b.log.Warn("call event bridge: incomplete event", "subject", msg.Subject)
		return
	}
	_ = b.hub.Publish(context.Background(), e)
}

func (b *NATSBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
