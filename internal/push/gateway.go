// Package push hands notification payloads to the device push pipeline.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"call-coordinator/internal/notification"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"

	"github.com/nats-io/nats.go"
)

var (
	// ErrDeliveryUncertain means a push was dropped or every attempt failed.
	// The transition that caused it still stands.
	ErrDeliveryUncertain = errors.New("push: delivery uncertain")
	ErrInvalidRecipient  = errors.New("push: recipient required")
)

// Gateway delivers one data-only push to a user's devices.
type Gateway interface {
	Send(ctx context.Context, userID string, p notification.Payload) error
}

// Message is the wire form handed to the external push worker.
type Message struct {
	UserID string            `json:"user_id"`
	Data   map[string]string `json:"data"`
}

// SubjectPrefix is the NATS subject root for outbound pushes: push.<userId>.
const SubjectPrefix = "push"

// NATSGateway publishes pushes for the FCM worker that owns device tokens.
type NATSGateway struct {
	nc *nats.Conn
}

func NewNATSGateway(nc *nats.Conn) *NATSGateway {
	return &NATSGateway{nc: nc}
}

func (g *NATSGateway) Send(ctx context.Context, userID string, p notification.Payload) error {
	if userID == "" {
		return ErrInvalidRecipient
	}
	data, err := json.Marshal(Message{UserID: userID, Data: p.Data()})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	subject := SubjectPrefix + "." + utils.SubjectToken(userID)
	if err := g.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// LogGateway only logs. Used when no push transport is configured.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Send(ctx context.Context, userID string, p notification.Payload) error {
	if userID == "" {
		return ErrInvalidRecipient
	}
	logger.OrDefault(g.Logger).Info("push", "user_id", userID, "type", p.Category(), "event_key", p.EventKey())
	return nil
}

// MemoryGateway records sends. Fail, when set, is consulted before recording.
type MemoryGateway struct {
	mu   sync.Mutex
	sent []Message
	Fail func(userID string, p notification.Payload) error
}

func (g *MemoryGateway) Send(ctx context.Context, userID string, p notification.Payload) error {
	if userID == "" {
		return ErrInvalidRecipient
	}
	if g.Fail != nil {
		if err := g.Fail(userID, p); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.sent = append(g.sent, Message{UserID: userID, Data: p.Data()})
	g.mu.Unlock()
	return nil
}

// Sent returns a copy of everything delivered so far.
func (g *MemoryGateway) Sent() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.sent...)
}
