package notification

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the push data.type discriminator.
type Category string

const (
	CategoryCall    Category = "call"
	CategoryMessage Category = "message"
	CategoryFollow  Category = "follow"
)

// CallAction distinguishes an incoming-call push from its retractions.
type CallAction string

const (
	CallActionIncoming  CallAction = "incoming"
	CallActionCancelled CallAction = "cancelled"
	CallActionMissed    CallAction = "missed"
	CallActionDeclined  CallAction = "declined"
	CallActionEnded     CallAction = "ended"
)

var (
	ErrUnknownType      = errors.New("notification: unknown payload type")
	ErrMalformedPayload = errors.New("notification: malformed payload")
)

// messagePrefixRunes bounds the content-derived key when a message has no id.
const messagePrefixRunes = 20

// Payload is the closed set of push payload variants.
type Payload interface {
	Category() Category
	// EventKey is the semantic identity used for duplicate suppression.
	EventKey() string
	// Data renders the variant back into a push data map.
	Data() map[string]string

	isPayload()
}

type CallPayload struct {
	CallID     string
	CallerID   string
	CallerName string
	CallType   string
	Action     CallAction
}

type MessagePayload struct {
	ChatID    string
	MessageID string
	SenderID  string
	Message   string
}

type FollowPayload struct {
	FollowerID   string
	FollowerName string
}

func (CallPayload) Category() Category    { return CategoryCall }
func (MessagePayload) Category() Category { return CategoryMessage }
func (FollowPayload) Category() Category  { return CategoryFollow }

func (CallPayload) isPayload()    {}
func (MessagePayload) isPayload() {}
func (FollowPayload) isPayload()  {}

// IsIncoming reports whether the payload offers a call rather than retracting one.
func (p CallPayload) IsIncoming() bool {
	return p.Action == "" || p.Action == CallActionIncoming
}

// EventKey is call_<id> for an incoming call and call_<id>_<action> for a retraction,
// so a retraction is never swallowed by the incoming entry.
func (p CallPayload) EventKey() string {
	if p.IsIncoming() {
		return "call_" + p.CallID
	}
	return "call_" + p.CallID + "_" + string(p.Action)
}

func (p MessagePayload) EventKey() string {
	id := p.MessageID
	if id == "" {
		id = runePrefix(p.Message, messagePrefixRunes)
	}
	return "message_" + p.ChatID + "_" + id
}

func (p FollowPayload) EventKey() string {
	return "follow_" + p.FollowerID
}

func (p CallPayload) Data() map[string]string {
	out := map[string]string{
		"type":   string(CategoryCall),
		"callId": p.CallID,
	}
	putIfSet(out, "callerId", p.CallerID)
	putIfSet(out, "callerName", p.CallerName)
	putIfSet(out, "callType", p.CallType)
	if !p.IsIncoming() {
		out["action"] = string(p.Action)
	}
	return out
}

func (p MessagePayload) Data() map[string]string {
	out := map[string]string{
		"type":   string(CategoryMessage),
		"chatId": p.ChatID,
	}
	putIfSet(out, "messageId", p.MessageID)
	putIfSet(out, "senderId", p.SenderID)
	putIfSet(out, "message", p.Message)
	return out
}

func (p FollowPayload) Data() map[string]string {
	out := map[string]string{
		"type":       string(CategoryFollow),
		"followerId": p.FollowerID,
	}
	putIfSet(out, "followerName", p.FollowerName)
	return out
}

// Parse turns a raw push data map into a payload variant.
// Unknown types return ErrUnknownType; missing identity fields return ErrMalformedPayload.
func Parse(data map[string]string) (Payload, error) {
	typ := Category(strings.TrimSpace(data["type"]))
	switch typ {
	case CategoryCall:
		p := CallPayload{
			CallID:     strings.TrimSpace(data["callId"]),
			CallerID:   strings.TrimSpace(data["callerId"]),
			CallerName: data["callerName"],
			CallType:   strings.TrimSpace(data["callType"]),
			Action:     CallAction(strings.TrimSpace(data["action"])),
		}
		if p.CallID == "" {
			return nil, fmt.Errorf("%w: call payload without callId", ErrMalformedPayload)
		}
		if p.Action == "" {
			p.Action = CallActionIncoming
		}
		if !validAction(p.Action) {
			return nil, fmt.Errorf("%w: unknown call action %q", ErrMalformedPayload, p.Action)
		}
		if p.IsIncoming() && p.CallerID == "" {
			return nil, fmt.Errorf("%w: incoming call without callerId", ErrMalformedPayload)
		}
		return p, nil
	case CategoryMessage:
		p := MessagePayload{
			ChatID:    strings.TrimSpace(data["chatId"]),
			MessageID: strings.TrimSpace(data["messageId"]),
			SenderID:  strings.TrimSpace(data["senderId"]),
			Message:   data["message"],
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("%w: message payload without chatId", ErrMalformedPayload)
		}
		if p.MessageID == "" && p.Message == "" {
			return nil, fmt.Errorf("%w: message payload without messageId or message", ErrMalformedPayload)
		}
		return p, nil
	case CategoryFollow:
		p := FollowPayload{
			FollowerID:   strings.TrimSpace(data["followerId"]),
			FollowerName: data["followerName"],
		}
		if p.FollowerID == "" {
			return nil, fmt.Errorf("%w: follow payload without followerId", ErrMalformedPayload)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func validAction(a CallAction) bool {
	switch a {
	case CallActionIncoming, CallActionCancelled, CallActionMissed, CallActionDeclined, CallActionEnded:
		return true
	default:
		return false
	}
}

func runePrefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func putIfSet(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}
