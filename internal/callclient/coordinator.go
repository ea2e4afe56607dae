package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"call-coordinator/internal/calls"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"

	"github.com/google/uuid"
)

// Coordinator is the device's view of the call coordinator API. The acting
// user is implied by the credentials behind the implementation.
type Coordinator interface {
	Initiate(ctx context.Context, req calls.InitiateRequest) (calls.Session, error)
	Accept(ctx context.Context, callID string) (calls.Session, error)
	Decline(ctx context.Context, callID string) (calls.Session, error)
	Cancel(ctx context.Context, callID string) (calls.Session, error)
	End(ctx context.Context, callID string, reason calls.EndReason) (calls.Session, error)
	ConfirmJoin(ctx context.Context, callID string) (calls.Session, error)
	Get(ctx context.Context, callID string) (calls.Session, error)
}

// APIError is a non-2xx response. It unwraps to the matching calls sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator: status %d", e.Status)
	}
	return fmt.Sprintf("coordinator: %s (status %d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "already_in_call":
		return calls.ErrAlreadyInCall
	case "invalid_transition":
		return calls.ErrInvalidTransition
	case "not_found":
		return calls.ErrNotFound
	case "not_participant":
		return calls.ErrNotParticipant
	case "invalid_argument":
		return calls.ErrInvalidArgument
	}
	return nil
}

type HTTPOptions struct {
	BaseURL string
	// Token returns the current access token.
	Token   func() string
	Client  *http.Client
	Retry   utils.RetryPolicy
	Logger  *slog.Logger
}

// HTTPCoordinator talks to the coordinator REST API. Every operation is
// idempotent server-side, so transport errors and 5xx are retried.
type HTTPCoordinator struct {
	base   string
	token  func() string
	client *http.Client
	retry  utils.RetryPolicy
	log    *slog.Logger
}

func NewHTTPCoordinator(opts HTTPOptions) *HTTPCoordinator {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	retry.Retryable = retryableAPIError
	return &HTTPCoordinator{
		base:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:  opts.Token,
		client: opts.Client,
		retry:  retry,
		log:    logger.OrDefault(opts.Logger),
	}
}

func retryableAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

type envelope struct {
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// Initiate fills in a call id when missing so retries stay idempotent.
func (h *HTTPCoordinator) Initiate(ctx context.Context, req calls.InitiateRequest) (calls.Session, error) {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	body := map[string]any{
		"call_id":     req.CallID,
		"callee_id":   req.CalleeID,
		"call_type":   req.CallType,
		"caller_name": req.CallerName,
	}
	return h.mutate(ctx, "/v1/calls", body)
}

func (h *HTTPCoordinator) Accept(ctx context.Context, callID string) (calls.Session, error) {
	return h.mutate(ctx, callPath(callID, "accept"), nil)
}

func (h *HTTPCoordinator) Decline(ctx context.Context, callID string) (calls.Session, error) {
	return h.mutate(ctx, callPath(callID, "decline"), nil)
}

func (h *HTTPCoordinator) Cancel(ctx context.Context, callID string) (calls.Session, error) {
	return h.mutate(ctx, callPath(callID, "cancel"), nil)
}

func (h *HTTPCoordinator) End(ctx context.Context, callID string, reason calls.EndReason) (calls.Session, error) {
	return h.mutate(ctx, callPath(callID, "end"), map[string]any{"reason": reason})
}

func (h *HTTPCoordinator) ConfirmJoin(ctx context.Context, callID string) (calls.Session, error) {
	return h.mutate(ctx, callPath(callID, "join"), nil)
}

func (h *HTTPCoordinator) Get(ctx context.Context, callID string) (calls.Session, error) {
	var s calls.Session
	err := h.do(ctx, http.MethodGet, callPath(callID, ""), nil, &s)
	return s, err
}

func (h *HTTPCoordinator) mutate(ctx context.Context, path string, body any) (calls.Session, error) {
	var res calls.Result
	err := h.do(ctx, http.MethodPost, path, body, &res)
	return res.Session, err
}

func callPath(callID, action string) string {
	p := "/v1/calls/" + url.PathEscape(callID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (h *HTTPCoordinator) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	attempt := 0
	return h.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := h.once(ctx, method, path, payload, out)
		if err != nil && retryableAPIError(err) {
			h.log.Warn("coordinator request failed", "method", method, "path", path, "attempt", attempt, "err", err)
		}
		return err
	})
}

func (h *HTTPCoordinator) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rdr)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := h.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code, apiErr.Message = env.Code, env.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
