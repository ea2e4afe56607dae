package reporting

import (
	"context"
	"errors"

	"call-coordinator/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
// calls.Repository satisfies it; archived sessions are included.
type Repository interface {
	ListSessions(ctx context.Context, f calls.ListFilter) ([]calls.Session, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListSessions(ctx, calls.ListFilter{From: req.Range.From, To: req.Range.To, UserID: req.UserID})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, ByEndReason: map[string]int{}}
	talked := 0
	for _, c := range rows {
		out.TotalCalls++
		if !c.AcceptedAt.IsZero() {
			out.AnsweredCalls++
		}
		if d := c.TalkTime(); d > 0 {
			out.TotalTalkSeconds += int(d.Seconds())
			talked++
		}
		if c.EndReason != "" {
			out.ByEndReason[string(c.EndReason)]++
		}

		switch {
		case !c.State.IsTerminal():
			out.InProgressCalls++
		case c.State == calls.StateEnded:
			out.CompletedCalls++
		case c.State == calls.StateDeclined:
			out.DeclinedCalls++
		case c.State == calls.StateCancelled:
			out.CancelledCalls++
		case c.EndReason == calls.EndReasonNoAnswer:
			out.NoAnswerCalls++
		default:
			out.FailedCalls++
		}
	}
	if talked > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / talked
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
