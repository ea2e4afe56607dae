package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics over sessions created in Range.
// UserID optionally restricts the summary to one participant.

type CallsSummaryRequest struct {
	Range  TimeRange `json:"range"`
	UserID string    `json:"user_id,omitempty"`
}

type CallsSummary struct {
	UserID string `json:"user_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	AnsweredCalls   int `json:"answered_calls"`
	CompletedCalls  int `json:"completed_calls"`
	DeclinedCalls   int `json:"declined_calls"`
	CancelledCalls  int `json:"cancelled_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	FailedCalls     int `json:"failed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	// ByEndReason counts terminal sessions per end reason.
	ByEndReason map[string]int `json:"by_end_reason"`

	// Talk time is EndedAt - ActiveAt over calls that connected and ended.
	TotalTalkSeconds   int `json:"total_talk_seconds"`
	AverageTalkSeconds int `json:"average_talk_seconds"`

	AnswerRate float64 `json:"answer_rate"`
}
