package usecase

import (
	"errors"
)

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

type Stage string

const (
	StageFilter       Stage = "filter"
	StageFetchHistory Stage = "fetch_history"
	StageAssemble     Stage = "assemble"
	StageComplete     Stage = "complete"
	StageDispatch     Stage = "dispatch"
	StagePersist      Stage = "persist"
)

const (
	reasonSkipped            = "skipped"
	reasonStoreUnavailable   = "store_unavailable"
	reasonCompletionFallback = "completion_fallback"
	reasonDispatchFailed     = "dispatch_failed"
	reasonAnonymousSource    = "anonymous_source"
	reasonPanic              = "panic"
)

// Result is the observable outcome of one event's pipeline run. It never
// changes the webhook response.
type Result struct {
	Index          int
	UserID         string
	WebhookEventID string
	Redelivery     bool
	Outcome        Outcome
	// Stage is the stage that failed, or StageFilter for skipped events.
	Stage   Stage
	Skipped bool
	Reasons []string
	// Codes lists the error code of every degradation or failure, in order.
	Codes []ErrorCode
	Err   error
}

func (r *Result) degrade(reason string, err *Error) {
	if r.Outcome == OutcomeSuccess {
		r.Outcome = OutcomeDegraded
	}
	r.record(reason, err)
}

func (r *Result) fail(stage Stage, reason string, err *Error) {
	r.Outcome = OutcomeFailed
	r.Stage = stage
	r.record(reason, err)
}

func (r *Result) record(reason string, err *Error) {
	r.Reasons = append(r.Reasons, reason)
	if err != nil {
		r.Codes = append(r.Codes, err.Code)
		r.Err = errors.Join(r.Err, err)
	}
}

// Summary counts outcomes across results. ByCode counts every recorded error
// code, so one event may contribute to several entries.
type Summary struct {
	Success  int
	Degraded int
	Failed   int
	Skipped  int
	ByCode   map[ErrorCode]int
}

func Summarize(results []Result) Summary {
	s := Summary{ByCode: map[ErrorCode]int{}}
	for _, r := range results {
		for _, code := range r.Codes {
			s.ByCode[code]++
		}
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Outcome == OutcomeFailed:
			s.Failed++
		case r.Outcome == OutcomeDegraded:
			s.Degraded++
		default:
			s.Success++
		}
	}
	return s
}
