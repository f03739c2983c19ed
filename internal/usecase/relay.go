package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"line-relay/internal/domain"
)

const tracerName = "line-relay/usecase"

// HistoryStore is the bounded per-user conversation log. FetchRecent must
// return a usable slice even when it reports an error.
type HistoryStore interface {
	FetchRecent(ctx context.Context, userID string) ([]domain.Turn, error)
	AppendTurns(ctx context.Context, userID string, turns []domain.Turn) error
}

// Completer always produces reply text; ok is false when it fell back.
type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (reply string, ok bool)
}

type Dispatcher interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// RelayService runs the message pipeline for each webhook event.
type RelayService struct {
	history       HistoryStore
	llm           Completer
	replies       Dispatcher
	persona       string
	maxConcurrent int
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewRelayService(h HistoryStore, llm Completer, d Dispatcher, persona string, maxConcurrent int) (*RelayService, error) {
	if h == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if strings.TrimSpace(persona) == "" {
		return nil, errors.New("usecase: system persona must not be empty")
	}
	if maxConcurrent < 0 {
		maxConcurrent = 0
	}
	return &RelayService{
		history:       h,
		llm:           llm,
		replies:       d,
		persona:       persona,
		maxConcurrent: maxConcurrent,
		logger:        slog.Default().With("component", "usecase.relay"),
		tracer:        otel.Tracer(tracerName),
	}, nil
}

// eventRun carries one event through the pipeline stages.
type eventRun struct {
	event   domain.Event
	history []domain.Turn
	prompt  []domain.ChatMessage
	reply   string
	result  Result
}

type stage struct {
	name Stage
	run  func(ctx context.Context, r *eventRun)
}

func (s *RelayService) stages() []stage {
	return []stage{
		{name: StageFetchHistory, run: s.fetchHistory},
		{name: StageAssemble, run: s.assemble},
		{name: StageComplete, run: s.complete},
		{name: StageDispatch, run: s.dispatch},
		{name: StagePersist, run: s.persist},
	}
}

// HandleEvents runs every event concurrently and waits for all of them. A
// failure in one event never affects another; results are returned in input
// order.
func (s *RelayService) HandleEvents(ctx context.Context, events []domain.Event) []Result {
	results := make([]Result, len(events))

	var g errgroup.Group
	if s.maxConcurrent > 0 {
		g.SetLimit(s.maxConcurrent)
	}
	for i, ev := range events {
		g.Go(func() error {
			results[i] = s.HandleEvent(ctx, i, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		s.logResult(ctx, r)
	}
	return results
}

// HandleEvent runs the pipeline for a single event.
func (s *RelayService) HandleEvent(ctx context.Context, index int, ev domain.Event) Result {
	run := &eventRun{
		event:  ev,
		result: Result{
			Index:          index,
			UserID:         ev.UserID,
			WebhookEventID: ev.WebhookEventID,
			Redelivery:     ev.Redelivery,
			Outcome:        OutcomeSuccess,
		},
	}
	if !ev.IsText() {
		run.result.Skipped = true
		run.result.Stage = StageFilter
		run.result.Reasons = []string{reasonSkipped}
		return run.result
	}

	ctx, span := s.tracer.Start(ctx, "relay.event", trace.WithAttributes(
		attribute.Int("relay.event_index", index),
		attribute.Bool("relay.redelivery", ev.Redelivery),
	))
	defer span.End()

	s.runStages(ctx, run)

	span.SetAttributes(attribute.String("relay.outcome", string(run.result.Outcome)))
	if run.result.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, string(run.result.Stage))
	}
	return run.result
}

func (s *RelayService) runStages(ctx context.Context, run *eventRun) {
	current := StageFilter
	defer func() {
		if p := recover(); p != nil {
			run.result.fail(current, reasonPanic, newError(ErrorInternal, "panic", fmt.Errorf("%v", p)))
		}
	}()

	for _, st := range s.stages() {
		current = st.name
		s.runStage(ctx, st, run)
	}
}

func (s *RelayService) runStage(ctx context.Context, st stage, run *eventRun) {
	ctx, span := s.tracer.Start(ctx, "relay."+string(st.name))
	defer span.End()
	st.run(ctx, run)
}

func (s *RelayService) fetchHistory(ctx context.Context, r *eventRun) {
	r.history = []domain.Turn{}
	if r.event.UserID == "" {
		r.result.Reasons = append(r.result.Reasons, reasonAnonymousSource)
		return
	}
	turns, err := s.history.FetchRecent(ctx, r.event.UserID)
	if turns != nil {
		r.history = turns
	}
	if err != nil {
		// Continue statelessly for this turn.
		r.history = []domain.Turn{}
		r.result.degrade(reasonStoreUnavailable, newError(ErrorStoreUnavailable, "history_fetch_failed", err))
	}
}

func (s *RelayService) assemble(_ context.Context, r *eventRun) {
	r.prompt = BuildPrompt(s.persona, r.history, r.event.Text)
}

func (s *RelayService) complete(ctx context.Context, r *eventRun) {
	reply, ok := s.llm.Complete(ctx, r.prompt)
	r.reply = reply
	if !ok {
		r.result.degrade(reasonCompletionFallback, newError(ErrorCompletion, "completion_fallback", nil))
	}
}

func (s *RelayService) dispatch(ctx context.Context, r *eventRun) {
	if err := s.replies.Reply(ctx, r.event.ReplyToken, r.reply); err != nil {
		r.result.fail(StageDispatch, reasonDispatchFailed, newError(ErrorDispatch, "reply_failed", err))
	}
}

// persist runs even after a failed dispatch so later turns keep their context.
func (s *RelayService) persist(ctx context.Context, r *eventRun) {
	if r.event.UserID == "" {
		return
	}
	turns := []domain.Turn{domain.UserTurn(r.event.Text), domain.AssistantTurn(r.reply)}
	if err := s.history.AppendTurns(ctx, r.event.UserID, turns); err != nil {
		r.result.degrade(reasonStoreUnavailable, newError(ErrorStoreUnavailable, "history_append_failed", err))
	}
}

func (s *RelayService) logResult(ctx context.Context, r Result) {
	attrs := []any{
		"correlation_id", CorrelationID(ctx),
		"event_index", r.Index,
		"user_id", r.UserID,
		"webhook_event_id", r.WebhookEventID,
		"redelivery", r.Redelivery,
		"outcome", string(r.Outcome),
	}
	if len(r.Reasons) > 0 {
		attrs = append(attrs, "reasons", r.Reasons)
	}
	if len(r.Codes) > 0 {
		attrs = append(attrs, "codes", r.Codes)
	}
	switch {
	case r.Skipped:
		s.logger.DebugContext(ctx, "event skipped", attrs...)
	case r.Outcome == OutcomeFailed:
		attrs = append(attrs, "stage", string(r.Stage), "error", r.Err)
		s.logger.ErrorContext(ctx, "event failed", attrs...)
	case r.Outcome == OutcomeDegraded:
		attrs = append(attrs, "error", r.Err)
		s.logger.WarnContext(ctx, "event degraded", attrs...)
	default:
		s.logger.InfoContext(ctx, "event relayed", attrs...)
	}
}
