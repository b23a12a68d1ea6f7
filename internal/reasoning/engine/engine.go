package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shivangiamit/hackathon/internal/models"
	ctxbuilder "github.com/shivangiamit/hackathon/internal/reasoning/context"
)

// Package engine runs a farmer query through the advisory pipeline:
//
//	context → classify → generate → judge → {format | retry}
//	retry → {judge | format}
//	format → persist → done
//
// Any state may move to error. The transition table is pure (see Next);
// stage handlers decide which event to emit and the run loop applies it.
//
// Only a context build error and a generation failure are fatal. Every other
// failing collaborator is replaced by a default value and a warning. A run
// that is cancelled or passes its deadline stops at the next stage boundary
// and never persists.

// State is a pipeline stage.
type State string

const (
	StateContext  State = "context"
	StateClassify State = "classify"
	StateGenerate State = "generate"
	StateJudge    State = "judge"
	StateRetry    State = "retry"
	StateFormat   State = "format"
	StatePersist  State = "persist"
	StateDone     State = "done"
	StateError    State = "error"
)

// Event is the outcome a stage reports to the state machine.
type Event string

const (
	EventOK               Event = "ok"
	EventFailed           Event = "failed"
	EventApproved         Event = "approved"
	EventRejected         Event = "rejected"
	EventJudgeUnavailable Event = "judge_unavailable"
	EventRetried          Event = "retried"
	EventRetryFailed      Event = "retry_failed"
	EventRetryExhausted   Event = "retry_exhausted"
	EventCancelled        Event = "cancelled"
	EventTimedOut         Event = "timed_out"
)

// MaxRetries is the number of regeneration attempts a run may make.
const MaxRetries = 1

var (
	// ErrPipelineTimeout is returned when a run exceeds its overall deadline.
	ErrPipelineTimeout = errors.New("pipeline deadline exceeded")

	// ErrPipelineCancelled is returned when the caller cancels a run.
	ErrPipelineCancelled = errors.New("pipeline cancelled")

	// ErrInvalidRequest is returned for a query without farmer id or text.
	ErrInvalidRequest = errors.New("invalid query request")

	// ErrInvalidTransition is returned by Next for an event the state does
	// not accept.
	ErrInvalidTransition = errors.New("invalid pipeline transition")
)

var transitions = map[State]map[Event]State{
	StateContext: {
		EventOK:     StateClassify,
		EventFailed: StateError,
	},
	StateClassify: {
		EventOK: StateGenerate,
	},
	StateGenerate: {
		EventOK:     StateJudge,
		EventFailed: StateError,
	},
	StateJudge: {
		EventApproved:         StateFormat,
		EventRejected:         StateRetry,
		EventJudgeUnavailable: StateFormat,
	},
	StateRetry: {
		EventRetried:        StateJudge,
		EventRetryFailed:    StateFormat,
		EventRetryExhausted: StateFormat,
	},
	StateFormat: {
		EventOK: StatePersist,
	},
	StatePersist: {
		EventOK: StateDone,
	},
}

// Next returns the state that follows s on ev. Cancellation and timeout move
// any non-terminal state to error.
func Next(s State, ev Event) (State, error) {
	if IsTerminal(s) {
		return s, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	if ev == EventCancelled || ev == EventTimedOut {
		return StateError, nil
	}
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}
	return next, nil
}

// IsTerminal reports whether s ends a run.
func IsTerminal(s State) bool {
	return s == StateDone || s == StateError
}

// StageStatus is the recorded outcome of one stage.
type StageStatus string

const (
	StatusComplete          StageStatus = "complete"
	StatusDegraded          StageStatus = "degraded"
	StatusFailed            StageStatus = "failed"
	StatusSkipped           StageStatus = "skipped"
	StatusCompleteWithError StageStatus = "complete_with_error"
	StatusCancelled         StageStatus = "cancelled"
)

// QueryRequest is the input of ProcessQuery. The snapshot is the sensor state
// the answer is about; the engine never reads sensors itself.
type QueryRequest struct {
	RunID     string                `json:"run_id,omitempty"`
	FarmerID  string                `json:"farmer_id"`
	Query     string                `json:"query"`
	Snapshot  models.SensorSnapshot `json:"snapshot"`
	QueryType models.QueryType      `json:"query_type,omitempty"` // optional hint
}

// PipelineState is the record threaded through the stages of one run.
// Stages only add to it.
type PipelineState struct {
	RunID     string
	FarmerID  string
	Query     string
	Snapshot  models.SensorSnapshot
	QueryHint models.QueryType
	StartedAt time.Time

	Bundle         *ctxbuilder.ContextBundle
	ContextText    string
	Classification models.Classification
	Answer         string
	Judgement      models.Judgement
	Retries        int
	Output         models.FormattedOutput
	ConversationID string

	Stage    State
	Err      error
	Stages   map[State]StageStatus
	Warnings []string
}

func (s *PipelineState) warn(format string, args ...interface{}) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// StageEvent is streamed to subscribers after every transition.
type StageEvent struct {
	RunID      string      `json:"run_id"`
	Stage      State       `json:"stage"`
	Event      Event       `json:"event"`
	Next       State       `json:"next"`
	Status     StageStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Subscriber receives stage events for one run. Ch is closed when the run
// finishes.
type Subscriber struct {
	Ch chan StageEvent
}

// ─── Collaborators ────────────────────────────────────────────────────────────

// ContextBuilder assembles the context bundle for a run.
type ContextBuilder interface {
	Build(ctx context.Context, req ctxbuilder.Request) (*ctxbuilder.ContextBundle, error)
}

// Classifier classifies a query.
type Classifier interface {
	Classify(ctx context.Context, query string, hint models.QueryType, contextText string) (models.Classification, error)
}

// Generator produces and improves answers.
type Generator interface {
	Generate(ctx context.Context, query, contextText string, cls models.Classification) (string, error)
	Regenerate(ctx context.Context, query, contextText, previous string, cls models.Classification, j models.Judgement) (string, error)
}

// Judge scores an answer.
type Judge interface {
	Evaluate(ctx context.Context, query, contextText, answer string) (models.Judgement, error)
}

// Persister stores finished runs.
type Persister interface {
	Store(ctx context.Context, rec *models.ConversationRecord) (string, error)
	RecordRun(ctx context.Context, farmerID string, qt models.QueryType, crop string, anomalies []models.Anomaly) error
}

// QueryEngine is the pipeline as seen by its callers.
type QueryEngine interface {
	// ProcessQuery runs one query to completion. The result is always
	// well-formed; err is non-nil when the run did not succeed.
	ProcessQuery(ctx context.Context, req QueryRequest) (models.QueryResult, error)

	// Subscribe registers for the stage events of runID. Call it before
	// ProcessQuery with the same RunID. A caller that ends up not running
	// the query must Unsubscribe.
	Subscribe(runID string) *Subscriber

	// Unsubscribe releases a subscription early.
	Unsubscribe(runID string, sub *Subscriber)
}
