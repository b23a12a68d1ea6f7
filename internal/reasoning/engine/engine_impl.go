package engine

// Package engine: concrete pipeline implementation.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/audit"
	"github.com/shivangiamit/hackathon/internal/metrics"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/agents"
	ctxbuilder "github.com/shivangiamit/hackathon/internal/reasoning/context"
	"github.com/shivangiamit/hackathon/internal/reasoning/format"
	"github.com/shivangiamit/hackathon/internal/tracing"
)

// ApologyText is returned to the farmer when a run fails.
const ApologyText = "Sorry, we could not prepare advice for your question right now. Please try again in a few minutes."

// maxSteps bounds the run loop independently of the transition table.
const maxSteps = 16

// Config tunes the pipeline.
type Config struct {
	JudgeThreshold  int
	NeutralScore    int
	ClassifyTimeout time.Duration
	GenerateTimeout time.Duration
	JudgeTimeout    time.Duration
	PersistTimeout  time.Duration
	Deadline        time.Duration
	Retention       time.Duration
}

// DefaultConfig returns the production pipeline settings.
func DefaultConfig() Config {
	return Config{
		JudgeThreshold:  85,
		NeutralScore:    75,
		ClassifyTimeout: 15 * time.Second,
		GenerateTimeout: 45 * time.Second,
		JudgeTimeout:    20 * time.Second,
		PersistTimeout:  5 * time.Second,
		Deadline:        2 * time.Minute,
		Retention:       30 * 24 * time.Hour,
	}
}

// Deps are the collaborators of an Engine. Logger and Audit may be nil.
type Deps struct {
	Builder    ContextBuilder
	Classifier Classifier
	Generator  Generator
	Judge      Judge
	Persister  Persister
	Logger     *zap.Logger
	Audit      audit.Logger
	Now        func() time.Time
}

// Engine is the concrete QueryEngine.
type Engine struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	subsMu      sync.Mutex
	subscribers map[string][]*Subscriber
}

var _ QueryEngine = (*Engine)(nil)

// New creates an Engine. Zero-valued fields of cfg take their defaults.
func New(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.JudgeThreshold <= 0 {
		cfg.JudgeThreshold = def.JudgeThreshold
	}
	if cfg.NeutralScore <= 0 {
		cfg.NeutralScore = def.NeutralScore
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = def.ClassifyTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = def.JudgeTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		deps:        deps,
		cfg:         cfg,
		log:         deps.Logger.Named("engine"),
		subscribers: make(map[string][]*Subscriber),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ─── Subscribers ──────────────────────────────────────────────────────────────

// Subscribe registers a channel to receive the stage events of runID.
func (e *Engine) Subscribe(runID string) *Subscriber {
	sub := &Subscriber{Ch: make(chan StageEvent, 64)}
	e.subsMu.Lock()
	e.subscribers[runID] = append(e.subscribers[runID], sub)
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe drops sub from runID and closes its channel. It is a no-op when
// the run already finished and closed it.
func (e *Engine) Unsubscribe(runID string, sub *Subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	subs := e.subscribers[runID]
	for i, s := range subs {
		if s != sub {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(e.subscribers, runID)
		} else {
			e.subscribers[runID] = subs
		}
		close(sub.Ch)
		return
	}
}

// publish sends an event to all subscribers of the run without blocking.
func (e *Engine) publish(ev StageEvent) {
	e.subsMu.Lock()
	subs := e.subscribers[ev.RunID]
	e.subsMu.Unlock()
	for _, s := range subs {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

func (e *Engine) closeSubs(runID string) {
	e.subsMu.Lock()
	subs := e.subscribers[runID]
	delete(e.subscribers, runID)
	e.subsMu.Unlock()
	for _, s := range subs {
		close(s.Ch)
	}
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

// ProcessQuery runs req through the pipeline.
func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (models.QueryResult, error) {
	start := e.deps.Now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	defer e.closeSubs(req.RunID)

	if strings.TrimSpace(req.FarmerID) == "" || strings.TrimSpace(req.Query) == "" {
		err := fmt.Errorf("%w: farmer id and query are required", ErrInvalidRequest)
		return failedResult(err, e.deps.Now().Sub(start)), err
	}

	hint := req.QueryType
	if _, ok := models.ParseQueryType(string(hint)); !ok {
		hint = agents.GuessQueryType(req.Query)
	}

	st := &PipelineState{
		RunID:     req.RunID,
		FarmerID:  req.FarmerID,
		Query:     strings.TrimSpace(req.Query),
		Snapshot:  req.Snapshot,
		QueryHint: hint,
		StartedAt: start,
		Stage:     StateContext,
		Stages:    make(map[State]StageStatus),
	}

	ctx = audit.WithCorrelationID(ctx, st.RunID)
	log := e.log.With(zap.String("run_id", st.RunID), zap.String("farmer_id", st.FarmerID))
	_ = e.deps.Audit.LogPipelineStarted(ctx, st.RunID, st.FarmerID, st.Query)

	runCtx, cancel := context.WithTimeoutCause(ctx, e.cfg.Deadline, ErrPipelineTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(runCtx, "pipeline.run",
		attribute.String("run_id", st.RunID),
		attribute.String("query_hint", string(hint)),
	)
	defer span.End()

	for step := 0; !IsTerminal(st.Stage); step++ {
		if step >= maxSteps {
			st.Err = fmt.Errorf("%w: step limit reached in %s", ErrInvalidTransition, st.Stage)
			st.Stage = StateError
			break
		}

		stage := st.Stage
		stageStart := time.Now()

		ev, ok := e.interruption(ctx)
		var status StageStatus
		if ok {
			status = StatusCancelled
		} else {
			ev, status = e.runStage(ctx, st, log)
		}
		if ev == EventCancelled || ev == EventTimedOut {
			st.Err = interruptErr(ctx, ev)
			status = StatusCancelled
		}
		st.Stages[stage] = status

		elapsed := time.Since(stageStart)
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
		if status == StatusDegraded || status == StatusCompleteWithError {
			metrics.StageDegraded.WithLabelValues(string(stage)).Inc()
		}

		next, err := Next(stage, ev)
		if err != nil {
			st.Err = err
			next = StateError
		}
		log.Debug("stage finished",
			zap.String("stage", string(stage)),
			zap.String("event", string(ev)),
			zap.String("next", string(next)),
			zap.Duration("elapsed", elapsed),
		)
		e.publish(StageEvent{
			RunID:      st.RunID,
			Stage:      stage,
			Event:      ev,
			Next:       next,
			Status:     status,
			DurationMs: elapsed.Milliseconds(),
			Detail:     detailOf(st, status),
			Timestamp:  time.Now().UTC(),
		})
		st.Stage = next
	}

	elapsed := e.deps.Now().Sub(start)
	qt := string(st.Classification.Type)
	if qt == "" {
		qt = string(hint)
	}
	metrics.PipelineDuration.WithLabelValues(qt).Observe(elapsed.Seconds())

	if st.Stage == StateDone {
		metrics.QueriesTotal.WithLabelValues(qt, "success").Inc()
		_ = e.deps.Audit.LogPipelineCompleted(ctx, st.RunID, st.FarmerID, elapsed, st.Judgement.Score, st.Retries)
		log.Info("pipeline completed",
			zap.String("query_type", qt),
			zap.Int("judge_score", st.Judgement.Score),
			zap.Int("retries", st.Retries),
			zap.Duration("elapsed", elapsed),
		)
		return successResult(st, elapsed), nil
	}

	status := "failed"
	switch {
	case errors.Is(st.Err, ErrPipelineTimeout):
		status = "timeout"
		_ = e.deps.Audit.LogPipelineCancelled(ctx, st.RunID, st.FarmerID, st.Err)
	case errors.Is(st.Err, ErrPipelineCancelled):
		status = "cancelled"
		_ = e.deps.Audit.LogPipelineCancelled(ctx, st.RunID, st.FarmerID, st.Err)
	default:
		_ = e.deps.Audit.LogPipelineFailed(ctx, st.RunID, st.FarmerID, st.Err)
	}
	metrics.QueriesTotal.WithLabelValues(qt, status).Inc()
	span.SetStatus(codes.Error, st.Err.Error())
	log.Warn("pipeline failed", zap.String("status", status), zap.Error(st.Err))

	res := failedResult(st.Err, elapsed)
	res.Warnings = st.Warnings
	return res, st.Err
}

// interruption reports whether the run was cancelled or passed its deadline.
func (e *Engine) interruption(ctx context.Context) (Event, bool) {
	if ctx.Err() == nil {
		return "", false
	}
	if errors.Is(context.Cause(ctx), ErrPipelineTimeout) {
		return EventTimedOut, true
	}
	return EventCancelled, true
}

func interruptErr(ctx context.Context, ev Event) error {
	if ev == EventTimedOut {
		return ErrPipelineTimeout
	}
	return fmt.Errorf("%w: %v", ErrPipelineCancelled, context.Cause(ctx))
}

func (e *Engine) runStage(ctx context.Context, st *PipelineState, log *zap.Logger) (Event, StageStatus) {
	ctx, span := tracing.StartSpan(ctx, "pipeline."+string(st.Stage), attribute.String("run_id", st.RunID))
	defer span.End()

	switch st.Stage {
	case StateContext:
		return e.contextStage(ctx, st)
	case StateClassify:
		return e.classifyStage(ctx, st, log)
	case StateGenerate:
		return e.generateStage(ctx, st)
	case StateJudge:
		return e.judgeStage(ctx, st, log)
	case StateRetry:
		return e.retryStage(ctx, st, log)
	case StateFormat:
		return e.formatStage(st, log)
	case StatePersist:
		return e.persistStage(ctx, st, log)
	default:
		st.Err = fmt.Errorf("%w: no handler for %s", ErrInvalidTransition, st.Stage)
		return EventFailed, StatusFailed
	}
}

// ─── Stages ───────────────────────────────────────────────────────────────────

func (e *Engine) contextStage(ctx context.Context, st *PipelineState) (Event, StageStatus) {
	bundle, err := e.deps.Builder.Build(ctx, ctxbuilder.Request{
		FarmerID:  st.FarmerID,
		Query:     st.Query,
		Snapshot:  st.Snapshot,
		QueryType: st.QueryHint,
	})
	if err != nil {
		if ev, ok := e.interruption(ctx); ok {
			return ev, StatusCancelled
		}
		st.Err = fmt.Errorf("context: %w", err)
		return EventFailed, StatusFailed
	}

	st.Bundle = bundle
	st.ContextText = ctxbuilder.Format(bundle)
	if bundle.Metadata.Degraded {
		st.warn("context degraded: %s", strings.Join(bundle.Metadata.Notes, "; "))
		return EventOK, StatusDegraded
	}
	return EventOK, StatusComplete
}

func (e *Engine) classifyStage(ctx context.Context, st *PipelineState, log *zap.Logger) (Event, StageStatus) {
	cls, err := invoke(ctx, e.cfg.ClassifyTimeout, func(c context.Context) (models.Classification, error) {
		return e.deps.Classifier.Classify(c, st.Query, st.QueryHint, st.ContextText)
	})
	if err != nil {
		if ev, ok := e.interruption(ctx); ok {
			return ev, StatusCancelled
		}
		log.Warn("classification unavailable, using default", zap.Error(err))
		st.Classification = agents.DefaultClassification(st.QueryHint)
		st.warn("classification unavailable: treated as %s/%s", st.Classification.Type, st.Classification.Complexity)
		return EventOK, StatusDegraded
	}
	st.Classification = cls
	return EventOK, StatusComplete
}

func (e *Engine) generateStage(ctx context.Context, st *PipelineState) (Event, StageStatus) {
	st.Retries = 0
	answer, err := invoke(ctx, e.cfg.GenerateTimeout, func(c context.Context) (string, error) {
		return e.deps.Generator.Generate(c, st.Query, st.ContextText, st.Classification)
	})
	if err != nil {
		if ev, ok := e.interruption(ctx); ok {
			return ev, StatusCancelled
		}
		st.Err = fmt.Errorf("generate: %w", err)
		return EventFailed, StatusFailed
	}
	st.Answer = answer
	return EventOK, StatusComplete
}

func (e *Engine) judgeStage(ctx context.Context, st *PipelineState, log *zap.Logger) (Event, StageStatus) {
	j, err := invoke(ctx, e.cfg.JudgeTimeout, func(c context.Context) (models.Judgement, error) {
		return e.deps.Judge.Evaluate(c, st.Query, st.ContextText, st.Answer)
	})
	if err != nil {
		if ev, ok := e.interruption(ctx); ok {
			return ev, StatusCancelled
		}
		log.Warn("judge unavailable, using neutral score", zap.Error(err))
		st.Judgement = agents.NeutralJudgement(e.cfg.NeutralScore, "judge unavailable: "+err.Error())
		st.warn("quality check unavailable: neutral score %d used", e.cfg.NeutralScore)
		return EventJudgeUnavailable, StatusDegraded
	}

	st.Judgement = j
	metrics.JudgeScore.Observe(float64(j.Score))
	if j.Score >= e.cfg.JudgeThreshold {
		return EventApproved, StatusComplete
	}
	return EventRejected, StatusComplete
}

func (e *Engine) retryStage(ctx context.Context, st *PipelineState, log *zap.Logger) (Event, StageStatus) {
	if st.Retries >= MaxRetries {
		return EventRetryExhausted, StatusSkipped
	}

	answer, err := invoke(ctx, e.cfg.GenerateTimeout, func(c context.Context) (string, error) {
		return e.deps.Generator.Regenerate(c, st.Query, st.ContextText, st.Answer, st.Classification, st.Judgement)
	})
	if err != nil {
		if ev, ok := e.interruption(ctx); ok {
			return ev, StatusCancelled
		}
		log.Warn("retry failed, keeping previous answer", zap.Error(err))
		st.warn("answer improvement failed: previous answer kept")
		return EventRetryFailed, StatusDegraded
	}

	st.Answer = answer
	st.Retries++
	metrics.RetriesTotal.Inc()
	return EventRetried, StatusComplete
}

func (e *Engine) formatStage(st *PipelineState, log *zap.Logger) (Event, StageStatus) {
	out, err := format.Format(st.Answer, st.Bundle)
	st.Output = out
	if err != nil {
		log.Warn("format degraded", zap.Error(err))
		st.warn("structured output unavailable")
		return EventOK, StatusDegraded
	}
	return EventOK, StatusComplete
}

func (e *Engine) persistStage(ctx context.Context, st *PipelineState, log *zap.Logger) (Event, StageStatus) {
	rec := e.buildRecord(st)

	id, err := invoke(ctx, e.cfg.PersistTimeout, func(c context.Context) (string, error) {
		return e.deps.Persister.Store(c, rec)
	})
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Error("failed to store conversation", zap.Error(err))
		return EventOK, StatusCompleteWithError
	}
	st.ConversationID = id

	var anomalies []models.Anomaly
	if st.Bundle != nil {
		anomalies = st.Bundle.Anomalies
	}
	_, err = invoke(ctx, e.cfg.PersistTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, e.deps.Persister.RecordRun(c, st.FarmerID, st.Classification.Type, st.Snapshot.Crop, anomalies)
	})
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Error("failed to update farmer profile", zap.Error(err))
		return EventOK, StatusCompleteWithError
	}
	return EventOK, StatusComplete
}

func (e *Engine) buildRecord(st *PipelineState) *models.ConversationRecord {
	now := e.deps.Now().UTC()

	stages := make(map[string]string, len(st.Stages))
	for s, status := range st.Stages {
		stages[string(s)] = string(status)
	}
	reasoning := make([]string, 0, len(st.Output.Insights))
	for _, in := range st.Output.Insights {
		reasoning = append(reasoning, in.Message)
	}

	rec := &models.ConversationRecord{
		ID:         uuid.NewString(),
		FarmerID:   st.FarmerID,
		Timestamp:  now,
		Query:      st.Query,
		QueryType:  st.Classification.Type,
		Complexity: st.Classification.Complexity,
		Sensors:    st.Snapshot,
		Pipeline: models.PipelineMetadata{
			Classification: st.Classification,
			JudgeScore:     st.Judgement.Score,
			JudgeFallback:  st.Judgement.Fallback,
			Retries:        st.Retries,
			LatencyMs:      now.Sub(st.StartedAt).Milliseconds(),
			Stages:         stages,
			Warnings:       st.Warnings,
		},
		Answer:     st.Output.ResponseText,
		Confidence: float64(st.Judgement.Score) / 100,
		Reasoning:  reasoning,
		Actions:    st.Output.Actions,
		ExpiresAt:  now.Add(e.cfg.Retention),
	}
	if st.Bundle != nil {
		rec.ContextUsage = st.Bundle.Usage()
	}
	return rec
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type callResult[T any] struct {
	val T
	err error
}

// invoke runs fn with its own timeout. The caller stops waiting as soon as
// ctx or the timeout is done; fn keeps running until it observes its context.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn(callCtx)
		ch <- callResult[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-callCtx.Done():
		var zero T
		return zero, fmt.Errorf("call aborted: %w", context.Cause(callCtx))
	}
}

func detailOf(st *PipelineState, status StageStatus) string {
	switch {
	case status == StatusFailed && st.Err != nil:
		return st.Err.Error()
	case status == StatusDegraded && len(st.Warnings) > 0:
		return st.Warnings[len(st.Warnings)-1]
	}
	return ""
}

// successResult builds the answer for a run that reached done. A degraded
// run also carries its warnings joined into Error.
func successResult(st *PipelineState, elapsed time.Duration) models.QueryResult {
	return models.QueryResult{
		Success:          true,
		ConversationID:   st.ConversationID,
		ResponseText:     st.Output.ResponseText,
		Insights:         nonNil(st.Output.Insights),
		Actions:          nonNil(st.Output.Actions),
		Alerts:           nonNil(st.Output.Alerts),
		ProcessingTimeMs: elapsed.Milliseconds(),
		Error:            strings.Join(st.Warnings, "; "),
		Warnings:         st.Warnings,
	}
}

func failedResult(err error, elapsed time.Duration) models.QueryResult {
	return models.QueryResult{
		Success:          false,
		ResponseText:     ApologyText,
		Insights:         []models.Insight{},
		Actions:          []models.Action{},
		Alerts:           []models.Alert{},
		ProcessingTimeMs: elapsed.Milliseconds(),
		Error:            err.Error(),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
