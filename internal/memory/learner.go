// Package memory turns finished pipeline runs and farmer feedback into the
// persistent history the context builder reads back: conversation records
// and the per-farmer profile.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/audit"
	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/metrics"
	"github.com/shivangiamit/hackathon/internal/models"
)

// ErrInvalidOutcome is returned when an outcome report names no conversation.
var ErrInvalidOutcome = errors.New("invalid outcome report")

// Store is the persistence the learner needs.
type Store interface {
	db.ConversationStore
	db.ProfileStore
	db.OutcomeStore
}

// Learner persists runs and learns from reported outcomes. It satisfies the
// engine's Persister.
type Learner struct {
	store  Store
	audit  audit.Logger
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Learner.
type Option func(*Learner)

// WithClock overrides the learner's clock.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// NewLearner creates a learner over store. A nil audit logger disables
// auditing.
func NewLearner(store Store, auditLog audit.Logger, logger *zap.Logger, opts ...Option) *Learner {
	if auditLog == nil {
		auditLog = audit.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Learner{
		store:  store,
		audit:  auditLog,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store writes a conversation record and returns its id.
func (l *Learner) Store(ctx context.Context, rec *models.ConversationRecord) (string, error) {
	if rec == nil || rec.ID == "" || rec.FarmerID == "" {
		return "", fmt.Errorf("store conversation: record needs id and farmer")
	}
	if err := l.store.SaveConversation(ctx, rec); err != nil {
		return "", fmt.Errorf("store conversation %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// RecordRun counts a finished run against the farmer profile. Each anomaly
// type counts once per run as a potential recurring issue.
func (l *Learner) RecordRun(ctx context.Context, farmerID string, qt models.QueryType, crop string, anomalies []models.Anomaly) error {
	if _, ok := models.ParseQueryType(string(qt)); !ok {
		qt = models.QueryGeneral
	}
	if err := l.store.IncrementQueryCounts(ctx, farmerID, qt, crop, issueKeys(anomalies)); err != nil {
		return fmt.Errorf("record run for %s: %w", farmerID, err)
	}
	return nil
}

// UpdateOutcome stores the farmer's report on a conversation and folds it
// into their profile. Both writes commit together; reporting again on the
// same conversation replaces the earlier report. It returns the updated
// conversation.
func (l *Learner) UpdateOutcome(ctx context.Context, conversationID, actionTaken string, success bool, feedback string) (*models.ConversationRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidOutcome
	}

	rec, profile, err := l.store.ApplyOutcome(ctx, conversationID, db.Outcome{
		ActionTaken: strings.TrimSpace(actionTaken),
		Success:     success,
		Feedback:    strings.TrimSpace(feedback),
		RecordedAt:  l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("update outcome %s: %w", conversationID, err)
	}

	result := "failure"
	if success {
		result = "success"
	}
	metrics.OutcomesRecorded.WithLabelValues(result).Inc()

	if err := l.audit.LogOutcomeRecorded(ctx, conversationID, rec.FarmerID, success); err != nil {
		l.logger.Warn("audit outcome failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	l.logger.Info("outcome recorded",
		zap.String("conversation_id", conversationID),
		zap.String("farmer_id", rec.FarmerID),
		zap.Bool("success", success),
		zap.Float64("response_rate", profile.ResponseRate),
	)
	return rec, nil
}

// Profile returns the farmer profile, or db.ErrNotFound.
func (l *Learner) Profile(ctx context.Context, farmerID string) (*models.FarmerProfile, error) {
	return l.store.GetProfile(ctx, farmerID)
}

// Conversation returns an unexpired conversation, or db.ErrNotFound.
func (l *Learner) Conversation(ctx context.Context, id string) (*models.ConversationRecord, error) {
	return l.store.GetConversation(ctx, id)
}

func issueKeys(anomalies []models.Anomaly) []string {
	seen := make(map[string]bool, len(anomalies))
	var out []string
	for _, a := range anomalies {
		key := a.Type
		if key == "" {
			continue
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}
