package db

import (
	"context"
	"errors"
	"time"

	"github.com/shivangiamit/hackathon/internal/models"
)

// ErrNotFound is returned when a requested row does not exist or has expired.
var ErrNotFound = errors.New("not found")

// Store is the main persistence interface for the farm advisor.
type Store interface {
	ReadingStore
	ConversationStore
	ProfileStore
	OutcomeStore
	IrrigationStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Sensor readings ──────────────────────────────────────────────────────────

// ReadingStore persists the time-ordered sensor history per farmer.
type ReadingStore interface {
	// AppendReading writes one sensor reading.
	AppendReading(ctx context.Context, r models.SensorReading) error

	// ReadingsSince returns readings recorded at or after since, oldest first.
	ReadingsSince(ctx context.Context, farmerID string, since time.Time) ([]models.SensorReading, error)

	// LatestReading returns the most recent reading, or ErrNotFound.
	LatestReading(ctx context.Context, farmerID string) (*models.SensorReading, error)
}

// ─── Conversations ────────────────────────────────────────────────────────────

// ConversationStore persists pipeline outcomes. Rows past their expires_at are
// invisible to every read even before PurgeExpired removes them.
type ConversationStore interface {
	// SaveConversation inserts a conversation record.
	SaveConversation(ctx context.Context, rec *models.ConversationRecord) error

	// GetConversation returns an unexpired conversation, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*models.ConversationRecord, error)

	// RecentConversations returns up to limit conversations, newest first.
	RecentConversations(ctx context.Context, farmerID string, limit int) ([]models.ConversationRecord, error)

	// SimilarConversations returns up to limit conversations of queryType,
	// newest first.
	SimilarConversations(ctx context.Context, farmerID string, queryType models.QueryType, limit int) ([]models.ConversationRecord, error)

	// SuccessfulConversations returns up to limit conversations whose outcome
	// was reported successful, newest first.
	SuccessfulConversations(ctx context.Context, farmerID string, limit int) ([]models.ConversationRecord, error)

	// UpdateConversationOutcome records farmer feedback on a conversation.
	UpdateConversationOutcome(ctx context.Context, id string, outcome Outcome) (*models.ConversationRecord, error)

	// PurgeExpired deletes conversations whose expires_at is before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Outcome is farmer feedback on advice.
type Outcome struct {
	ActionTaken string
	Success     bool
	Feedback    string
	RecordedAt  time.Time
}

// ─── Farmer profiles ──────────────────────────────────────────────────────────

// ProfileStore persists per-farmer behaviour. Every counter update is a
// single SQL increment so concurrent runs for one farmer never lose counts.
type ProfileStore interface {
	// GetProfile returns the farmer profile, or ErrNotFound.
	GetProfile(ctx context.Context, farmerID string) (*models.FarmerProfile, error)

	// EnsureProfile returns the farmer profile, creating it if needed.
	EnsureProfile(ctx context.Context, farmerID string) (*models.FarmerProfile, error)

	// IncrementQueryCounts adds one to the query type counter and
	// total_queries, and one to each issue counter.
	IncrementQueryCounts(ctx context.Context, farmerID string, qt models.QueryType, crop string, issues []string) error

	// RecordActionOutcome appends to the action history, bumps the success or
	// failure counter and recomputes response_rate. A successful action also
	// counts towards the farmer's preferred methods.
	RecordActionOutcome(ctx context.Context, farmerID string, outcome models.ActionOutcome) (*models.FarmerProfile, error)
}

// OutcomeStore applies farmer feedback to a conversation and the farmer's
// profile together.
type OutcomeStore interface {
	// ApplyOutcome records outcome on conversation id and folds it into the
	// farmer profile in one transaction. The profile action is ActionTaken,
	// else the conversation's first recommended action. A repeated report
	// on the same conversation replaces the earlier one in the profile.
	ApplyOutcome(ctx context.Context, id string, outcome Outcome) (*models.ConversationRecord, *models.FarmerProfile, error)
}

// ─── Irrigation ───────────────────────────────────────────────────────────────

// IrrigationStore persists the irrigation log.
type IrrigationStore interface {
	// AppendIrrigation writes an irrigation event and sets its ID.
	AppendIrrigation(ctx context.Context, ev *models.IrrigationEvent) error

	// IrrigationSince returns events started at or after since, oldest first.
	IrrigationSince(ctx context.Context, farmerID string, since time.Time) ([]models.IrrigationEvent, error)
}
