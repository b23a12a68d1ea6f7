package context

import (
	"context"
	"errors"
	"time"

	"github.com/shivangiamit/hackathon/internal/models"
)

// Package context assembles the historical context a farmer query is answered
// against.
//
// Responsibilities:
//   - Pick a context profile from the query type (metrics, window, how much
//     conversation memory, whether irrigation and the farmer profile are used)
//   - Fan out the sub-fetches concurrently and tolerate individual failures
//   - Derive trends, anomalies and the moisture/pH assessments
//   - Estimate the prompt token cost of the bundle
//   - Render the bundle as a prompt section
//
// Sub-fetch failures are not errors: the field stays empty and a note is
// added. Only validation failures, a cancelled context or a panic are
// reported, together with a minimal bundle.

// SimilarQueryLimit caps the similar past queries put into a bundle.
const SimilarQueryLimit = 3

// ErrInvalidRequest is returned for requests that cannot be built at all.
var ErrInvalidRequest = errors.New("invalid context request")

// Request identifies the query a bundle is built for.
type Request struct {
	FarmerID  string
	Query     string
	Snapshot  models.SensorSnapshot
	QueryType models.QueryType
}

// Sources is the read side the builder fetches history from.
type Sources interface {
	// ReadingsSince returns readings recorded at or after since, oldest first.
	ReadingsSince(ctx context.Context, farmerID string, since time.Time) ([]models.SensorReading, error)
	// RecentConversations returns up to limit unexpired conversations, newest first.
	RecentConversations(ctx context.Context, farmerID string, limit int) ([]models.ConversationRecord, error)
	// SimilarConversations returns up to limit unexpired conversations of the same type, newest first.
	SimilarConversations(ctx context.Context, farmerID string, queryType models.QueryType, limit int) ([]models.ConversationRecord, error)
	// GetProfile returns the farmer profile, or an error wrapping db.ErrNotFound.
	GetProfile(ctx context.Context, farmerID string) (*models.FarmerProfile, error)
	// IrrigationSince returns irrigation events started at or after since, oldest first.
	IrrigationSince(ctx context.Context, farmerID string, since time.Time) ([]models.IrrigationEvent, error)
}

// Builder builds ContextBundles.
type Builder interface {
	// Build assembles the bundle for req. On a non-nil error the returned
	// bundle is the minimal, degraded one.
	Build(ctx context.Context, req Request) (*ContextBundle, error)
}

// ContextBundle is everything the pipeline knows about a query beyond the
// query text. It is built once per run and not modified afterwards.
type ContextBundle struct {
	Query     string                `json:"query"`
	QueryType models.QueryType      `json:"query_type"`
	Snapshot  models.SensorSnapshot `json:"snapshot"`

	Trends         []models.TrendRecord        `json:"trends"`
	Conversations  []models.ConversationRecord `json:"conversations"`
	SimilarQueries []models.ConversationRecord `json:"similar_queries"`
	FarmerProfile  *models.FarmerProfile       `json:"farmer_profile,omitempty"`
	Irrigation     *models.IrrigationSummary   `json:"irrigation,omitempty"`
	Anomalies      []models.Anomaly            `json:"anomalies"`
	Moisture       *models.MoistureAssessment  `json:"moisture,omitempty"`
	PH             *models.PHAssessment        `json:"ph,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// Metadata describes how a bundle was put together.
type Metadata struct {
	EstimatedTokens int       `json:"estimated_tokens"`
	Profile         Profile   `json:"profile"`
	Notes           []string  `json:"notes,omitempty"`
	Degraded        bool      `json:"degraded"`
	BuiltAt         time.Time `json:"built_at"`
}

// Usage summarises the bundle for the persisted conversation record.
func (b *ContextBundle) Usage() models.ContextUsage {
	metrics := make([]models.Metric, len(b.Trends))
	for i, t := range b.Trends {
		metrics[i] = t.Metric
	}
	return models.ContextUsage{
		TrendMetrics:    metrics,
		WindowDays:      b.Metadata.Profile.WindowDays,
		Conversations:   len(b.Conversations),
		SimilarQueries:  len(b.SimilarQueries),
		ProfileIncluded: b.FarmerProfile != nil,
		Irrigation:      b.Irrigation != nil,
		Anomalies:       len(b.Anomalies),
		EstimatedTokens: b.Metadata.EstimatedTokens,
		Degraded:        b.Metadata.Degraded,
	}
}

// Profile controls how much history a query type receives.
type Profile struct {
	Name          string          `json:"name"`
	Metrics       []models.Metric `json:"metrics"`
	WindowDays    int             `json:"window_days"`
	Conversations int             `json:"conversations"`
	Irrigation    bool            `json:"irrigation"`
	FarmerProfile bool            `json:"farmer_profile"`
	Anomalies     bool            `json:"anomalies"`
}

var defaultProfile = Profile{
	Name:          "default",
	Metrics:       []models.Metric{models.MetricMoisture, models.MetricPH},
	WindowDays:    7,
	Conversations: 2,
	FarmerProfile: true,
}

var profiles = map[models.QueryType]Profile{
	models.QueryWatering: {
		Name:          string(models.QueryWatering),
		Metrics:       []models.Metric{models.MetricMoisture, models.MetricTemperature, models.MetricHumidity},
		WindowDays:    7,
		Conversations: 3,
		Irrigation:    true,
		Anomalies:     true,
	},
	models.QueryFertilizer: {
		Name:          string(models.QueryFertilizer),
		Metrics:       []models.Metric{models.MetricNitrogen, models.MetricPhosphorus, models.MetricPotassium, models.MetricPH},
		WindowDays:    14,
		Conversations: 2,
		FarmerProfile: true,
		Anomalies:     true,
	},
	models.QueryDisease: {
		Name:          string(models.QueryDisease),
		Metrics:       []models.Metric{models.MetricMoisture, models.MetricTemperature, models.MetricHumidity},
		WindowDays:    7,
		Conversations: 3,
		FarmerProfile: true,
		Anomalies:     true,
	},
	models.QueryPH: {
		Name:          string(models.QueryPH),
		Metrics:       []models.Metric{models.MetricPH},
		WindowDays:    14,
		Conversations: 2,
		FarmerProfile: true,
		Anomalies:     true,
	},
	models.QueryNutrients: {
		Name:          string(models.QueryNutrients),
		Metrics:       []models.Metric{models.MetricNitrogen, models.MetricPhosphorus, models.MetricPotassium},
		WindowDays:    14,
		Conversations: 2,
		FarmerProfile: true,
		Anomalies:     true,
	},
	models.QueryPest: {
		Name:          string(models.QueryPest),
		Metrics:       []models.Metric{models.MetricTemperature, models.MetricHumidity},
		WindowDays:    7,
		Conversations: 2,
		FarmerProfile: true,
		Anomalies:     true,
	},
	models.QueryWeather: {
		Name:          string(models.QueryWeather),
		Metrics:       []models.Metric{models.MetricTemperature, models.MetricHumidity, models.MetricMoisture},
		WindowDays:    7,
		Conversations: 2,
		Irrigation:    true,
	},
}

// ProfileFor returns the context profile for a query type. General and
// unknown types get the default profile.
func ProfileFor(qt models.QueryType) Profile {
	p, ok := profiles[qt]
	if !ok {
		p = defaultProfile
	}
	p.Metrics = append([]models.Metric(nil), p.Metrics...)
	return p
}
