package context

// Package context: concrete Builder implementation.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shivangiamit/hackathon/internal/analytics/anomaly"
	"github.com/shivangiamit/hackathon/internal/analytics/timeseries"
	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/metrics"
	"github.com/shivangiamit/hackathon/internal/models"
)

// Token estimate weights.
const (
	tokensBase         = 200
	tokensConversation = 150
	tokensSimilar      = 40
	tokensTrend        = 50
	tokensProfile      = 100
	tokensIrrigation   = 80
	tokensAnomaly      = 30
)

// Sub-fetch names used in notes, logs and metrics.
const (
	fetchTrends        = "trends"
	fetchConversations = "conversations"
	fetchProfile       = "profile"
	fetchIrrigation    = "irrigation"
	fetchAnomalies     = "anomalies"
	fetchSimilar       = "similar_queries"
)

// Option configures a HistoryBuilder.
type Option func(*HistoryBuilder)

// WithThresholds overrides the domain rule thresholds.
func WithThresholds(th anomaly.Thresholds) Option {
	return func(b *HistoryBuilder) { b.thresholds = th }
}

// WithEpsilon sets the slope band treated as a stable trend.
func WithEpsilon(eps float64) Option {
	return func(b *HistoryBuilder) { b.analyzer = timeseries.NewAnalyzer(eps) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *HistoryBuilder) { b.now = now }
}

// HistoryBuilder is the Builder backed by the persistent stores.
type HistoryBuilder struct {
	src        Sources
	logger     *zap.Logger
	analyzer   *timeseries.Analyzer
	thresholds anomaly.Thresholds
	now        func() time.Time
}

// NewBuilder creates a HistoryBuilder reading from src.
func NewBuilder(src Sources, logger *zap.Logger, opts ...Option) *HistoryBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &HistoryBuilder{
		src:        src,
		logger:     logger,
		analyzer:   timeseries.NewAnalyzer(timeseries.DefaultEpsilon),
		thresholds: anomaly.DefaultThresholds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the bundle for req. The sub-fetches run concurrently; each
// failure or panic is recorded as a note and leaves its field empty. Trends
// and anomalies share one read of the reading history.
func (b *HistoryBuilder) Build(ctx context.Context, req Request) (bundle *ContextBundle, err error) {
	builtAt := b.now()
	profile := ProfileFor(req.QueryType)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("context builder panicked", zap.String("farmer_id", req.FarmerID), zap.Any("panic", r))
			bundle = minimalBundle(req, profile, builtAt, fmt.Sprintf("context unavailable: builder panicked: %v", r))
			err = fmt.Errorf("build context: panic: %v", r)
		}
	}()

	if strings.TrimSpace(req.FarmerID) == "" {
		return minimalBundle(req, profile, builtAt, "context unavailable: missing farmer id"),
			fmt.Errorf("%w: farmer id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Query) == "" {
		return minimalBundle(req, profile, builtAt, "context unavailable: empty query"),
			fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return minimalBundle(req, profile, builtAt, "context unavailable: request cancelled"),
			fmt.Errorf("build context: %w", err)
	}

	bundle = &ContextBundle{
		Query:     req.Query,
		QueryType: req.QueryType,
		Snapshot:  req.Snapshot,
		Metadata:  Metadata{Profile: profile, BuiltAt: builtAt},
	}

	var (
		mu       sync.Mutex
		readings []models.SensorReading
	)
	note := func(fetch string, ferr error) {
		metrics.ContextSubfetchFailures.WithLabelValues(fetch).Inc()
		b.logger.Warn("context sub-fetch failed",
			zap.String("fetch", fetch),
			zap.String("farmer_id", req.FarmerID),
			zap.Error(ferr),
		)
		mu.Lock()
		bundle.Metadata.Notes = append(bundle.Metadata.Notes, fmt.Sprintf("%s unavailable: %v", fetch, ferr))
		mu.Unlock()
	}

	since := builtAt.AddDate(0, 0, -profile.WindowDays)
	g, gctx := errgroup.WithContext(ctx)

	readingFetches := []string{fetchTrends}
	if profile.Anomalies {
		readingFetches = append(readingFetches, fetchAnomalies)
	}
	g.Go(guard(fetchTrends, note, func() {
		rs, ferr := b.src.ReadingsSince(gctx, req.FarmerID, since)
		if ferr != nil {
			for _, fetch := range readingFetches {
				note(fetch, ferr)
			}
			return
		}
		readings = rs
		bundle.Trends = b.trends(rs, profile, req.Snapshot)
		if profile.Anomalies {
			bundle.Anomalies = anomaly.Detect(rs, req.Snapshot, b.thresholds)
		}
	}))

	if profile.Conversations > 0 {
		g.Go(guard(fetchConversations, note, func() {
			convs, ferr := b.src.RecentConversations(gctx, req.FarmerID, profile.Conversations)
			if ferr != nil {
				note(fetchConversations, ferr)
				return
			}
			bundle.Conversations = convs
		}))
	}

	if profile.FarmerProfile {
		g.Go(guard(fetchProfile, note, func() {
			fp, ferr := b.src.GetProfile(gctx, req.FarmerID)
			switch {
			case errors.Is(ferr, db.ErrNotFound):
				// First query from this farmer.
			case ferr != nil:
				note(fetchProfile, ferr)
			default:
				bundle.FarmerProfile = fp
			}
		}))
	}

	if profile.Irrigation {
		g.Go(guard(fetchIrrigation, note, func() {
			events, ferr := b.src.IrrigationSince(gctx, req.FarmerID, since)
			if ferr != nil {
				note(fetchIrrigation, ferr)
				return
			}
			bundle.Irrigation = SummarizeIrrigation(events, profile.WindowDays)
		}))
	}

	g.Go(guard(fetchSimilar, note, func() {
		similar, ferr := b.src.SimilarConversations(gctx, req.FarmerID, req.QueryType, SimilarQueryLimit)
		if ferr != nil {
			note(fetchSimilar, ferr)
			return
		}
		bundle.SimilarQueries = similar
	}))

	// Sub-fetches report failures through note, never through the group.
	_ = g.Wait()
	if cerr := ctx.Err(); cerr != nil {
		return minimalBundle(req, profile, builtAt, "context unavailable: request cancelled"), fmt.Errorf("build context: %w", cerr)
	}

	b.assess(bundle, readings)
	bundle.Metadata.Degraded = len(bundle.Metadata.Notes) > 0
	bundle.Metadata.EstimatedTokens = EstimateTokens(bundle)

	b.logger.Debug("context built",
		zap.String("farmer_id", req.FarmerID),
		zap.String("profile", profile.Name),
		zap.Int("trends", len(bundle.Trends)),
		zap.Int("conversations", len(bundle.Conversations)),
		zap.Int("anomalies", len(bundle.Anomalies)),
		zap.Int("estimated_tokens", bundle.Metadata.EstimatedTokens),
		zap.Bool("degraded", bundle.Metadata.Degraded),
	)
	return bundle, nil
}

// trends computes every metric, then keeps the profile's metrics in profile
// order.
func (b *HistoryBuilder) trends(rs []models.SensorReading, profile Profile, snap models.SensorSnapshot) []models.TrendRecord {
	all := b.analyzer.Trends(rs, models.AllMetrics, snap, profile.WindowDays)
	out := make([]models.TrendRecord, 0, len(profile.Metrics))
	for _, m := range profile.Metrics {
		t, ok := all[m]
		if !ok {
			continue
		}
		t.Outliers = len(anomaly.Outliers(timeseries.Values(rs, m)))
		out = append(out, t)
	}
	return out
}

// assess fills the moisture and pH assessments from the trend readings.
// An assessment is left nil when the snapshot did not measure its metric.
func (b *HistoryBuilder) assess(bundle *ContextBundle, rs []models.SensorReading) {
	snap := bundle.Snapshot

	if snap.Has(models.MetricMoisture) {
		slopePerDay := timeseries.Slope(timeseries.Values(rs, models.MetricMoisture)) * timeseries.SamplesPerDay(rs)
		m := anomaly.AssessMoisture(snap.Moisture, slopePerDay, b.thresholds)
		bundle.Moisture = &m
	}

	if snap.Has(models.MetricPH) {
		var delta float64
		if ph := timeseries.Values(rs, models.MetricPH); len(ph) > 0 {
			delta = snap.PH - ph[0]
		}
		p := anomaly.AssessPH(snap.PH, delta, b.thresholds)
		bundle.PH = &p
	}
}

// EstimateTokens is the prompt cost heuristic for a bundle.
func EstimateTokens(b *ContextBundle) int {
	n := tokensBase +
		tokensConversation*len(b.Conversations) +
		tokensSimilar*len(b.SimilarQueries) +
		tokensTrend*len(b.Trends) +
		tokensAnomaly*len(b.Anomalies)
	if b.FarmerProfile != nil {
		n += tokensProfile
	}
	if b.Irrigation != nil {
		n += tokensIrrigation
	}
	return n
}

// guard records a panic inside a sub-fetch as a note on that fetch so the
// remaining fetches still complete.
func guard(fetch string, note func(string, error), fn func()) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				note(fetch, fmt.Errorf("panicked: %v", r))
			}
		}()
		fn()
		return nil
	}
}

func minimalBundle(req Request, profile Profile, builtAt time.Time, note string) *ContextBundle {
	b := &ContextBundle{
		Query:     req.Query,
		QueryType: req.QueryType,
		Snapshot:  req.Snapshot,
		Metadata: Metadata{
			Profile:  profile,
			Notes:    []string{note},
			Degraded: true,
			BuiltAt:  builtAt,
		},
	}
	b.Metadata.EstimatedTokens = EstimateTokens(b)
	return b
}
