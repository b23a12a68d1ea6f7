package context

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/models"
)

var testNow = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

type fakeSources struct {
	mu    sync.Mutex
	calls map[string]int

	readings   []models.SensorReading
	convs      []models.ConversationRecord
	similar    []models.ConversationRecord
	profile    *models.FarmerProfile
	irrigation []models.IrrigationEvent

	errs   map[string]error
	panics string
	block  chan struct{}
}

func newFakeSources() *fakeSources {
	return &fakeSources{calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeSources) hit(name string) error {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
	if f.panics == name {
		panic("boom in " + name)
	}
	return f.errs[name]
}

func (f *fakeSources) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSources) ReadingsSince(ctx context.Context, _ string, _ time.Time) ([]models.SensorReading, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.hit("readings"); err != nil {
		return nil, err
	}
	return f.readings, nil
}

func (f *fakeSources) RecentConversations(_ context.Context, _ string, limit int) ([]models.ConversationRecord, error) {
	if err := f.hit("conversations"); err != nil {
		return nil, err
	}
	if len(f.convs) > limit {
		return f.convs[:limit], nil
	}
	return f.convs, nil
}

func (f *fakeSources) SimilarConversations(_ context.Context, _ string, _ models.QueryType, limit int) ([]models.ConversationRecord, error) {
	if err := f.hit("similar"); err != nil {
		return nil, err
	}
	if len(f.similar) > limit {
		return f.similar[:limit], nil
	}
	return f.similar, nil
}

func (f *fakeSources) GetProfile(_ context.Context, farmerID string) (*models.FarmerProfile, error) {
	if err := f.hit("profile"); err != nil {
		return nil, err
	}
	if f.profile == nil {
		return nil, fmt.Errorf("farmer %s: %w", farmerID, db.ErrNotFound)
	}
	return f.profile, nil
}

func (f *fakeSources) IrrigationSince(_ context.Context, _ string, _ time.Time) ([]models.IrrigationEvent, error) {
	if err := f.hit("irrigation"); err != nil {
		return nil, err
	}
	return f.irrigation, nil
}

func seeded() *fakeSources {
	f := newFakeSources()
	for i, m := range []float64{50, 47, 45, 43, 40} {
		f.readings = append(f.readings, models.SensorReading{
			FarmerID:   "farmer-1",
			RecordedAt: testNow.AddDate(0, 0, i-5),
			Snapshot:   models.SensorSnapshot{Moisture: m, PH: 6.5, Nitrogen: 80, Phosphorus: 30, Potassium: 120, Temperature: 26, Humidity: 60},
		})
	}
	for i := 0; i < 4; i++ {
		f.convs = append(f.convs, models.ConversationRecord{
			ID:        fmt.Sprintf("c%d", i),
			Timestamp: testNow.AddDate(0, 0, -i-1),
			Query:     fmt.Sprintf("question %d", i),
			Answer:    "Water lightly in the morning.",
		})
	}
	f.similar = f.convs[:2]
	f.profile = &models.FarmerProfile{FarmerID: "farmer-1", PreferredMethods: []string{"drip irrigation"}}
	f.irrigation = []models.IrrigationEvent{
		{FarmerID: "farmer-1", StartedAt: testNow.AddDate(0, 0, -3), DurationMin: 20, Liters: 200, Trigger: "manual"},
		{FarmerID: "farmer-1", StartedAt: testNow.AddDate(0, 0, -1), DurationMin: 30, Liters: 300, Trigger: "manual"},
		{FarmerID: "farmer-1", StartedAt: testNow.AddDate(0, 0, -2), DurationMin: 25, Liters: 250, Trigger: "auto"},
	}
	return f
}

func newTestBuilder(src Sources) *HistoryBuilder {
	return NewBuilder(src, zap.NewNop(), WithClock(func() time.Time { return testNow }))
}

func request(qt models.QueryType) Request {
	return Request{
		FarmerID:  "farmer-1",
		Query:     "Should I water today?",
		QueryType: qt,
		Snapshot:  models.SensorSnapshot{Moisture: 40, PH: 6.5, Nitrogen: 80, Phosphorus: 30, Potassium: 120, Temperature: 26, Humidity: 60, Crop: "wheat"},
	}
}

func trendMetrics(b *ContextBundle) []models.Metric {
	out := make([]models.Metric, len(b.Trends))
	for i, t := range b.Trends {
		out[i] = t.Metric
	}
	return out
}

func TestBuildWateringProfile(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := seeded()
	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryWatering))
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{models.MetricMoisture, models.MetricTemperature, models.MetricHumidity}, trendMetrics(b))
	assert.Len(t, b.Conversations, 3)
	require.NotNil(t, b.Irrigation)
	assert.Equal(t, 3, b.Irrigation.Events)
	assert.Equal(t, "manual", b.Irrigation.DominantTrigger)
	assert.Nil(t, b.FarmerProfile)
	assert.Zero(t, src.called("profile"))
	assert.False(t, b.Metadata.Degraded)
	assert.Equal(t, 7, b.Metadata.Profile.WindowDays)

	moisture := b.Trends[0]
	assert.Equal(t, models.DirectionDecreasing, moisture.Direction)
	assert.Equal(t, -20.0, moisture.PercentChange)

	require.NotNil(t, b.Moisture)
	assert.NotEqual(t, models.UrgencyNone, b.Moisture.Urgency)
	require.NotNil(t, b.PH)
	assert.Equal(t, "optimal", b.PH.Diagnosis)
}

func TestBuildFertilizerProfile(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := seeded()
	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryFertilizer))
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{models.MetricNitrogen, models.MetricPhosphorus, models.MetricPotassium, models.MetricPH}, trendMetrics(b))
	assert.Len(t, b.Conversations, 2)
	assert.Nil(t, b.Irrigation)
	assert.Zero(t, src.called("irrigation"))
	require.NotNil(t, b.FarmerProfile)
	assert.Equal(t, 14, b.Metadata.Profile.WindowDays)
}

func TestBuildDefaultProfile(t *testing.T) {
	for _, qt := range []models.QueryType{models.QueryGeneral, "soil_texture", ""} {
		t.Run(string(qt), func(t *testing.T) {
			src := seeded()
			b, err := newTestBuilder(src).Build(context.Background(), request(qt))
			require.NoError(t, err)
			assert.Equal(t, "default", b.Metadata.Profile.Name)
			assert.Equal(t, []models.Metric{models.MetricMoisture, models.MetricPH}, trendMetrics(b))
			assert.Len(t, b.Conversations, 2)
			assert.Empty(t, b.Anomalies)
			assert.Zero(t, src.called("irrigation"))
		})
	}
}

func TestProfileForReturnsCopy(t *testing.T) {
	p := ProfileFor(models.QueryWatering)
	p.Metrics[0] = models.MetricPotassium
	assert.Equal(t, models.MetricMoisture, ProfileFor(models.QueryWatering).Metrics[0])
}

func TestBuildDegradedSubFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := seeded()
	src.errs["conversations"] = errors.New("database is locked")
	src.errs["irrigation"] = errors.New("disk I/O error")

	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryWatering))
	require.NoError(t, err)

	assert.Empty(t, b.Conversations)
	assert.Nil(t, b.Irrigation)
	assert.Len(t, b.Trends, 3, "other sub-fetches still complete")
	assert.True(t, b.Metadata.Degraded)
	require.Len(t, b.Metadata.Notes, 2)
	joined := strings.Join(b.Metadata.Notes, "\n")
	assert.Contains(t, joined, "conversations unavailable: database is locked")
	assert.Contains(t, joined, "irrigation unavailable: disk I/O error")
}

func TestBuildMissingProfileIsNotDegraded(t *testing.T) {
	src := seeded()
	src.profile = nil
	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryFertilizer))
	require.NoError(t, err)
	assert.Nil(t, b.FarmerProfile)
	assert.Empty(t, b.Metadata.Notes)
	assert.False(t, b.Metadata.Degraded)
}

func TestBuildTokenEstimate(t *testing.T) {
	src := seeded()
	src.readings = nil // no history: trends are neutral, only the temperature rule can fire
	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryWatering))
	require.NoError(t, err)

	// 3 conversations, 2 similar, 3 trends, irrigation, no profile, no anomalies.
	want := 200 + 3*150 + 2*40 + 3*50 + 80
	assert.Equal(t, want, b.Metadata.EstimatedTokens)
	assert.Equal(t, want, b.Usage().EstimatedTokens)
	assert.True(t, b.Usage().Irrigation)
	assert.False(t, b.Usage().ProfileIncluded)
}

func TestBuildValidation(t *testing.T) {
	src := seeded()
	req := request(models.QueryWatering)
	req.FarmerID = "  "

	b, err := newTestBuilder(src).Build(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	require.NotNil(t, b)
	assert.True(t, b.Metadata.Degraded)
	assert.Equal(t, req.Query, b.Query)
	assert.Equal(t, req.Snapshot, b.Snapshot)
	assert.Len(t, b.Metadata.Notes, 1)
	assert.Zero(t, src.called("readings"))
}

func TestBuildCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := newTestBuilder(seeded()).Build(ctx, request(models.QueryWatering))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, b)
	assert.True(t, b.Metadata.Degraded)
}

func TestBuildCancelledMidFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := seeded()
	src.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := newTestBuilder(src).Build(ctx, request(models.QueryWatering))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("builder did not return after cancellation")
	}
}

func TestBuildRecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := seeded()
	src.panics = "similar"

	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryWatering))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Metadata.Degraded)
	require.Len(t, b.Metadata.Notes, 1)
	assert.Contains(t, b.Metadata.Notes[0], "similar_queries unavailable: panicked")

	assert.Empty(t, b.SimilarQueries)
	assert.Len(t, b.Trends, 3)
	assert.Len(t, b.Conversations, 3)
	assert.NotNil(t, b.Irrigation)
	assert.NotNil(t, b.Moisture)
}

func TestBuildReadsHistoryOnce(t *testing.T) {
	src := seeded()
	_, err := newTestBuilder(src).Build(context.Background(), request(models.QueryWatering))
	require.NoError(t, err)
	assert.Equal(t, 1, src.called("readings"))
}

func TestBuildHistoryFailureNotesTrendsAndAnomalies(t *testing.T) {
	src := seeded()
	src.errs["readings"] = errors.New("database is locked")

	b, err := newTestBuilder(src).Build(context.Background(), request(models.QueryWatering))
	require.NoError(t, err)
	assert.Empty(t, b.Trends)
	assert.Empty(t, b.Anomalies)
	joined := strings.Join(b.Metadata.Notes, "\n")
	assert.Contains(t, joined, "trends unavailable: database is locked")
	assert.Contains(t, joined, "anomalies unavailable: database is locked")
}

func TestBuildPartialSnapshot(t *testing.T) {
	src := seeded()
	req := request(models.QueryWatering)
	req.Snapshot = models.SensorSnapshot{Moisture: 35, Crop: "Tomato", Reported: models.NewMetricSet(models.MetricMoisture)}

	b, err := newTestBuilder(src).Build(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, b.Anomalies)
	require.NotNil(t, b.Moisture)
	assert.Nil(t, b.PH, "pH was not measured")
	assert.NotContains(t, Format(b), "Temperature: 0")
}

func TestSummarizeIrrigation(t *testing.T) {
	assert.Equal(t, &models.IrrigationSummary{WindowDays: 7}, SummarizeIrrigation(nil, 7))

	s := SummarizeIrrigation(seeded().irrigation, 7)
	assert.Equal(t, 3, s.Events)
	assert.Equal(t, 750.0, s.TotalLiters)
	assert.Equal(t, 25.0, s.AvgDurationMin)
	require.NotNil(t, s.LastIrrigation)
	assert.Equal(t, testNow.AddDate(0, 0, -1), *s.LastIrrigation)

	tie := SummarizeIrrigation([]models.IrrigationEvent{{Trigger: "manual"}, {Trigger: "auto"}}, 7)
	assert.Equal(t, "auto", tie.DominantTrigger)
}
