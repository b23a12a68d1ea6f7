package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shivangiamit/hackathon/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id, farmer string, qt models.QueryType, created time.Time) *models.ConversationRecord {
	return &models.ConversationRecord{
		ID:         id,
		FarmerID:   farmer,
		Timestamp:  created,
		Query:      "Should I water today?",
		QueryType:  qt,
		Complexity: models.ComplexitySimple,
		Sensors:    models.SensorSnapshot{Moisture: 35, PH: 6.5, Crop: "tomato"},
		ContextUsage: models.ContextUsage{
			TrendMetrics: []models.Metric{models.MetricMoisture},
			WindowDays:   7,
		},
		Pipeline: models.PipelineMetadata{
			JudgeScore: 92,
			Stages:     map[string]string{"judge": "complete"},
		},
		Answer:     "Irrigate within 24 hours.",
		Confidence: 0.92,
		Reasoning:  []string{"Moisture dropped 20.0%"},
		Actions:    []models.Action{{Text: "Irrigate within 24 hours", Priority: models.PriorityUrgent}},
		ExpiresAt:  created.Add(30 * 24 * time.Hour),
	}
}

// ─── Sensor readings ──────────────────────────────────────────────────────────

func TestReadingsSinceOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-10 * 24 * time.Hour).Truncate(time.Second)

	// Insert out of order; reads come back oldest first.
	for _, day := range []int{3, 1, 9, 5} {
		r := models.SensorReading{
			FarmerID:   "f1",
			RecordedAt: base.Add(time.Duration(day) * 24 * time.Hour),
			Snapshot:   models.SensorSnapshot{Moisture: float64(40 - day), MotorOn: day == 9, Crop: "maize"},
		}
		if err := s.AppendReading(ctx, r); err != nil {
			t.Fatalf("AppendReading: %v", err)
		}
	}
	if err := s.AppendReading(ctx, models.SensorReading{FarmerID: "f2", RecordedAt: base}); err != nil {
		t.Fatalf("AppendReading other farmer: %v", err)
	}

	got, err := s.ReadingsSince(ctx, "f1", base.Add(2*24*time.Hour))
	if err != nil {
		t.Fatalf("ReadingsSince: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].RecordedAt.Before(got[i].RecordedAt) {
			t.Errorf("readings not ascending at %d", i)
		}
	}
	if got[2].Snapshot.Moisture != 31 || !got[2].Snapshot.MotorOn || got[2].Snapshot.Crop != "maize" {
		t.Errorf("unexpected last snapshot: %+v", got[2].Snapshot)
	}
	if !got[0].RecordedAt.Equal(base.Add(3 * 24 * time.Hour)) {
		t.Errorf("expected first reading at day 3, got %s", got[0].RecordedAt)
	}
}

func TestLatestReading(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestReading(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	now := time.Now()
	for i, m := range []float64{50, 45, 42} {
		r := models.SensorReading{
			FarmerID:   "f1",
			RecordedAt: now.Add(time.Duration(i) * time.Hour),
			Snapshot:   models.SensorSnapshot{Moisture: m},
		}
		if err := s.AppendReading(ctx, r); err != nil {
			t.Fatalf("AppendReading: %v", err)
		}
	}
	got, err := s.LatestReading(ctx, "f1")
	if err != nil {
		t.Fatalf("LatestReading: %v", err)
	}
	if got.Snapshot.Moisture != 42 {
		t.Errorf("expected latest moisture 42, got %v", got.Snapshot.Moisture)
	}
}

func TestReadingKeepsMeasuredMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := models.SensorSnapshot{
		Moisture: 35,
		Crop:     "tomato",
		Reported: models.NewMetricSet(models.MetricMoisture, models.MetricTemperature),
	}
	if err := s.AppendReading(ctx, models.SensorReading{FarmerID: "f1", RecordedAt: time.Now(), Snapshot: snap}); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}
	got, err := s.LatestReading(ctx, "f1")
	if err != nil {
		t.Fatalf("LatestReading: %v", err)
	}
	if !got.Snapshot.Has(models.MetricTemperature) {
		t.Errorf("measured 0°C temperature lost on round trip")
	}
	if got.Snapshot.Has(models.MetricPH) {
		t.Errorf("pH was never measured but reads as measured")
	}
}

// ─── Conversations ────────────────────────────────────────────────────────────

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testRecord("c1", "f1", models.QueryWatering, time.Now().Truncate(time.Second))

	if err := s.SaveConversation(ctx, rec); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Query != rec.Query || got.QueryType != models.QueryWatering {
		t.Errorf("unexpected conversation: %+v", got)
	}
	if got.Pipeline.JudgeScore != 92 || got.Pipeline.Stages["judge"] != "complete" {
		t.Errorf("pipeline metadata not preserved: %+v", got.Pipeline)
	}
	if len(got.Actions) != 1 || got.Actions[0].Priority != models.PriorityUrgent {
		t.Errorf("actions not preserved: %+v", got.Actions)
	}
	if got.Sensors.Crop != "tomato" || got.ContextUsage.WindowDays != 7 {
		t.Errorf("sensors/context usage not preserved: %+v %+v", got.Sensors, got.ContextUsage)
	}
	if got.Success != nil || got.OutcomeAt != nil {
		t.Errorf("expected no outcome yet, got success=%v outcome_at=%v", got.Success, got.OutcomeAt)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp: expected %s, got %s", rec.Timestamp, got.Timestamp)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentAndSimilarConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	types := []models.QueryType{models.QueryWatering, models.QueryPest, models.QueryWatering, models.QueryWatering}
	for i, qt := range types {
		rec := testRecord(fmt.Sprintf("c%d", i), "f1", qt, now.Add(time.Duration(i)*time.Minute))
		if err := s.SaveConversation(ctx, rec); err != nil {
			t.Fatalf("SaveConversation: %v", err)
		}
	}

	recent, err := s.RecentConversations(ctx, "f1", 2)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c3" || recent[1].ID != "c2" {
		t.Errorf("expected [c3 c2], got %v", ids(recent))
	}

	similar, err := s.SimilarConversations(ctx, "f1", models.QueryWatering, 10)
	if err != nil {
		t.Fatalf("SimilarConversations: %v", err)
	}
	if len(similar) != 3 {
		t.Errorf("expected 3 watering conversations, got %v", ids(similar))
	}
	for _, c := range similar {
		if c.QueryType != models.QueryWatering {
			t.Errorf("unexpected type %s in similar results", c.QueryType)
		}
	}

	other, err := s.RecentConversations(ctx, "f2", 10)
	if err != nil {
		t.Fatalf("RecentConversations f2: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no conversations for f2, got %d", len(other))
	}
}

func TestExpiredConversationsInvisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	expired := testRecord("old", "f1", models.QueryWatering, now.Add(-40*24*time.Hour))
	fresh := testRecord("new", "f1", models.QueryWatering, now)
	for _, rec := range []*models.ConversationRecord{expired, fresh} {
		if err := s.SaveConversation(ctx, rec); err != nil {
			t.Fatalf("SaveConversation: %v", err)
		}
	}

	if _, err := s.GetConversation(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired conversation to be not found, got %v", err)
	}
	recent, err := s.RecentConversations(ctx, "f1", 10)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "new" {
		t.Errorf("expected only [new], got %v", ids(recent))
	}
	if _, err := s.UpdateConversationOutcome(ctx, "old", Outcome{ActionTaken: "x", Success: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected outcome on expired conversation to fail with ErrNotFound, got %v", err)
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
	n, err = s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("second PurgeExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("expected second purge to remove nothing, got %d", n)
	}
}

func TestUpdateConversationOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveConversation(ctx, testRecord("c1", "f1", models.QueryWatering, time.Now())); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	at := time.Now().Truncate(time.Second)
	got, err := s.UpdateConversationOutcome(ctx, "c1", Outcome{
		ActionTaken: "Irrigated 20 minutes",
		Success:     true,
		Feedback:    "soil recovered",
		RecordedAt:  at,
	})
	if err != nil {
		t.Fatalf("UpdateConversationOutcome: %v", err)
	}
	if got.Success == nil || !*got.Success {
		t.Fatalf("expected success=true, got %v", got.Success)
	}
	if got.ActionTaken != "Irrigated 20 minutes" || got.Feedback != "soil recovered" {
		t.Errorf("outcome fields not stored: %+v", got)
	}
	if got.OutcomeAt == nil || !got.OutcomeAt.Equal(at) {
		t.Errorf("expected outcome_at %s, got %v", at, got.OutcomeAt)
	}

	successful, err := s.SuccessfulConversations(ctx, "f1", 5)
	if err != nil {
		t.Fatalf("SuccessfulConversations: %v", err)
	}
	if len(successful) != 1 || successful[0].ID != "c1" {
		t.Errorf("expected [c1], got %v", ids(successful))
	}

	if _, err := s.UpdateConversationOutcome(ctx, "missing", Outcome{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ─── Farmer profiles ──────────────────────────────────────────────────────────

func TestProfileNotFoundThenEnsure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	p, err := s.EnsureProfile(ctx, "f1")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if p.TotalQueries != 0 || p.ResponseRate != 0 {
		t.Errorf("expected empty profile, got %+v", p)
	}
	if p.QueryCounts == nil || p.RecurringIssues == nil || p.SuccessHistory == nil {
		t.Errorf("expected non-nil collections on a fresh profile")
	}
	if _, err := s.EnsureProfile(ctx, "f1"); err != nil {
		t.Errorf("second EnsureProfile: %v", err)
	}
}

func TestIncrementQueryCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := []struct {
		qt     models.QueryType
		crop   string
		issues []string
	}{
		{models.QueryWatering, "tomato", []string{"low_moisture"}},
		{models.QueryWatering, "", []string{"low_moisture", "acidic_soil"}},
		{models.QueryPest, "", nil},
	}
	for _, c := range calls {
		if err := s.IncrementQueryCounts(ctx, "f1", c.qt, c.crop, c.issues); err != nil {
			t.Fatalf("IncrementQueryCounts: %v", err)
		}
	}

	p, err := s.GetProfile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.TotalQueries != 3 {
		t.Errorf("expected 3 total queries, got %d", p.TotalQueries)
	}
	if p.QueryCounts[models.QueryWatering] != 2 || p.QueryCounts[models.QueryPest] != 1 {
		t.Errorf("unexpected query counts: %v", p.QueryCounts)
	}
	if p.CurrentCrop != "tomato" {
		t.Errorf("empty crop must not clear current crop, got %q", p.CurrentCrop)
	}
	if len(p.RecurringIssues) != 1 || p.RecurringIssues[0] != "low_moisture" {
		t.Errorf("expected recurring [low_moisture], got %v", p.RecurringIssues)
	}
}

func TestConcurrentIncrementsNotLost(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "advisor.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	const n = 25
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return s.IncrementQueryCounts(ctx, "f1", models.QueryWatering, "maize", nil)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent increments: %v", err)
	}

	p, err := s.GetProfile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.TotalQueries != n || p.QueryCounts[models.QueryWatering] != n {
		t.Errorf("expected %d queries, got total=%d watering=%d", n, p.TotalQueries, p.QueryCounts[models.QueryWatering])
	}
}

func TestRecordActionOutcomeResponseRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.RecordActionOutcome(ctx, "f1", models.ActionOutcome{ConversationID: "c1", Action: "drip irrigation", Success: true})
	if err != nil {
		t.Fatalf("RecordActionOutcome: %v", err)
	}
	if p.SuccessfulActions != 1 || p.FailedActions != 0 {
		t.Errorf("expected 1/0 counters, got %d/%d", p.SuccessfulActions, p.FailedActions)
	}
	if p.ResponseRate != 1.0 {
		t.Errorf("first successful action must give response rate 1.0, got %v", p.ResponseRate)
	}
	if len(p.PreferredMethods) != 1 || p.PreferredMethods[0] != "drip irrigation" {
		t.Errorf("expected preferred [drip irrigation], got %v", p.PreferredMethods)
	}

	p, err = s.RecordActionOutcome(ctx, "f1", models.ActionOutcome{ConversationID: "c2", Action: "add lime", Success: false})
	if err != nil {
		t.Fatalf("RecordActionOutcome: %v", err)
	}
	if p.ResponseRate != 0.5 {
		t.Errorf("expected response rate 0.5, got %v", p.ResponseRate)
	}
	if len(p.PreferredMethods) != 1 {
		t.Errorf("failed action must not become a preferred method, got %v", p.PreferredMethods)
	}
	if len(p.SuccessHistory) != 1 || len(p.FailureHistory) != 1 {
		t.Errorf("expected 1 success and 1 failure in history, got %d/%d", len(p.SuccessHistory), len(p.FailureHistory))
	}
	if p.FailureHistory[0].ConversationID != "c2" || p.FailureHistory[0].Action != "add lime" {
		t.Errorf("unexpected failure history entry: %+v", p.FailureHistory[0])
	}
}

// ─── Irrigation ───────────────────────────────────────────────────────────────

func TestIrrigationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	events := []*models.IrrigationEvent{
		{FarmerID: "f1", StartedAt: now.Add(-9 * 24 * time.Hour), DurationMin: 30, Liters: 200, Trigger: "manual"},
		{FarmerID: "f1", StartedAt: now.Add(-2 * 24 * time.Hour), DurationMin: 20, Liters: 150, Trigger: "auto"},
		{FarmerID: "f1", StartedAt: now.Add(-1 * 24 * time.Hour), DurationMin: 25, Liters: 170, Trigger: "auto"},
	}
	for _, ev := range events {
		if err := s.AppendIrrigation(ctx, ev); err != nil {
			t.Fatalf("AppendIrrigation: %v", err)
		}
		if ev.ID == 0 {
			t.Errorf("expected AppendIrrigation to set the event id")
		}
	}

	got, err := s.IrrigationSince(ctx, "f1", now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("IrrigationSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events in window, got %d", len(got))
	}
	if got[0].Liters != 150 || got[1].Trigger != "auto" {
		t.Errorf("unexpected events: %+v", got)
	}
	if !got[0].StartedAt.Equal(events[1].StartedAt) {
		t.Errorf("expected started_at %s, got %s", events[1].StartedAt, got[0].StartedAt)
	}
}

// ─── Persistence health ───────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "advisor.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s.Close()

	// Reopening runs migrations against an already migrated schema.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = s.Close()
}

func TestTimeFormatSortsLexically(t *testing.T) {
	a := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	if !(formatTime(a) < formatTime(b)) {
		t.Errorf("expected %s < %s", formatTime(a), formatTime(b))
	}
	got, err := parseTime(formatTime(b))
	if err != nil || !got.Equal(b) {
		t.Errorf("parseTime(formatTime(b)) = %v, %v", got, err)
	}
}

func ids(recs []models.ConversationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
