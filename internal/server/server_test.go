package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/llm/adapter"
	"github.com/shivangiamit/hackathon/internal/memory"
	"github.com/shivangiamit/hackathon/internal/models"
	ctxbuilder "github.com/shivangiamit/hackathon/internal/reasoning/context"
	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// ─── Fakes ────────────────────────────────────────────────────────────────────

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, string, models.QueryType, string) (models.Classification, error) {
	return models.Classification{Type: models.QueryWatering, Complexity: models.ComplexitySimple}, nil
}

type stubGenerator struct{ err error }

func (g stubGenerator) Generate(context.Context, string, string, models.Classification) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "Soil moisture is low for tomatoes.\n1. Water 10 liters per plant today", nil
}

func (g stubGenerator) Regenerate(context.Context, string, string, string, models.Classification, models.Judgement) (string, error) {
	return "Water 10 liters per plant today.", nil
}

type stubJudge struct{}

func (stubJudge) Evaluate(context.Context, string, string, string) (models.Judgement, error) {
	return models.Judgement{Score: 90}, nil
}

type stubLLM struct{ configured bool }

func (s stubLLM) Provider() adapter.ProviderType { return adapter.ProviderOpenAI }
func (s stubLLM) IsConfigured() bool { return s.configured }

// ─── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store db.Store
}

type fixtureOpts struct {
	cfg        Config
	genErr     error
	llmReady   bool
	noHTTPTest bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	learner := memory.NewLearner(store, nil, zap.NewNop())
	eng := engine.New(engine.Deps{
		Builder:    ctxbuilder.NewBuilder(store, zap.NewNop()),
		Classifier: stubClassifier{},
		Generator:  stubGenerator{err: opts.genErr},
		Judge:      stubJudge{},
		Persister:  learner,
		Logger:     zap.NewNop(),
	}, engine.Config{})

	srv, err := NewServer(opts.cfg, Deps{
		Engine:   eng,
		Outcomes: learner,
		Store:    store,
		LLM:      stubLLM{configured: opts.llmReady},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	f := &fixture{srv: srv, store: store}
	if !opts.noHTTPTest {
		f.ts = httptest.NewServer(srv.Handler())
		t.Cleanup(f.ts.Close)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sensors() *models.SensorSnapshot {
	return &models.SensorSnapshot{Moisture: 28, PH: 6.5, Nitrogen: 40, Phosphorus: 20, Potassium: 30, Temperature: 31, Humidity: 55, Crop: "Tomato"}
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(Config{}, Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]interface{}](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestReady(t *testing.T) {
	t.Run("llm not configured", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		resp := f.do(t, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
	t.Run("ready", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{llmReady: true})
		resp := f.do(t, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestQueryWithSensors(t *testing.T) {
	f := newFixture(t, fixtureOpts{llmReady: true})

	resp := f.do(t, http.MethodPost, "/api/v1/query", QueryRequest{
		FarmerID: "farmer-1",
		Query:    "Should I water my tomatoes?",
		Sensors:  sensors(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[models.QueryResult](t, resp)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ConversationID)
	assert.NotEmpty(t, result.ResponseText)
	assert.NotEmpty(t, result.Actions)

	resp = f.do(t, http.MethodGet, "/api/v1/conversations/"+result.ConversationID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[models.ConversationRecord](t, resp)
	assert.Equal(t, "farmer-1", rec.FarmerID)
	assert.Equal(t, models.QueryWatering, rec.QueryType)

	resp = f.do(t, http.MethodGet, "/api/v1/farmers/farmer-1/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decode[models.FarmerProfile](t, resp)
	assert.EqualValues(t, 1, profile.TotalQueries)
	assert.Equal(t, "Tomato", profile.CurrentCrop)
}

func TestQueryPartialSensorsRaiseNoSensorAlerts(t *testing.T) {
	f := newFixture(t, fixtureOpts{llmReady: true})

	resp := f.do(t, http.MethodPost, "/api/v1/query",
		`{"farmer_id":"farmer-3","query":"Should I water?","sensors":{"moisture":35,"crop":"Tomato"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[models.QueryResult](t, resp)
	assert.True(t, result.Success)
	for _, a := range result.Alerts {
		assert.NotEqual(t, "sensor", a.Source, a.Message)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/conversations/"+result.ConversationID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[models.ConversationRecord](t, resp)
	assert.True(t, rec.Sensors.Has(models.MetricMoisture))
	assert.False(t, rec.Sensors.Has(models.MetricTemperature))
}

func TestIngestReadingTracksMeasuredMetrics(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := f.do(t, http.MethodPost, "/api/v1/farmers/farmer-4/readings",
		`{"recorded_at":"2026-01-02T03:04:05Z","temperature":0,"moisture":41}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	latest, err := f.store.LatestReading(context.Background(), "farmer-4")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), latest.RecordedAt, time.Second)
	assert.True(t, latest.Snapshot.Has(models.MetricTemperature), "a measured 0°C is kept")
	assert.False(t, latest.Snapshot.Has(models.MetricPH))

	resp = f.do(t, http.MethodPost, "/api/v1/farmers/farmer-4/readings", `{"moisture":41,"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryUsesLatestReading(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := f.do(t, http.MethodPost, "/api/v1/query", QueryRequest{FarmerID: "farmer-2", Query: "Water now?"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/farmers/farmer-2/readings", ReadingRequest{SensorSnapshot: *sensors()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/query", QueryRequest{FarmerID: "farmer-2", Query: "Water now?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[models.QueryResult](t, resp)
	assert.True(t, result.Success)

	cached, ok, err := f.srv.deps.Cache.Latest(context.Background(), "farmer-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Tomato", cached.Snapshot.Crop)
}

func TestQueryBadRequests(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", `{"farmer_id":`},
		{"empty body", ""},
		{"unknown field", `{"farmer_id":"f","query":"q","bogus":1}`},
		{"missing query", QueryRequest{FarmerID: "f", Sensors: sensors()}},
		{"unknown query type", QueryRequest{FarmerID: "f", Query: "q", QueryType: "astrology", Sensors: sensors()}},
		{"impossible moisture", QueryRequest{FarmerID: "f", Query: "q", Sensors: &models.SensorSnapshot{Moisture: 140}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[errorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestQueryPipelineFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{genErr: errors.New("model unavailable")})

	resp := f.do(t, http.MethodPost, "/api/v1/query", QueryRequest{FarmerID: "f", Query: "Water?", Sensors: sensors()})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	result := decode[models.QueryResult](t, resp)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestIngestReadingValidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	future := time.Now().Add(time.Hour)

	resp := f.do(t, http.MethodPost, "/api/v1/farmers/f/readings", ReadingRequest{SensorSnapshot: models.SensorSnapshot{PH: 15}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/farmers/f/readings", ReadingRequest{RecordedAt: &future, SensorSnapshot: *sensors()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/farmers/f/readings", `{"moisture":30,"ph":6.8,"crop":"Rice"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reading := decode[models.SensorReading](t, resp)
	assert.Equal(t, "f", reading.FarmerID)
	assert.Equal(t, "Rice", reading.Snapshot.Crop)
}

func TestIrrigation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp := f.do(t, http.MethodPost, "/api/v1/farmers/f/irrigation", IrrigationRequest{DurationMin: 20, Liters: 150})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ev := decode[models.IrrigationEvent](t, resp)
	assert.Equal(t, "manual", ev.Trigger)
	assert.NotZero(t, ev.ID)

	resp = f.do(t, http.MethodPost, "/api/v1/farmers/f/irrigation", IrrigationRequest{DurationMin: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/farmers/f/irrigation", IrrigationRequest{DurationMin: 5, Trigger: "rain"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOutcome(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	yes := true

	resp := f.do(t, http.MethodPost, "/api/v1/conversations/missing/outcome", OutcomeRequest{ActionTaken: "watered", Success: &yes})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/query", QueryRequest{FarmerID: "f", Query: "Water?", Sensors: sensors()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[models.QueryResult](t, resp).ConversationID

	resp = f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/outcome", OutcomeRequest{ActionTaken: "watered"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/outcome", OutcomeRequest{ActionTaken: "watered", Success: &yes, Feedback: "leaves recovered"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[models.ConversationRecord](t, resp)
	require.NotNil(t, rec.Success)
	assert.True(t, *rec.Success)
	assert.Equal(t, "watered", rec.ActionTaken)

	profile, err := f.store.GetProfile(context.Background(), "f")
	require.NoError(t, err)
	assert.EqualValues(t, 1, profile.SuccessfulActions)
}

func TestUnknownConversationAndProfile(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/conversations/nope", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/farmers/nobody/profile", nil).StatusCode)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{APIKey: "s3cret"}})

	resp := f.do(t, http.MethodGet, "/api/v1/farmers/f/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/farmers/f/profile", nil, "X-API-Key", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Probes stay open.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{RateLimitRPS: 0.01, RateLimitBurst: 2}})

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/api/v1/farmers/f/profile", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/api/v1/farmers/f/profile", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{APIKey: "s3cret"}})

	resp := f.do(t, http.MethodOptions, "/api/v1/query", nil,
		"Origin", "http://localhost:3000",
		"Access-Control-Request-Method", http.MethodPost,
	)
	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = f.do(t, http.MethodOptions, "/api/v1/query", nil,
		"Origin", "http://evil.example",
		"Access-Control-Request-Method", http.MethodPost,
	)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.do(t, http.MethodGet, "/health", nil)

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func TestStartStopWithGRPCHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		cfg:        Config{Host: "127.0.0.1", GRPCPort: freePort(t), ShutdownTimeout: 5 * time.Second},
		noHTTPTest: true,
	})
	s := f.srv

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + s.HTTPAddr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(s.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)
	for _, svc := range []string{"", HealthService} {
		got, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got.GetStatus())
	}
	require.NoError(t, conn.Close())

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop(context.Background()))

	got, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got.GetStatus())
	http.DefaultClient.CloseIdleConnections()
}
