package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/memory"
	"github.com/shivangiamit/hackathon/internal/metrics"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// errNoSnapshot is returned when a query omits sensors and none were ingested.
var errNoSnapshot = errors.New("no sensor snapshot available for farmer")

// QueryRequest is the body of POST /api/v1/query. Sensors may be omitted, in
// which case the latest ingested reading is used.
type QueryRequest struct {
	FarmerID  string                 `json:"farmer_id"`
	Query     string                 `json:"query"`
	Sensors   *models.SensorSnapshot `json:"sensors,omitempty"`
	QueryType models.QueryType       `json:"query_type,omitempty"`
}

// ReadingRequest is the body of POST /api/v1/farmers/{id}/readings: a
// sensor snapshot plus an optional recorded_at.
type ReadingRequest struct {
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
	models.SensorSnapshot
}

// UnmarshalJSON splits recorded_at from the snapshot fields. Without it the
// embedded snapshot's decoder would swallow the whole object.
func (r *ReadingRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.RecordedAt = nil
	if raw, ok := fields["recorded_at"]; ok {
		if err := json.Unmarshal(raw, &r.RecordedAt); err != nil {
			return fmt.Errorf("recorded_at: %w", err)
		}
		delete(fields, "recorded_at")
	}
	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(rest, &r.SensorSnapshot)
}

// MarshalJSON mirrors UnmarshalJSON.
func (r ReadingRequest) MarshalJSON() ([]byte, error) {
	snap, err := json.Marshal(r.SensorSnapshot)
	if err != nil || r.RecordedAt == nil {
		return snap, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(snap, &fields); err != nil {
		return nil, err
	}
	at, err := json.Marshal(r.RecordedAt)
	if err != nil {
		return nil, err
	}
	fields["recorded_at"] = at
	return json.Marshal(fields)
}

// IrrigationRequest is the body of POST /api/v1/farmers/{id}/irrigation.
type IrrigationRequest struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DurationMin float64    `json:"duration_min"`
	Liters      float64    `json:"liters"`
	Trigger     string     `json:"trigger,omitempty"` // manual | auto
}

// OutcomeRequest is the body of POST /api/v1/conversations/{id}/outcome.
type OutcomeRequest struct {
	ActionTaken string `json:"action_taken"`
	Success     *bool  `json:"success"`
	Feedback    string `json:"feedback,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.deps.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready when the database answers and a language model
// is configured.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "llm": "ok"}
	ready := true
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	}
	if s.deps.LLM == nil || !s.deps.LLM.IsConfigured() {
		checks["llm"] = "not configured"
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": s.deps.Now().UTC().Format(time.RFC3339),
	})
}

// handleQuery runs one query through the pipeline.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	engineReq, err := s.buildEngineRequest(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, errNoSnapshot):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.log.Error("resolve snapshot failed", zap.String("farmer_id", req.FarmerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve sensor snapshot")
		return
	}

	result, err := s.deps.Engine.ProcessQuery(r.Context(), engineReq)
	if err != nil {
		s.log.Warn("query failed", zap.String("farmer_id", req.FarmerID), zap.Error(err))
	}
	writeJSON(w, statusFor(err), result)
}

// buildEngineRequest validates req and resolves its snapshot.
func (s *Server) buildEngineRequest(ctx context.Context, req QueryRequest) (engine.QueryRequest, error) {
	req.FarmerID = strings.TrimSpace(req.FarmerID)
	req.Query = strings.TrimSpace(req.Query)
	if req.FarmerID == "" || req.Query == "" {
		return engine.QueryRequest{}, fmt.Errorf("%w: farmer_id and query are required", engine.ErrInvalidRequest)
	}
	if req.QueryType != "" {
		if _, ok := models.ParseQueryType(string(req.QueryType)); !ok {
			return engine.QueryRequest{}, fmt.Errorf("%w: unknown query_type %q", engine.ErrInvalidRequest, req.QueryType)
		}
	}
	if req.Sensors != nil {
		if err := validateSnapshot(*req.Sensors); err != nil {
			return engine.QueryRequest{}, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
		}
	}
	snap, err := s.resolveSnapshot(ctx, req.FarmerID, req.Sensors)
	if err != nil {
		return engine.QueryRequest{}, err
	}
	return engine.QueryRequest{
		FarmerID:  req.FarmerID,
		Query:     req.Query,
		Snapshot:  snap,
		QueryType: req.QueryType,
	}, nil
}

// resolveSnapshot returns the explicit snapshot, else the cached latest
// reading, else the newest stored reading.
func (s *Server) resolveSnapshot(ctx context.Context, farmerID string, explicit *models.SensorSnapshot) (models.SensorSnapshot, error) {
	if explicit != nil {
		return *explicit, nil
	}

	cached, ok, err := s.deps.Cache.Latest(ctx, farmerID)
	if err != nil {
		s.log.Warn("snapshot cache read failed", zap.String("farmer_id", farmerID), zap.Error(err))
	} else if ok {
		return cached.Snapshot, nil
	}

	latest, err := s.deps.Store.LatestReading(ctx, farmerID)
	if errors.Is(err, db.ErrNotFound) {
		return models.SensorSnapshot{}, errNoSnapshot
	}
	if err != nil {
		return models.SensorSnapshot{}, fmt.Errorf("load latest reading: %w", err)
	}
	if err := s.deps.Cache.Put(ctx, *latest); err != nil {
		s.log.Warn("snapshot cache write failed", zap.String("farmer_id", farmerID), zap.Error(err))
	}
	return latest.Snapshot, nil
}

// handleIngestReading stores a sensor reading and refreshes the cache.
func (s *Server) handleIngestReading(w http.ResponseWriter, r *http.Request) {
	farmerID := mux.Vars(r)["id"]

	var req ReadingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateSnapshot(req.SensorSnapshot); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.deps.Now().UTC()
	recordedAt := now
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
		if recordedAt.After(now.Add(5 * time.Minute)) {
			writeError(w, http.StatusBadRequest, "recorded_at is in the future")
			return
		}
	}

	reading := models.SensorReading{
		FarmerID:   farmerID,
		RecordedAt: recordedAt,
		Snapshot:   req.SensorSnapshot,
	}
	if err := s.deps.Store.AppendReading(r.Context(), reading); err != nil {
		s.log.Error("append reading failed", zap.String("farmer_id", farmerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	metrics.ReadingsIngested.Inc()

	if err := s.deps.Cache.Put(r.Context(), reading); err != nil {
		s.log.Warn("snapshot cache write failed", zap.String("farmer_id", farmerID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, reading)
}

// handleIrrigation appends to the irrigation log.
func (s *Server) handleIrrigation(w http.ResponseWriter, r *http.Request) {
	farmerID := mux.Vars(r)["id"]

	var req IrrigationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationMin < 0 || req.Liters < 0 {
		writeError(w, http.StatusBadRequest, "duration_min and liters must not be negative")
		return
	}
	trigger := strings.ToLower(strings.TrimSpace(req.Trigger))
	switch trigger {
	case "":
		trigger = "manual"
	case "manual", "auto":
	default:
		writeError(w, http.StatusBadRequest, "trigger must be manual or auto")
		return
	}

	startedAt := s.deps.Now().UTC()
	if req.StartedAt != nil {
		startedAt = req.StartedAt.UTC()
	}
	ev := &models.IrrigationEvent{
		FarmerID:    farmerID,
		StartedAt:   startedAt,
		DurationMin: req.DurationMin,
		Liters:      req.Liters,
		Trigger:     trigger,
	}
	if err := s.deps.Store.AppendIrrigation(r.Context(), ev); err != nil {
		s.log.Error("append irrigation failed", zap.String("farmer_id", farmerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store irrigation event")
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// handleOutcome records the farmer's report on a piece of advice.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req OutcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Success == nil {
		writeError(w, http.StatusBadRequest, "success is required")
		return
	}

	rec, err := s.deps.Outcomes.UpdateOutcome(r.Context(), id, req.ActionTaken, *req.Success, req.Feedback)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, memory.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Error("record outcome failed", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record outcome")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleGetConversation returns one unexpired conversation.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Outcomes.Conversation(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetProfile returns the farmer profile.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Outcomes.Profile(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// statusFor maps a pipeline error to an HTTP status. The body is the
// well-formed result either way.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrPipelineTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrPipelineCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// validateSnapshot rejects physically impossible sensor values.
func validateSnapshot(s models.SensorSnapshot) error {
	switch {
	case s.Moisture < 0 || s.Moisture > 100:
		return fmt.Errorf("moisture must be between 0 and 100, got %v", s.Moisture)
	case s.PH < 0 || s.PH > 14:
		return fmt.Errorf("ph must be between 0 and 14, got %v", s.PH)
	case s.Humidity < 0 || s.Humidity > 100:
		return fmt.Errorf("humidity must be between 0 and 100, got %v", s.Humidity)
	case s.Nitrogen < 0 || s.Phosphorus < 0 || s.Potassium < 0:
		return fmt.Errorf("nutrient readings must not be negative")
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
