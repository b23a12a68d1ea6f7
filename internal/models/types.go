// Package models defines the core data types shared across the farm advisor.
//
// Sensor data, derived trend and anomaly views, classification and judge
// results, persisted conversations and farmer profiles all live here so that
// analytics, the context builder, the orchestration engine and the stores can
// exchange them without import cycles.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ─── Sensors ──────────────────────────────────────────────────────────────────

// SensorSnapshot is a point-in-time reading of a field. It is passed by value
// and never mutated once captured.
//
// Reported records which metrics the sensor measured. Decoding JSON fills it
// from the keys present, so a missing field is never mistaken for a reading
// of 0. When Reported is empty every non-zero metric counts as measured.
type SensorSnapshot struct {
	Moisture       float64 `json:"moisture"`    // volumetric %, 0-100
	PH             float64 `json:"ph"`          // 0-14
	Nitrogen       float64 `json:"nitrogen"`    // ppm
	Phosphorus     float64 `json:"phosphorus"`  // ppm
	Potassium      float64 `json:"potassium"`   // ppm
	Temperature    float64 `json:"temperature"` // °C
	Humidity       float64 `json:"humidity"`    // relative %
	Crop           string  `json:"crop"`
	MotorOn        bool    `json:"motor_on"`
	ManualOverride bool    `json:"manual_override"`

	Reported MetricSet `json:"reported,omitempty"`
}

// Has reports whether metric m was measured.
func (s SensorSnapshot) Has(m Metric) bool {
	if s.Reported != 0 {
		return s.Reported.Has(m)
	}
	return s.Value(m) != 0
}

// Measured returns the set of metrics that were measured.
func (s SensorSnapshot) Measured() MetricSet {
	if s.Reported != 0 {
		return s.Reported
	}
	var set MetricSet
	for _, m := range AllMetrics {
		if s.Value(m) != 0 {
			set = set.With(m)
		}
	}
	return set
}

type snapshotJSON SensorSnapshot

// MarshalJSON always writes the measured set.
func (s SensorSnapshot) MarshalJSON() ([]byte, error) {
	s.Reported = s.Measured()
	return json.Marshal(snapshotJSON(s))
}

// UnmarshalJSON derives Reported from the metric keys present unless the
// document carries an explicit set. Unknown fields are rejected.
func (s *SensorSnapshot) UnmarshalJSON(data []byte) error {
	var v snapshotJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if v.Reported == 0 {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err != nil {
			return err
		}
		for _, m := range AllMetrics {
			if raw, ok := keys[string(m)]; ok && string(raw) != "null" {
				v.Reported = v.Reported.With(m)
			}
		}
	}
	*s = SensorSnapshot(v)
	return nil
}

// SensorReading is one row of a farmer's sensor history.
type SensorReading struct {
	FarmerID   string         `json:"farmer_id" db:"farmer_id"`
	RecordedAt time.Time      `json:"recorded_at" db:"recorded_at"`
	Snapshot   SensorSnapshot `json:"snapshot"`
}

// Metric names a numeric field of a SensorSnapshot.
type Metric string

const (
	MetricMoisture    Metric = "moisture"
	MetricPH          Metric = "ph"
	MetricNitrogen    Metric = "nitrogen"
	MetricPhosphorus  Metric = "phosphorus"
	MetricPotassium   Metric = "potassium"
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
)

// AllMetrics lists every metric in display order.
var AllMetrics = []Metric{
	MetricMoisture, MetricPH, MetricNitrogen, MetricPhosphorus,
	MetricPotassium, MetricTemperature, MetricHumidity,
}

// MetricSet is a set of metrics. The zero value is empty.
type MetricSet uint8

// NewMetricSet returns the set holding ms.
func NewMetricSet(ms ...Metric) MetricSet {
	var set MetricSet
	for _, m := range ms {
		set = set.With(m)
	}
	return set
}

func (m Metric) bit() MetricSet {
	for i, known := range AllMetrics {
		if known == m {
			return 1 << i
		}
	}
	return 0
}

// With returns the set plus m.
func (s MetricSet) With(m Metric) MetricSet { return s | m.bit() }

// Has reports whether m is in the set.
func (s MetricSet) Has(m Metric) bool {
	b := m.bit()
	return b != 0 && s&b != 0
}

// Metrics lists the set's members in display order.
func (s MetricSet) Metrics() []Metric {
	var out []Metric
	for _, m := range AllMetrics {
		if s.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s MetricSet) MarshalJSON() ([]byte, error) {
	names := s.Metrics()
	if names == nil {
		names = []Metric{}
	}
	return json.Marshal(names)
}

func (s *MetricSet) UnmarshalJSON(data []byte) error {
	var names []Metric
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set MetricSet
	for _, m := range names {
		if m.bit() == 0 {
			return fmt.Errorf("unknown metric %q", m)
		}
		set = set.With(m)
	}
	*s = set
	return nil
}

// Value returns the snapshot's value for m. Unknown metrics return 0.
func (s SensorSnapshot) Value(m Metric) float64 {
	switch m {
	case MetricMoisture:
		return s.Moisture
	case MetricPH:
		return s.PH
	case MetricNitrogen:
		return s.Nitrogen
	case MetricPhosphorus:
		return s.Phosphorus
	case MetricPotassium:
		return s.Potassium
	case MetricTemperature:
		return s.Temperature
	case MetricHumidity:
		return s.Humidity
	default:
		return 0
	}
}

// Unit returns the display unit for m.
func (m Metric) Unit() string {
	switch m {
	case MetricMoisture, MetricHumidity:
		return "%"
	case MetricTemperature:
		return "°C"
	case MetricNitrogen, MetricPhosphorus, MetricPotassium:
		return " ppm"
	default:
		return ""
	}
}

// Label returns a human readable metric name.
func (m Metric) Label() string {
	switch m {
	case MetricPH:
		return "pH"
	case "":
		return ""
	default:
		return strings.ToUpper(string(m[:1])) + string(m[1:])
	}
}

// ─── Trends & anomalies ───────────────────────────────────────────────────────

// Direction of a trend.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
	DirectionStable     Direction = "stable"
)

// TrendSeverity grades the magnitude of a trend's percent change.
type TrendSeverity string

const (
	TrendMild        TrendSeverity = "mild"
	TrendModerate    TrendSeverity = "moderate"
	TrendSignificant TrendSeverity = "significant"
	TrendSevere      TrendSeverity = "severe"
)

// TrendRecord summarises one metric over a history window. Derived per
// request, never persisted on its own.
type TrendRecord struct {
	Metric        Metric        `json:"metric"`
	Current       float64       `json:"current"`
	Start         float64       `json:"start"`
	Change        float64       `json:"change"`
	PercentChange float64       `json:"percent_change"`
	Slope         float64       `json:"slope"`
	Direction     Direction     `json:"direction"`
	Severity      TrendSeverity `json:"severity,omitempty"`
	WindowDays    int           `json:"window_days"`
	Samples       int           `json:"samples"`
	Outliers      int           `json:"outliers,omitempty"` // IQR-flagged samples in the window
}

// AnomalySeverity is the fixed severity attached to an anomaly rule.
type AnomalySeverity string

const (
	AnomalyMedium AnomalySeverity = "medium"
	AnomalyHigh   AnomalySeverity = "high"
)

// Anomaly is a rule-triggered flag on a sensor metric.
type Anomaly struct {
	Type     string          `json:"type"`
	Metric   Metric          `json:"metric"`
	Severity AnomalySeverity `json:"severity"`
	Message  string          `json:"message"`
	Value    float64         `json:"value"`
}

// Urgency is a shared tier for moisture and pH assessments.
type Urgency string

const (
	UrgencyNone     Urgency = "none"
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// MoistureAssessment is the moisture domain rule result.
type MoistureAssessment struct {
	Urgency      Urgency  `json:"urgency"`
	DaysToAction *float64 `json:"days_to_action,omitempty"`
	Reason       string   `json:"reason"`
}

// PHAssessment is the pH domain rule result.
type PHAssessment struct {
	Diagnosis string  `json:"diagnosis"` // acidic | alkaline | optimal
	Urgency   Urgency `json:"urgency"`
	Deviation float64 `json:"deviation"`
	Amplified bool    `json:"amplified"`
	Reason    string  `json:"reason"`
}

// ─── Query classification & judging ───────────────────────────────────────────

// QueryType scopes how much historical context a query receives.
type QueryType string

const (
	QueryWatering   QueryType = "watering"
	QueryDisease    QueryType = "disease"
	QueryFertilizer QueryType = "fertilizer"
	QueryPH         QueryType = "ph"
	QueryNutrients  QueryType = "nutrients"
	QueryPest       QueryType = "pest"
	QueryWeather    QueryType = "weather"
	QueryGeneral    QueryType = "general"
)

// KnownQueryTypes is the fixed query type enumeration.
var KnownQueryTypes = []QueryType{
	QueryWatering, QueryDisease, QueryFertilizer, QueryPH,
	QueryNutrients, QueryPest, QueryWeather, QueryGeneral,
}

// ParseQueryType normalises s into a known QueryType. ok is false when s is
// not part of the enumeration.
func ParseQueryType(s string) (QueryType, bool) {
	for _, t := range KnownQueryTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Complexity of a query.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// Classification is the structured classifier output.
type Classification struct {
	Type               QueryType  `json:"type"`
	Complexity         Complexity `json:"complexity"`
	Intent             string     `json:"intent"`
	RequiresSubQueries bool       `json:"requires_sub_queries"`
	SubQueries         []string   `json:"sub_queries"`
}

// JudgeBreakdown scores five categories, each 0-20.
type JudgeBreakdown struct {
	Accuracy      int `json:"accuracy"`
	Relevance     int `json:"relevance"`
	Actionability int `json:"actionability"`
	Clarity       int `json:"clarity"`
	Safety        int `json:"safety"`
}

// Judgement is the automated judge result.
type Judgement struct {
	Score       int            `json:"score"`
	Breakdown   JudgeBreakdown `json:"breakdown"`
	Strengths   []string       `json:"strengths"`
	Weaknesses  []string       `json:"weaknesses"`
	Suggestions []string       `json:"suggestions"`
	Reasoning   string         `json:"reasoning"`
	Fallback    bool           `json:"fallback,omitempty"`
}

// ─── Formatted output ─────────────────────────────────────────────────────────

// Priority of an extracted action.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Action is a recommended step extracted from an answer.
type Action struct {
	Text     string   `json:"text"`
	Priority Priority `json:"priority"`
}

// Alert is a warning surfaced alongside the answer.
type Alert struct {
	Source   string `json:"source"` // sensor | response
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Insight is a one-line observation tied to the answer.
type Insight struct {
	Kind    string `json:"kind"` // trend | history
	Metric  Metric `json:"metric,omitempty"`
	Message string `json:"message"`
}

// FormattedOutput is the Format stage result.
type FormattedOutput struct {
	ResponseText string    `json:"response_text"`
	Insights     []Insight `json:"insights"`
	Actions      []Action  `json:"actions"`
	Alerts       []Alert   `json:"alerts"`
}

// ─── Persistence ──────────────────────────────────────────────────────────────

// ContextUsage records what the context bundle contained for a run.
type ContextUsage struct {
	TrendMetrics    []Metric `json:"trend_metrics"`
	WindowDays      int      `json:"window_days"`
	Conversations   int      `json:"conversations"`
	SimilarQueries  int      `json:"similar_queries"`
	ProfileIncluded bool     `json:"profile_included"`
	Irrigation      bool     `json:"irrigation"`
	Anomalies       int      `json:"anomalies"`
	EstimatedTokens int      `json:"estimated_tokens"`
	Degraded        bool     `json:"degraded"`
}

// PipelineMetadata records how a run went.
type PipelineMetadata struct {
	Classification Classification    `json:"classification"`
	JudgeScore     int               `json:"judge_score"`
	JudgeFallback  bool              `json:"judge_fallback"`
	Retries        int               `json:"retries"`
	LatencyMs      int64             `json:"latency_ms"`
	Stages         map[string]string `json:"stages"`
	Warnings       []string          `json:"warnings,omitempty"`
}

// ConversationRecord is a persisted pipeline outcome. Outcome fields are
// filled later by farmer feedback.
type ConversationRecord struct {
	ID           string           `json:"id"`
	FarmerID     string           `json:"farmer_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Query        string           `json:"query"`
	QueryType    QueryType        `json:"query_type"`
	Complexity   Complexity       `json:"complexity"`
	Sensors      SensorSnapshot   `json:"sensors"`
	ContextUsage ContextUsage     `json:"context_usage"`
	Pipeline     PipelineMetadata `json:"pipeline"`
	Answer       string           `json:"answer"`
	Confidence   float64          `json:"confidence"`
	Reasoning    []string         `json:"reasoning"`
	Actions      []Action         `json:"actions"`

	ActionTaken string     `json:"action_taken,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Feedback    string     `json:"feedback,omitempty"`
	OutcomeAt   *time.Time `json:"outcome_at,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
}

// Summary is a short piece of a past conversation used in context.
func (c *ConversationRecord) Summary() string {
	answer := c.Answer
	if len(answer) > 160 {
		answer = answer[:157] + "..."
	}
	return answer
}

// ActionOutcome is one entry in a farmer's action history.
type ActionOutcome struct {
	ConversationID string    `json:"conversation_id"`
	Action         string    `json:"action"`
	Success        bool      `json:"success"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// FarmerProfile is the per-farmer behavioural record.
type FarmerProfile struct {
	FarmerID          string              `json:"farmer_id"`
	CurrentCrop       string              `json:"current_crop"`
	QueryCounts       map[QueryType]int64 `json:"query_counts"`
	TotalQueries      int64               `json:"total_queries"`
	SuccessfulActions int64               `json:"successful_actions"`
	FailedActions     int64               `json:"failed_actions"`
	ResponseRate      float64             `json:"response_rate"`
	RecurringIssues   []string            `json:"recurring_issues"`
	PreferredMethods  []string            `json:"preferred_methods"`
	SuccessHistory    []ActionOutcome     `json:"success_history"`
	FailureHistory    []ActionOutcome     `json:"failure_history"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// IrrigationEvent is one logged watering.
type IrrigationEvent struct {
	ID          int64     `json:"id" db:"id"`
	FarmerID    string    `json:"farmer_id" db:"farmer_id"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	DurationMin float64   `json:"duration_min" db:"duration_min"`
	Liters      float64   `json:"liters" db:"liters"`
	Trigger     string    `json:"trigger" db:"trigger_kind"` // manual | auto
}

// IrrigationSummary condenses a window of irrigation events.
type IrrigationSummary struct {
	Events          int        `json:"events"`
	TotalLiters     float64    `json:"total_liters"`
	AvgDurationMin  float64    `json:"avg_duration_min"`
	LastIrrigation  *time.Time `json:"last_irrigation,omitempty"`
	DominantTrigger string     `json:"dominant_trigger"`
	WindowDays      int        `json:"window_days"`
}

// ─── Result ───────────────────────────────────────────────────────────────────

// QueryResult is returned to the caller of ProcessQuery.
type QueryResult struct {
	Success          bool      `json:"success"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	ResponseText     string    `json:"response_text"`
	Insights         []Insight `json:"insights"`
	Actions          []Action  `json:"actions"`
	Alerts           []Alert   `json:"alerts"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Error            string    `json:"error,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
}
