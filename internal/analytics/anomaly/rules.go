package anomaly

import (
	"fmt"
	"math"

	"github.com/shivangiamit/hackathon/internal/models"
)

// Thresholds parameterises the domain rules.
type Thresholds struct {
	MoistureMin      float64 // below this the field is dry
	MoistureCritical float64 // absolute floor; irrigation is overdue
	PHMin            float64
	PHMax            float64
	PHAmplifyDelta   float64 // recent |ΔpH| that bumps pH urgency one tier

	NitrogenDrop  float64 // ppm lost over the window
	PHDrift       float64
	MoistureDrift float64 // percentage points over the window
	TempMin       float64
	TempMax       float64
}

// DefaultThresholds returns the agronomic defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MoistureMin:      40,
		MoistureCritical: 30,
		PHMin:            6.0,
		PHMax:            7.5,
		PHAmplifyDelta:   0.3,
		NitrogenDrop:     30,
		PHDrift:          0.5,
		MoistureDrift:    20,
		TempMin:          10,
		TempMax:          35,
	}
}

// ─── Moisture ─────────────────────────────────────────────────────────────────

// AssessMoisture grades irrigation urgency from the current moisture and its
// per-day slope. DaysToAction is the linear extrapolation to the critical
// floor and is set only when moisture is falling or already at the floor.
func AssessMoisture(current, slopePerDay float64, th Thresholds) models.MoistureAssessment {
	if current <= th.MoistureCritical {
		zero := 0.0
		return models.MoistureAssessment{
			Urgency:      models.UrgencyCritical,
			DaysToAction: &zero,
			Reason:       fmt.Sprintf("moisture %.1f%% is at or below the %.0f%% critical floor", current, th.MoistureCritical),
		}
	}

	var days *float64
	if slopePerDay < 0 {
		d := math.Round((current-th.MoistureCritical)/-slopePerDay*10) / 10
		days = &d
	}

	if current < th.MoistureMin {
		a := models.MoistureAssessment{Urgency: models.UrgencyMedium, DaysToAction: days}
		if days != nil {
			a.Urgency = models.UrgencyHigh
			a.Reason = fmt.Sprintf("moisture %.1f%% is below the %.0f%% minimum and falling; critical in ~%.1f days", current, th.MoistureMin, *days)
		} else {
			a.Reason = fmt.Sprintf("moisture %.1f%% is below the %.0f%% minimum", current, th.MoistureMin)
		}
		return a
	}

	if days == nil {
		return models.MoistureAssessment{Urgency: models.UrgencyNone, Reason: "moisture is adequate and not falling"}
	}

	a := models.MoistureAssessment{DaysToAction: days}
	switch {
	case *days <= 2:
		a.Urgency = models.UrgencyHigh
	case *days <= 5:
		a.Urgency = models.UrgencyMedium
	default:
		a.Urgency = models.UrgencyNone
	}
	a.Reason = fmt.Sprintf("moisture is falling %.2f%%/day; critical floor in ~%.1f days", -slopePerDay, *days)
	return a
}

// ─── pH ───────────────────────────────────────────────────────────────────────

// AssessPH diagnoses soil acidity. delta is the recent pH change over the
// window; an out-of-range reading that moved more than PHAmplifyDelta is
// bumped one urgency tier.
func AssessPH(current, delta float64, th Thresholds) models.PHAssessment {
	a := models.PHAssessment{Diagnosis: "optimal", Urgency: models.UrgencyNone}
	switch {
	case current < th.PHMin:
		a.Diagnosis = "acidic"
		a.Deviation = th.PHMin - current
	case current > th.PHMax:
		a.Diagnosis = "alkaline"
		a.Deviation = current - th.PHMax
	default:
		a.Reason = fmt.Sprintf("pH %.1f is within %.1f-%.1f", current, th.PHMin, th.PHMax)
		return a
	}
	a.Deviation = math.Round(a.Deviation*100) / 100

	switch {
	case a.Deviation >= 1.0:
		a.Urgency = models.UrgencyHigh
	case a.Deviation >= 0.5:
		a.Urgency = models.UrgencyMedium
	default:
		a.Urgency = models.UrgencyLow
	}

	if math.Abs(delta) > th.PHAmplifyDelta {
		a.Urgency = bump(a.Urgency)
		a.Amplified = true
	}
	a.Reason = fmt.Sprintf("pH %.1f is %s by %.2f", current, a.Diagnosis, a.Deviation)
	if a.Amplified {
		a.Reason += fmt.Sprintf(" and moved %.2f recently", delta)
	}
	return a
}

func bump(u models.Urgency) models.Urgency {
	switch u {
	case models.UrgencyNone:
		return models.UrgencyLow
	case models.UrgencyLow:
		return models.UrgencyMedium
	case models.UrgencyMedium:
		return models.UrgencyHigh
	default:
		return models.UrgencyCritical
	}
}

// ─── Fixed-threshold anomalies ────────────────────────────────────────────────

// Anomaly type tags.
const (
	TypeNitrogenDrop       = "nitrogen_drop"
	TypePHDrift            = "ph_drift"
	TypeMoistureDrift      = "moisture_drift"
	TypeTemperatureExtreme = "temperature_extreme"
)

// Detect compares the current snapshot with the earliest reading (oldest
// first) that measured the same metric and returns every triggered rule.
// Metrics the current snapshot did not measure are never flagged.
func Detect(history []models.SensorReading, current models.SensorSnapshot, th Thresholds) []models.Anomaly {
	var out []models.Anomaly

	if start, ok := first(history, current, models.MetricNitrogen); ok {
		if drop := start - current.Nitrogen; drop > th.NitrogenDrop {
			out = append(out, models.Anomaly{
				Type:     TypeNitrogenDrop,
				Metric:   models.MetricNitrogen,
				Severity: models.AnomalyHigh,
				Message:  fmt.Sprintf("Nitrogen dropped %.0f ppm (from %.0f to %.0f)", drop, start, current.Nitrogen),
				Value:    current.Nitrogen,
			})
		}
	}
	if start, ok := first(history, current, models.MetricPH); ok {
		if drift := current.PH - start; math.Abs(drift) > th.PHDrift {
			out = append(out, models.Anomaly{
				Type:     TypePHDrift,
				Metric:   models.MetricPH,
				Severity: models.AnomalyMedium,
				Message:  fmt.Sprintf("pH drifted %+.2f (from %.1f to %.1f)", drift, start, current.PH),
				Value:    current.PH,
			})
		}
	}
	if start, ok := first(history, current, models.MetricMoisture); ok {
		if drift := current.Moisture - start; math.Abs(drift) > th.MoistureDrift {
			out = append(out, models.Anomaly{
				Type:     TypeMoistureDrift,
				Metric:   models.MetricMoisture,
				Severity: models.AnomalyMedium,
				Message:  fmt.Sprintf("Moisture moved %+.1f%% (from %.1f%% to %.1f%%)", drift, start, current.Moisture),
				Value:    current.Moisture,
			})
		}
	}

	if current.Has(models.MetricTemperature) && (current.Temperature < th.TempMin || current.Temperature > th.TempMax) {
		out = append(out, models.Anomaly{
			Type:     TypeTemperatureExtreme,
			Metric:   models.MetricTemperature,
			Severity: models.AnomalyHigh,
			Message:  fmt.Sprintf("Temperature %.1f°C is outside the %.0f-%.0f°C safe range", current.Temperature, th.TempMin, th.TempMax),
			Value:    current.Temperature,
		})
	}
	return out
}

// first returns the oldest measured value of m, provided current measured m
// too.
func first(history []models.SensorReading, current models.SensorSnapshot, m models.Metric) (float64, bool) {
	if !current.Has(m) {
		return 0, false
	}
	for _, r := range history {
		if r.Snapshot.Has(m) {
			return r.Snapshot.Value(m), true
		}
	}
	return 0, false
}
