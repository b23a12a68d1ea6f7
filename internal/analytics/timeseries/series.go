// Package timeseries provides pure trend statistics over time-ordered sensor
// samples (oldest first).
//
// Everything here is deterministic and side-effect free. Empty and
// single-sample inputs degrade to neutral outputs (zero slope, stable
// direction, zero change) instead of failing.
package timeseries

import (
	"math"
	"time"

	"github.com/shivangiamit/hackathon/internal/models"
)

// DefaultEpsilon is the slope band treated as stable.
const DefaultEpsilon = 0.01

// Slope returns the ordinary least-squares slope of values against their
// sample index. Fewer than two samples yield 0.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// DirectionOf classifies a slope against a symmetric epsilon band.
// A non-positive epsilon falls back to DefaultEpsilon.
func DirectionOf(slope, epsilon float64) models.Direction {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	switch {
	case slope > epsilon:
		return models.DirectionIncreasing
	case slope < -epsilon:
		return models.DirectionDecreasing
	default:
		return models.DirectionStable
	}
}

// PercentChange returns (end-start)/start*100, or 0 when start is 0.
func PercentChange(start, end float64) float64 {
	if start == 0 {
		return 0
	}
	return (end - start) / start * 100
}

// MovingAverage returns the trailing average of values over window samples.
// Early positions average over the samples seen so far; no look-ahead.
func MovingAverage(values []float64, window int) []float64 {
	if len(values) == 0 {
		return nil
	}
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		size := window
		if i+1 < window {
			size = i + 1
		}
		out[i] = sum / float64(size)
	}
	return out
}

// SeverityOf grades the magnitude of a percent change. Changes under 5% carry
// no severity.
func SeverityOf(percentChange float64) models.TrendSeverity {
	abs := math.Abs(percentChange)
	switch {
	case abs >= 40:
		return models.TrendSevere
	case abs >= 25:
		return models.TrendSignificant
	case abs >= 10:
		return models.TrendModerate
	case abs >= 5:
		return models.TrendMild
	default:
		return ""
	}
}

// Values extracts one metric from a reading history, preserving order.
// Readings that did not measure the metric are skipped.
func Values(readings []models.SensorReading, metric models.Metric) []float64 {
	out := make([]float64, 0, len(readings))
	for _, r := range readings {
		if r.Snapshot.Has(metric) {
			out = append(out, r.Snapshot.Value(metric))
		}
	}
	return out
}

// SamplesPerDay estimates the sampling rate of a reading history from its
// first and last timestamps. Histories spanning less than an hour report one
// sample per day so per-sample slopes are used unchanged.
func SamplesPerDay(readings []models.SensorReading) float64 {
	if len(readings) < 2 {
		return 1
	}
	span := readings[len(readings)-1].RecordedAt.Sub(readings[0].RecordedAt)
	if span < time.Hour {
		return 1
	}
	return float64(len(readings)-1) / (span.Hours() / 24)
}
