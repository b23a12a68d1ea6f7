package timeseries

import (
	"math"

	"github.com/shivangiamit/hackathon/internal/models"
)

// Analyzer builds TrendRecords from reading histories.
type Analyzer struct {
	// Epsilon is the slope band treated as stable.
	Epsilon float64
}

// NewAnalyzer returns an Analyzer using epsilon, or DefaultEpsilon when
// epsilon is not positive.
func NewAnalyzer(epsilon float64) *Analyzer {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Analyzer{Epsilon: epsilon}
}

// Trend summarises one metric over readings (oldest first). When the history
// is empty, current is used as both start and end so the record is neutral.
func (a *Analyzer) Trend(readings []models.SensorReading, metric models.Metric, current float64, windowDays int) models.TrendRecord {
	values := Values(readings, metric)

	start, end := current, current
	if len(values) > 0 {
		start = values[0]
		end = values[len(values)-1]
	}

	slope := Slope(values)
	pct := PercentChange(start, end)
	return models.TrendRecord{
		Metric:        metric,
		Current:       end,
		Start:         start,
		Change:        round2(end - start),
		PercentChange: round2(pct),
		Slope:         slope,
		Direction:     DirectionOf(slope, a.Epsilon),
		Severity:      SeverityOf(pct),
		WindowDays:    windowDays,
		Samples:       len(values),
	}
}

// Trends builds a record for every metric in metrics that was measured,
// either by current or somewhere in readings.
func (a *Analyzer) Trends(readings []models.SensorReading, metrics []models.Metric, current models.SensorSnapshot, windowDays int) map[models.Metric]models.TrendRecord {
	out := make(map[models.Metric]models.TrendRecord, len(metrics))
	for _, m := range metrics {
		if !current.Has(m) && len(Values(readings, m)) == 0 {
			continue
		}
		out[m] = a.Trend(readings, m, current.Value(m), windowDays)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
