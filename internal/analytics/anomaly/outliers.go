// Package anomaly flags unusual sensor values.
//
// Two families of checks live here:
//   - Statistical: the classic IQR fence rule over a sample series.
//   - Domain rules: moisture urgency, pH diagnosis and fixed-threshold
//     anomalies (nitrogen drop, pH drift, moisture drift, temperature range).
//
// All functions are pure and tolerate empty input.
package anomaly

import (
	"math"
	"sort"
)

// MinOutlierSamples is the smallest series the IQR rule is applied to.
const MinOutlierSamples = 4

// Baseline captures the distribution statistics of a series.
type Baseline struct {
	Mean   float64
	StdDev float64
	Q1     float64
	Q3     float64
	IQR    float64
}

// ComputeBaseline returns distribution statistics for values.
func ComputeBaseline(values []float64) Baseline {
	if len(values) == 0 {
		return Baseline{}
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := quartile(sorted, 25)
	q3 := quartile(sorted, 75)
	return Baseline{
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Q1:     q1,
		Q3:     q3,
		IQR:    q3 - q1,
	}
}

// quartile returns the p-th percentile of sorted using linear interpolation.
func quartile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi || hi >= len(sorted) {
		return sorted[lo]
	}
	w := rank - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

// Outlier is a flagged sample.
type Outlier struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// Outliers returns the samples outside [Q1-1.5·IQR, Q3+1.5·IQR] in input
// order. Series shorter than MinOutlierSamples return nil.
func Outliers(values []float64) []Outlier {
	if len(values) < MinOutlierSamples {
		return nil
	}
	b := ComputeBaseline(values)
	lower := b.Q1 - 1.5*b.IQR
	upper := b.Q3 + 1.5*b.IQR

	var out []Outlier
	for i, v := range values {
		if v < lower || v > upper {
			out = append(out, Outlier{Index: i, Value: v})
		}
	}
	return out
}
