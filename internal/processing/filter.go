package processing

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const DefaultFilterAlpha = 0.1

// FilterState is a first order low pass over the per batch population standard
// deviation. It is display only and starts from zero.
type FilterState struct {
	Alpha    float64
	Filtered float64
	Instant  float64
	Mean     float64
}

func NewFilterState(alpha float64) *FilterState {
	return &FilterState{Alpha: alpha}
}

func (f *FilterState) Update(batch []float64) float64 {
	if len(batch) == 0 {
		return f.Filtered
	}

	mean, variance := stat.PopMeanVariance(batch, nil)
	// rounding can leave a constant batch with a variance just below zero
	f.Mean = mean
	f.Instant = math.Sqrt(math.Max(variance, 0))
	f.Filtered = (1.0-f.Alpha)*f.Filtered + f.Alpha*f.Instant
	return f.Filtered
}
