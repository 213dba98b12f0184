package processing

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"sleepywoodpecker/adcstream/internal/config"
)

// Decimate averages each contiguous run of ratio samples. The batch is never truncated:
// a ratio that does not divide its length is an error.
func Decimate(batch []float64, ratio int) ([]float64, error) {
	if ratio < 1 {
		return nil, &config.ConfigError{Field: "decimation_ratio", Value: ratio, Reason: "must be at least 1"}
	}
	if len(batch)%ratio != 0 {
		return nil, &config.ConfigError{
			Field:  "decimation_ratio",
			Value:  ratio,
			Reason: fmt.Sprintf("does not evenly divide batch length %d", len(batch)),
		}
	}

	out := make([]float64, len(batch)/ratio)
	if ratio == 1 {
		copy(out, batch)
		return out, nil
	}

	for i := range out {
		out[i] = stat.Mean(batch[i*ratio:(i+1)*ratio], nil)
	}
	return out, nil
}
