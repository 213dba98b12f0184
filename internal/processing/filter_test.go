package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterConvergesMonotonically(t *testing.T) {
	const s = 0.002
	batch := make([]float64, 1000)
	for i := range batch {
		if i%2 == 0 {
			batch[i] = 0.64 + s
		} else {
			batch[i] = 0.64 - s
		}
	}

	f := NewFilterState(DefaultFilterAlpha)
	prev := f.Filtered
	for i := 0; i < 150; i++ {
		got := f.Update(batch)
		assert.Greater(t, got, prev, "update %d", i)
		assert.LessOrEqual(t, got, s+1e-12, "update %d", i)
		prev = got
	}

	assert.InDelta(t, s, f.Instant, 1e-12)
	assert.InDelta(t, 0.64, f.Mean, 1e-12)
	assert.InDelta(t, s, f.Filtered, 1e-8)
}

func TestFilterConstantInputStaysAtZero(t *testing.T) {
	f := NewFilterState(DefaultFilterAlpha)
	for i := 0; i < 10; i++ {
		f.Update(filled(100, 0.64))
	}
	assert.InDelta(t, 0, f.Filtered, 1e-12)
}

func TestFilterIgnoresEmptyBatch(t *testing.T) {
	f := NewFilterState(0.5)
	f.Update([]float64{1, 3})
	assert.Equal(t, 0.5, f.Filtered)

	assert.Equal(t, 0.5, f.Update(nil))
}
