package processing

import "fmt"

// RollingWindow holds the most recent decimated batches for display. Writes always land
// on a batch boundary and the cursor jumps back to the first slot once the last one has
// been filled, so the window is redrawn whole instead of being read from a tail.
type RollingWindow struct {
	data     []float64
	batchLen int
	sets     int
	start    int
	end      int
	filled   int
}

func NewRollingWindow(batchLen, sets int) *RollingWindow {
	w := &RollingWindow{}
	w.Resize(batchLen, sets)
	return w
}

func (w *RollingWindow) Append(dec []float64) error {
	if len(dec) != w.batchLen {
		return fmt.Errorf("[window] batch of %d points does not fit window of %d x %d", len(dec), w.sets, w.batchLen)
	}

	copy(w.data[w.start:w.end], dec)
	w.start += w.batchLen
	w.end += w.batchLen
	if w.end > len(w.data) {
		w.start = 0
		w.end = w.batchLen
	}
	if w.filled < w.sets {
		w.filled++
	}
	return nil
}

// Values returns a copy of the whole window, oldest slot first in memory order.
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, len(w.data))
	copy(out, w.data)
	return out
}

// Cursor is the index the next batch will be written at.
func (w *RollingWindow) Cursor() int { return w.start }

func (w *RollingWindow) Len() int { return len(w.data) }

func (w *RollingWindow) BatchLength() int { return w.batchLen }

func (w *RollingWindow) Sets() int { return w.sets }

// Filled is the number of slots written since the last reset, capped at Sets.
func (w *RollingWindow) Filled() int { return w.filled }

func (w *RollingWindow) Reset() {
	clear(w.data)
	w.start = 0
	w.end = w.batchLen
	w.filled = 0
}

func (w *RollingWindow) Resize(batchLen, sets int) {
	w.batchLen = batchLen
	w.sets = sets
	w.data = make([]float64, batchLen*sets)
	w.Reset()
}
