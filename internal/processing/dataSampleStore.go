package processing

import (
	"sync"
	"time"

	"sleepywoodpecker/adcstream/internal/config"
)

// The sampler reads from here on its own clock instead of being pushed every frame, so a
// slow publisher never holds up the processor. The price is that a sample can be up to one
// tick stale.

// Frame is what the display side sees after each processed batch.
type Frame struct {
	Seq             uint64
	Generation      uint64
	Timestamp       time.Time
	Config          config.PipelineConfig
	Window          []float64
	Cursor          int
	Mean            float64
	InstantRMS      float64
	FilteredRMS     float64
	Recording       bool
	RecordedSeconds float64
	DisplayPaused   bool
	Faulted         bool
	Batches         uint64
	StaleDropped    uint64
}

type FrameStore struct {
	frame      Frame
	frameMutex sync.Mutex
}

func NewFrameStore() *FrameStore {
	return &FrameStore{}
}

// UpdateFrameStore stores f, copying its window into storage owned by the store.
func (d *FrameStore) UpdateFrameStore(f Frame) {
	d.frameMutex.Lock()
	defer d.frameMutex.Unlock()

	window := d.frame.Window
	if cap(window) < len(f.Window) {
		window = make([]float64, len(f.Window))
	}
	window = window[:len(f.Window)]
	copy(window, f.Window)

	d.frame = f
	d.frame.Window = window
}

// GetFrameFromStore returns the latest frame with its own copy of the window.
func (d *FrameStore) GetFrameFromStore() Frame {
	d.frameMutex.Lock()
	defer d.frameMutex.Unlock()

	f := d.frame
	f.Window = append([]float64(nil), d.frame.Window...)
	return f
}
