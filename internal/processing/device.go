package processing

import (
	"fmt"
	"time"
)

// Device is one configured ADC channel. Receive blocks until a whole batch has been
// transferred or the transport times out. A Device is only ever used from one goroutine
// at a time: the acquirer between transfers, the coordinator while the acquirer is parked.
type Device interface {
	Configure(sampleRate, batchLength, channel int) error
	Receive() ([]uint32, error)
	Close() error
}

// RawBatch is one device transfer. Codes is never written after the batch is queued.
type RawBatch struct {
	Seq        uint64
	Generation uint64
	Codes      []uint32
	ReceivedAt time.Time
}

// IOError is a failed transfer in the middle of a stream. Seq is the sequence number of
// the last batch that made it through.
type IOError struct {
	Seq uint64
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("[acquirer] receive failed after batch %d: %v", e.Seq, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
