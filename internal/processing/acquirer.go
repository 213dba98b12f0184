package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int32

const (
	Stopped State = iota
	Paused
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Running:
		return "running"
	}
	return "unknown"
}

var (
	ErrStopped   = errors.New("[acquirer] stopped")
	ErrNotPaused = errors.New("[acquirer] device can only be configured while paused")
)

// Acquirer is the producer. It owns the device and pushes one RawBatch per successful
// transfer. State changes go through mu and are broadcast on cond; receiving is true for
// exactly as long as a transfer is in flight, which is what Pause waits on.
type Acquirer struct {
	dev    Device
	queue  *Queue
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	receiving  bool
	seq        uint64
	generation uint64
	lastErr    error

	errs chan error
}

// NewAcquirer returns a paused acquirer. Nothing is received until the device has been
// configured and Resume is called.
func NewAcquirer(dev Device, queue *Queue, logger *zap.Logger) *Acquirer {
	a := &Acquirer{
		dev:    dev,
		queue:  queue,
		logger: logger,
		now:    time.Now,
		state:  Paused,
		errs:   make(chan error, 1),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Run loops until Stop is called or ctx is done, then closes the device. Cancellation is
// only observed between transfers.
func (a *Acquirer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, a.Stop)
	defer stop()

	for {
		a.mu.Lock()
		for a.state == Paused {
			a.cond.Wait()
		}
		if a.state == Stopped {
			a.mu.Unlock()
			break
		}
		a.receiving = true
		generation := a.generation
		a.mu.Unlock()

		codes, err := a.dev.Receive()

		a.mu.Lock()
		a.receiving = false
		if err != nil {
			a.fail(err)
			a.mu.Unlock()
			continue
		}

		a.seq++
		a.lastErr = nil
		// pushed under mu so that a returned Pause means nothing more will be queued
		a.queue.Push(RawBatch{
			Seq:        a.seq,
			Generation: generation,
			Codes:      codes,
			ReceivedAt: a.now(),
		})
		a.cond.Broadcast()
		a.mu.Unlock()
	}

	a.logger.Info("[acquirer] exiting acquisition loop", zap.Uint64("batches", a.Seq()))
	if err := a.dev.Close(); err != nil {
		a.logger.Warn("[acquirer] error closing device", zap.Error(err))
		return err
	}
	return nil
}

// fail parks the loop after a broken transfer. Called with mu held.
func (a *Acquirer) fail(err error) {
	ioErr := &IOError{Seq: a.seq, Err: err}
	a.lastErr = ioErr
	if a.state == Stopped {
		a.cond.Broadcast()
		return
	}

	a.state = Paused
	a.cond.Broadcast()
	a.logger.Error("[acquirer] transfer failed, pausing", zap.Error(err), zap.Uint64("lastSeq", a.seq))

	select {
	case a.errs <- ioErr:
	default:
		// an earlier failure has not been picked up yet
	}
}

// Pause stops the loop after the current transfer and waits until that transfer has been
// queued. It returns early only if ctx is done, in which case the state is still Paused.
func (a *Acquirer) Pause(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Stopped {
		return ErrStopped
	}
	a.state = Paused
	a.cond.Broadcast()

	wake := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer wake()

	for a.receiving {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
	return nil
}

func (a *Acquirer) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Stopped {
		return ErrStopped
	}
	a.state = Running
	a.cond.Broadcast()
	return nil
}

func (a *Acquirer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = Stopped
	a.cond.Broadcast()
}

// Reconfigure pushes new acquisition parameters to the device. The acquirer must be
// paused with no transfer in flight. Every successful call starts a new generation.
func (a *Acquirer) Reconfigure(sampleRate, batchLength, channel int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Stopped {
		return a.generation, ErrStopped
	}
	if a.state == Running || a.receiving {
		return a.generation, ErrNotPaused
	}

	if err := a.dev.Configure(sampleRate, batchLength, channel); err != nil {
		return a.generation, err
	}
	a.generation++

	a.logger.Info(
		"[acquirer] device configured",
		zap.Int("sampleRate", sampleRate),
		zap.Int("batchLength", batchLength),
		zap.Int("channel", channel),
		zap.Uint64("generation", a.generation),
	)
	return a.generation, nil
}

func (a *Acquirer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

func (a *Acquirer) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.seq
}

func (a *Acquirer) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.generation
}

// LastError is the most recent transfer failure, cleared by the next successful one.
func (a *Acquirer) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastErr
}

// Errors delivers transfer failures to the processor. At most one is buffered.
func (a *Acquirer) Errors() <-chan error {
	return a.errs
}
