package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/adcstream/internal/config"
)

// Processor is the consumer. It owns the rolling window, the filter and the recorder, and
// only ever touches them from Run. Anything else that needs them sends a closure over the
// control channel.
type Processor struct {
	queue      *Queue
	errs       <-chan error
	control    chan func()
	done       chan struct{}
	logger     *zap.Logger
	converter  Converter
	frameStore *FrameStore
	recorder   *Recorder
	channel    int

	// log a batch summary every summaryEvery batches, 0 disables
	summaryEvery int

	cfg           config.PipelineConfig
	generation    uint64
	window        *RollingWindow
	filter        *FilterState
	volts         []float64
	displayPaused bool
	faulted       bool
	lastSeq       uint64
	batches       uint64
	staleDropped  uint64
}

type ProcessorOptions struct {
	Converter    Converter
	FilterAlpha  float64
	RecordDir    string
	Channel      int
	SummaryEvery int
}

func NewProcessor(cfg config.PipelineConfig, queue *Queue, errs <-chan error, frameStore *FrameStore, opts ProcessorOptions, logger *zap.Logger) *Processor {
	return &Processor{
		queue:        queue,
		errs:         errs,
		control:      make(chan func()),
		done:         make(chan struct{}),
		logger:       logger,
		converter:    opts.Converter,
		frameStore:   frameStore,
		recorder:     NewRecorder(opts.RecordDir, logger),
		channel:      opts.Channel,
		summaryEvery: opts.SummaryEvery,
		cfg:          cfg,
		window:       NewRollingWindow(cfg.DecimatedLength(), cfg.WindowBatches),
		filter:       NewFilterState(opts.FilterAlpha),
	}
}

func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.stopRecording("shutdown")

	for {
		select {
		case fn := <-p.control:
			fn()
		case err := <-p.errs:
			p.handleDeviceError(err)
		case <-p.queue.Notify():
			p.drainQueue()
		case <-ctx.Done():
			p.logger.Info("[processor] received shutdown signal", zap.Int("queued", p.queue.Len()))
			return nil
		}
	}
}

// exec runs fn on the processor goroutine and waits for it to finish.
func (p *Processor) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case p.control <- task:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) drainQueue() {
	for {
		batch, ok := p.queue.TryPop()
		if !ok {
			return
		}

		if err := p.ProcessBatch(batch); err != nil {
			p.logger.Warn(
				"[processor] error processing batch",
				zap.Error(err),
				zap.Uint64("seq", batch.Seq),
				zap.Int("batchLength", len(batch.Codes)),
			)
		}
	}
}

// ProcessBatch converts, records and, unless the display is paused, decimates the batch
// into the window and updates the RMS filter. Batches captured under an older device
// configuration are dropped.
func (p *Processor) ProcessBatch(batch RawBatch) error {
	if batch.Generation != p.generation {
		p.staleDropped++
		p.logger.Debug(
			"[processor] dropping batch from previous configuration",
			zap.Uint64("seq", batch.Seq),
			zap.Uint64("batchGeneration", batch.Generation),
			zap.Uint64("generation", p.generation),
		)
		return nil
	}

	p.volts = p.converter.Convert(batch.Codes, p.volts)
	p.lastSeq = batch.Seq
	p.batches++

	if p.recorder.Active() {
		var fileErr *FileError
		if err := p.recorder.Write(p.volts); errors.As(err, &fileErr) {
			p.logger.Warn("[processor] recording ended by file error", zap.Error(err))
		}
	}

	if !p.displayPaused {
		dec, err := Decimate(p.volts, p.cfg.DecimationRatio)
		if err != nil {
			return err
		}
		if err := p.window.Append(dec); err != nil {
			return err
		}
		p.filter.Update(p.volts)
	}

	if p.summaryEvery > 0 && p.batches%uint64(p.summaryEvery) == 0 {
		p.logger.Info(
			"[processor] batch summary",
			zap.Uint64("seq", batch.Seq),
			zap.Float64("meanMv", p.filter.Mean*1e3),
			zap.Float64("stdMv", p.filter.Instant*1e3),
			zap.Float64("rmsMv", p.filter.Filtered*1e3),
		)
	}

	p.publishFrame(batch)
	return nil
}

func (p *Processor) publishFrame(batch RawBatch) {
	recordedSeconds := 0.0
	if p.recorder.Active() {
		recordedSeconds = p.recorder.Session().Seconds()
	}
	timestamp := batch.ReceivedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	p.frameStore.UpdateFrameStore(Frame{
		Seq:             p.lastSeq,
		Generation:      p.generation,
		Timestamp:       timestamp,
		Config:          p.cfg,
		Window:          p.window.data,
		Cursor:          p.window.Cursor(),
		Mean:            p.filter.Mean,
		InstantRMS:      p.filter.Instant,
		FilteredRMS:     p.filter.Filtered,
		Recording:       p.recorder.Active(),
		RecordedSeconds: recordedSeconds,
		DisplayPaused:   p.displayPaused,
		Faulted:         p.faulted,
		Batches:         p.batches,
		StaleDropped:    p.staleDropped,
	})
}

// handleDeviceError first processes whatever the acquirer queued before failing, so batches
// received while recording still reach the file.
func (p *Processor) handleDeviceError(err error) {
	p.drainQueue()
	p.faulted = true
	p.logger.Error("[processor] acquisition faulted", zap.Error(err))
	p.stopRecording("device error")
	p.publishFrame(RawBatch{})
}

// reconfigure moves the consumer onto a new geometry and generation. The window is sized
// afresh and any recording session ends; the filter keeps its value.
func (p *Processor) reconfigure(cfg config.PipelineConfig, generation uint64) {
	p.takePendingError()
	p.faulted = false
	p.stopRecording("reconfiguration")
	p.cfg = cfg
	p.generation = generation
	p.window.Resize(cfg.DecimatedLength(), cfg.WindowBatches)
	p.publishFrame(RawBatch{})
}

// takePendingError handles a failure the acquirer reported before it was parked. Only
// call it while the acquirer is paused.
func (p *Processor) takePendingError() {
	select {
	case err := <-p.errs:
		p.handleDeviceError(err)
	default:
	}
}

// clearFault is run before the acquirer is resumed after a transfer failure.
func (p *Processor) clearFault() {
	p.takePendingError()
	p.faulted = false
	p.publishFrame(RawBatch{})
}

func (p *Processor) stopRecording(reason string) {
	if !p.recorder.Active() {
		return
	}
	if _, err := p.recorder.Stop(reason); err != nil {
		p.logger.Warn("[processor] error closing recording", zap.Error(err), zap.String("reason", reason))
	}
}

func (p *Processor) setRecording(on bool) (Session, error) {
	if on == p.recorder.Active() {
		return p.recorder.Session(), nil
	}
	defer p.publishFrame(RawBatch{})

	if !on {
		return p.recorder.Stop("toggled off")
	}
	if err := p.recorder.Start(p.cfg, p.channel); err != nil {
		return Session{}, fmt.Errorf("[processor] could not start recording: %w", err)
	}
	return p.recorder.Session(), nil
}
