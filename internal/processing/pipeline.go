package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/adcstream/internal/config"
)

type Options struct {
	Channel      int
	Converter    Converter
	FilterAlpha  float64
	RecordDir    string
	SummaryEvery int
}

// Health is the producer side status for display and telemetry.
type Health struct {
	State      State
	Faulted    bool
	LastError  error
	Queued     int
	Seq        uint64
	Generation uint64
}

func (h Health) String() string {
	if h.Faulted && h.State != Stopped {
		return "faulted"
	}
	return h.State.String()
}

// Pipeline wires the acquirer to the processor through the queue and coordinates live
// reconfiguration between them.
type Pipeline struct {
	queue      *Queue
	acquirer   *Acquirer
	processor  *Processor
	frameStore *FrameStore
	logger     *zap.Logger
	opts       Options

	applyMu sync.Mutex
	cfg     config.PipelineConfig
	started chan struct{}
}

func NewPipeline(dev Device, cfg config.PipelineConfig, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Converter.FullScaleCodes == 0 {
		opts.Converter = DefaultConverter()
	}
	if opts.FilterAlpha == 0 {
		opts.FilterAlpha = DefaultFilterAlpha
	}

	queue := NewQueue()
	acquirer := NewAcquirer(dev, queue, logger)
	frameStore := NewFrameStore()
	processor := NewProcessor(cfg, queue, acquirer.Errors(), frameStore, ProcessorOptions{
		Converter:    opts.Converter,
		FilterAlpha:  opts.FilterAlpha,
		RecordDir:    opts.RecordDir,
		Channel:      opts.Channel,
		SummaryEvery: opts.SummaryEvery,
	}, logger)

	return &Pipeline{
		queue:      queue,
		acquirer:   acquirer,
		processor:  processor,
		frameStore: frameStore,
		logger:     logger,
		opts:       opts,
		cfg:        cfg,
		started:    make(chan struct{}),
	}, nil
}

// Run configures the device, starts acquisition and blocks until ctx is done or the device
// cannot be configured at all. The device is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.acquirer.Run(gctx)
	})
	g.Go(func() error {
		return p.processor.Run(gctx)
	})

	if err := p.start(gctx); err != nil {
		cancel()
		return multierr.Append(err, g.Wait())
	}
	close(p.started)

	return g.Wait()
}

func (p *Pipeline) start(ctx context.Context) error {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	n, _ := p.cfg.BatchLength()
	generation, err := p.acquirer.Reconfigure(p.cfg.SampleRate, n, p.opts.Channel)
	if err != nil {
		return fmt.Errorf("[pipeline] initial device configuration failed: %w", err)
	}
	if err := p.resetProcessor(ctx, p.cfg, generation); err != nil {
		return err
	}
	return p.acquirer.Resume()
}

// Started is closed once the device is configured and acquisition is running.
func (p *Pipeline) Started() <-chan struct{} {
	return p.started
}

// Apply switches the pipeline to req. The acquirer is paused and its in-flight transfer
// waited for, the queue is drained, req is resolved against the running configuration,
// the device is reconfigured, and the processor moves to the new geometry before the
// acquirer resumes. An invalid decimation ratio or window size is reverted to the running
// value and reported in the returned Resolution. On error the running configuration is
// still in effect, put back on the device and processor if they had already moved.
func (p *Pipeline) Apply(ctx context.Context, req config.PipelineConfig) (config.Resolution, error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	current := config.Resolution{Config: p.cfg}

	if err := p.acquirer.Pause(ctx); err != nil {
		if !errors.Is(err, ErrStopped) {
			p.resume()
		}
		return current, err
	}

	if dropped := p.queue.DrainAll(); dropped > 0 {
		p.logger.Info("[pipeline] drained stale batches", zap.Int("dropped", dropped))
	}

	res, err := config.Resolve(p.cfg, req)
	if err != nil {
		p.logger.Warn("[pipeline] rejected configuration", zap.Error(err))
		p.resume()
		return current, err
	}
	for _, rejected := range res.Rejected {
		p.logger.Warn("[pipeline] kept running value for rejected field", zap.Error(rejected))
	}

	n, _ := res.Config.BatchLength()
	generation, err := p.acquirer.Reconfigure(res.Config.SampleRate, n, p.opts.Channel)
	if err != nil {
		return current, p.restore(ctx, err)
	}

	if err := p.resetProcessor(ctx, res.Config, generation); err != nil {
		return current, p.restore(ctx, err)
	}
	p.cfg = res.Config
	p.resume()

	p.logger.Info(
		"[pipeline] configuration applied",
		zap.Int("sampleRate", res.Config.SampleRate),
		zap.Float64("batchDuration", res.Config.BatchDuration),
		zap.Int("decimationRatio", res.Config.DecimationRatio),
		zap.Int("windowBatches", res.Config.WindowBatches),
		zap.Uint64("generation", generation),
	)
	return res, nil
}

// restore puts the running configuration back on the device and the processor after a
// failed reconfiguration. It still completes when ctx is already cancelled. If the device
// refuses the old configuration too the acquirer stays paused.
func (p *Pipeline) restore(ctx context.Context, cause error) error {
	p.logger.Error("[pipeline] could not apply new configuration, restoring", zap.Error(cause))
	ctx = context.WithoutCancel(ctx)

	n, _ := p.cfg.BatchLength()
	generation, err := p.acquirer.Reconfigure(p.cfg.SampleRate, n, p.opts.Channel)
	if err != nil {
		p.logger.Error("[pipeline] could not restore device configuration, acquisition stays paused", zap.Error(err))
		return multierr.Append(cause, err)
	}
	if err := p.resetProcessor(ctx, p.cfg, generation); err != nil {
		return multierr.Append(cause, err)
	}
	p.resume()
	return cause
}

func (p *Pipeline) resetProcessor(ctx context.Context, cfg config.PipelineConfig, generation uint64) error {
	return p.processor.exec(ctx, func() {
		p.processor.reconfigure(cfg, generation)
	})
}

func (p *Pipeline) resume() {
	if err := p.acquirer.Resume(); err != nil && !errors.Is(err, ErrStopped) {
		p.logger.Warn("[pipeline] could not resume acquisition", zap.Error(err))
	}
}

// Resume restarts acquisition after a transfer failure. The fault is cleared on the
// processor before the acquirer runs again.
func (p *Pipeline) Resume() error {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	if p.acquirer.State() == Running {
		return nil
	}
	if err := p.processor.exec(context.Background(), p.processor.clearFault); err != nil {
		return err
	}
	return p.acquirer.Resume()
}

// Stop ends acquisition after the current transfer. Run returns once ctx is cancelled.
func (p *Pipeline) Stop() {
	p.acquirer.Stop()
}

func (p *Pipeline) Config() config.PipelineConfig {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	return p.cfg
}

func (p *Pipeline) Health() Health {
	lastErr := p.acquirer.LastError()
	return Health{
		State:      p.acquirer.State(),
		Faulted:    lastErr != nil,
		LastError:  lastErr,
		Queued:     p.queue.Len(),
		Seq:        p.acquirer.Seq(),
		Generation: p.acquirer.Generation(),
	}
}

func (p *Pipeline) Frames() *FrameStore {
	return p.frameStore
}

func (p *Pipeline) SetRecording(ctx context.Context, on bool) (Session, error) {
	var (
		session Session
		err     error
	)
	if execErr := p.processor.exec(ctx, func() {
		session, err = p.processor.setRecording(on)
	}); execErr != nil {
		return Session{}, execErr
	}
	return session, err
}

// ToggleRecording flips the recorder and reports whether it is now recording.
func (p *Pipeline) ToggleRecording(ctx context.Context) (bool, Session, error) {
	var (
		active  bool
		session Session
		err     error
	)
	if execErr := p.processor.exec(ctx, func() {
		session, err = p.processor.setRecording(!p.processor.recorder.Active())
		active = p.processor.recorder.Active()
	}); execErr != nil {
		return false, Session{}, execErr
	}
	return active, session, err
}

// ToggleDisplayPause freezes or unfreezes the window and RMS filter. Recording is not
// affected.
func (p *Pipeline) ToggleDisplayPause(ctx context.Context) (bool, error) {
	var paused bool
	err := p.processor.exec(ctx, func() {
		p.processor.displayPaused = !p.processor.displayPaused
		paused = p.processor.displayPaused
		p.processor.publishFrame(RawBatch{})
	})
	return paused, err
}

// ResetWindow clears the window and its cursor without touching the device.
func (p *Pipeline) ResetWindow(ctx context.Context) error {
	return p.processor.exec(ctx, func() {
		p.processor.window.Reset()
		p.processor.publishFrame(RawBatch{})
	})
}
