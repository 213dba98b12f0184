package processing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher ships frame snapshots somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, f Frame) error
	Name() string
}

type sampler struct {
	samplingFrequency time.Duration
	storeToSampleFrom *FrameStore
	publishers        []Publisher
	logger            *zap.Logger
	lastSeq           uint64
	lastRecording     bool
}

func NewSampler(samplingFrequency time.Duration, store *FrameStore, publishers []Publisher, logger *zap.Logger) *sampler {
	return &sampler{
		samplingFrequency: samplingFrequency,
		storeToSampleFrom: store,
		publishers:        publishers,
		logger:            logger,
	}
}

// SampleAndPublish sends the latest frame to every publisher. A frame that has already
// been sent is skipped unless the recording state flipped in the meantime. It reports
// whether anything was sent.
func (s *sampler) SampleAndPublish(ctx context.Context) bool {
	frame := s.storeToSampleFrom.GetFrameFromStore()
	if frame.Seq == 0 || (frame.Seq == s.lastSeq && frame.Recording == s.lastRecording) {
		return false
	}
	s.lastSeq = frame.Seq
	s.lastRecording = frame.Recording

	for _, p := range s.publishers {
		if err := p.Publish(ctx, frame); err != nil {
			s.logger.Warn("[sampler] error publishing frame", zap.Error(err), zap.String("publisher", p.Name()))
		} else {
			s.logger.Debug(
				"[sampler] published frame",
				zap.String("publisher", p.Name()),
				zap.Uint64("seq", frame.Seq),
				zap.Float64("rmsMv", frame.FilteredRMS*1e3),
			)
		}
	}
	return true
}

func (s *sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.samplingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[sampler] received shutdown signal")
			return nil
		case <-ticker.C:
			s.SampleAndPublish(ctx)
		}
	}
}
