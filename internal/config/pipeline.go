package config

import (
	"fmt"
	"math"
)

const (
	MinSampleRate = 1
	MaxSampleRate = 19200 // AD7124 output data rate ceiling

	MaxDecimationRatio = 1000
	MaxWindowBatches   = 100

	// tolerance when deciding whether rate*duration is a whole number of samples
	batchLengthEpsilon = 1e-6
)

// PipelineConfig is the set of parameters that can be changed while acquisition runs.
// The four fields are validated together because the batch length depends on both the
// rate and the duration, and the decimation ratio must divide that length.
type PipelineConfig struct {
	SampleRate      int
	BatchDuration   float64 // seconds
	DecimationRatio int
	WindowBatches   int
}

// ConfigError reports a rejected configuration field.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("[config] invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// BatchLength returns the number of samples in one device transfer.
func (c PipelineConfig) BatchLength() (int, error) {
	if c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate {
		return 0, &ConfigError{
			Field:  "sample_rate",
			Value:  c.SampleRate,
			Reason: fmt.Sprintf("must be within [%d, %d]", MinSampleRate, MaxSampleRate),
		}
	}
	if !(c.BatchDuration > 0) || math.IsInf(c.BatchDuration, 0) {
		return 0, &ConfigError{Field: "batch_duration", Value: c.BatchDuration, Reason: "must be positive"}
	}

	n := float64(c.SampleRate) * c.BatchDuration
	rounded := math.Round(n)
	if math.Abs(n-rounded) > batchLengthEpsilon || rounded < 1 {
		return 0, &ConfigError{
			Field:  "batch_duration",
			Value:  c.BatchDuration,
			Reason: fmt.Sprintf("sample_rate*batch_duration=%g is not a positive whole number of samples", n),
		}
	}
	return int(rounded), nil
}

// DecimatedLength is the length of one decimated batch. Only meaningful on a valid config.
func (c PipelineConfig) DecimatedLength() int {
	n, err := c.BatchLength()
	if err != nil || c.DecimationRatio < 1 {
		return 0
	}
	return n / c.DecimationRatio
}

// WindowLength is the number of points held by the rolling display window.
func (c PipelineConfig) WindowLength() int {
	return c.DecimatedLength() * c.WindowBatches
}

func (c PipelineConfig) Validate() error {
	n, err := c.BatchLength()
	if err != nil {
		return err
	}
	if err := checkRatio(n, c.DecimationRatio); err != nil {
		return err
	}
	return checkWindowBatches(c.WindowBatches)
}

func checkRatio(batchLength, ratio int) error {
	if ratio < 1 || ratio > MaxDecimationRatio {
		return &ConfigError{
			Field:  "decimation_ratio",
			Value:  ratio,
			Reason: fmt.Sprintf("must be within [1, %d]", MaxDecimationRatio),
		}
	}
	if batchLength%ratio != 0 {
		return &ConfigError{
			Field:  "decimation_ratio",
			Value:  ratio,
			Reason: fmt.Sprintf("does not evenly divide batch length %d", batchLength),
		}
	}
	return nil
}

func checkWindowBatches(n int) error {
	if n < 1 || n > MaxWindowBatches {
		return &ConfigError{
			Field:  "window_batches",
			Value:  n,
			Reason: fmt.Sprintf("must be within [1, %d]", MaxWindowBatches),
		}
	}
	return nil
}

// Resolution is the outcome of resolving a requested config against the running one.
type Resolution struct {
	Config PipelineConfig
	// Rejected lists the requested values that were reverted to the running value.
	Rejected []*ConfigError
}

// Resolve validates req as a unit. A decimation ratio or window batch count that is
// invalid for the requested geometry is reverted to the running value when that value is
// still valid, and reported in Rejected. Any other problem returns an error and nothing
// from req should be applied.
func Resolve(current, req PipelineConfig) (Resolution, error) {
	res := Resolution{Config: req}

	n, err := req.BatchLength()
	if err != nil {
		return Resolution{Config: current}, err
	}

	if err := checkRatio(n, req.DecimationRatio); err != nil {
		if checkRatio(n, current.DecimationRatio) != nil {
			return Resolution{Config: current}, fmt.Errorf("%w (running ratio %d does not fit either)", err, current.DecimationRatio)
		}
		res.Config.DecimationRatio = current.DecimationRatio
		res.Rejected = append(res.Rejected, err.(*ConfigError))
	}

	if err := checkWindowBatches(req.WindowBatches); err != nil {
		if checkWindowBatches(current.WindowBatches) != nil {
			return Resolution{Config: current}, err
		}
		res.Config.WindowBatches = current.WindowBatches
		res.Rejected = append(res.Rejected, err.(*ConfigError))
	}

	return res, nil
}
