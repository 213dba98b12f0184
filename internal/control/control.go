package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sleepywoodpecker/adcstream/internal/config"
	"sleepywoodpecker/adcstream/internal/processing"
)

type Kind int

const (
	Record Kind = iota + 1
	Pause
	Reset
	Apply
	Resume
	Status
	Quit
)

var ErrQuit = errors.New("[control] quit requested")

// Command is one parsed control line.
type Command struct {
	Kind Kind
	// nil toggles
	Recording *bool
	// zero fields keep the running value
	Changes config.PipelineConfig
}

// Controller is what commands act on; *processing.Pipeline implements it.
type Controller interface {
	Apply(ctx context.Context, req config.PipelineConfig) (config.Resolution, error)
	Config() config.PipelineConfig
	SetRecording(ctx context.Context, on bool) (processing.Session, error)
	ToggleRecording(ctx context.Context) (bool, processing.Session, error)
	ToggleDisplayPause(ctx context.Context) (bool, error)
	ResetWindow(ctx context.Context) error
	Resume() error
	Health() processing.Health
	Frames() *processing.FrameStore
}

// Parse reads commands such as
//
//	record [on|off]
//	apply rate=10000 dur=1.0 avg=10 seg=5
//
// Single letter aliases are accepted for record, pause, status and quit.
func Parse(line string) (Command, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Command{}, errors.New("[control] empty command")
	}

	var cmd Command
	switch fields[0] {
	case "record", "rec", "r":
		cmd.Kind = Record
		if len(fields) > 1 {
			on, err := parseOnOff(fields[1])
			if err != nil {
				return Command{}, err
			}
			cmd.Recording = &on
		}
	case "pause", "p":
		cmd.Kind = Pause
	case "reset":
		cmd.Kind = Reset
	case "resume":
		cmd.Kind = Resume
	case "status", "s":
		cmd.Kind = Status
	case "quit", "exit", "q":
		cmd.Kind = Quit
	case "apply", "a":
		cmd.Kind = Apply
		if len(fields) == 1 {
			return Command{}, errors.New("[control] apply needs at least one of rate= dur= avg= seg=")
		}
		for _, kv := range fields[1:] {
			if err := parseChange(&cmd.Changes, kv); err != nil {
				return Command{}, err
			}
		}
	default:
		return Command{}, fmt.Errorf("[control] unknown command %q", fields[0])
	}
	return cmd, nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "start", "1", "true":
		return true, nil
	case "off", "stop", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("[control] expected on or off, got %q", s)
}

func parseChange(changes *config.PipelineConfig, kv string) error {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return fmt.Errorf("[control] %q is not key=value", kv)
	}

	var err error
	switch key {
	case "rate", "sample_rate":
		changes.SampleRate, err = strconv.Atoi(value)
	case "dur", "batch_duration":
		changes.BatchDuration, err = strconv.ParseFloat(value, 64)
	case "avg", "decimation_ratio":
		changes.DecimationRatio, err = strconv.Atoi(value)
	case "seg", "window_batches":
		changes.WindowBatches, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("[control] unknown setting %q", key)
	}
	if err != nil {
		return fmt.Errorf("[control] bad value for %s: %w", key, err)
	}
	return nil
}

// Merge fills the unset fields of changes from current.
func Merge(current, changes config.PipelineConfig) config.PipelineConfig {
	out := current
	if changes.SampleRate != 0 {
		out.SampleRate = changes.SampleRate
	}
	if changes.BatchDuration != 0 {
		out.BatchDuration = changes.BatchDuration
	}
	if changes.DecimationRatio != 0 {
		out.DecimationRatio = changes.DecimationRatio
	}
	if changes.WindowBatches != 0 {
		out.WindowBatches = changes.WindowBatches
	}
	return out
}

// Execute runs cmd and returns a one line reply for the operator.
func Execute(ctx context.Context, c Controller, cmd Command) (string, error) {
	switch cmd.Kind {
	case Record:
		var (
			active  bool
			session processing.Session
			err     error
		)
		if cmd.Recording != nil {
			active = *cmd.Recording
			session, err = c.SetRecording(ctx, active)
		} else {
			active, session, err = c.ToggleRecording(ctx)
		}
		if err != nil {
			return "", err
		}
		if active {
			return "recording to " + session.Path, nil
		}
		return fmt.Sprintf("recording stopped, %d points in %s", session.Points, session.Path), nil

	case Pause:
		paused, err := c.ToggleDisplayPause(ctx)
		if err != nil {
			return "", err
		}
		if paused {
			return "display paused", nil
		}
		return "display resumed", nil

	case Reset:
		if err := c.ResetWindow(ctx); err != nil {
			return "", err
		}
		return "window reset", nil

	case Apply:
		res, err := c.Apply(ctx, Merge(c.Config(), cmd.Changes))
		if err != nil {
			return "", err
		}
		reply := "applied " + describe(res.Config)
		for _, rejected := range res.Rejected {
			reply += fmt.Sprintf("; kept %s, rejected %v (%s)", rejected.Field, rejected.Value, rejected.Reason)
		}
		return reply, nil

	case Resume:
		if err := c.Resume(); err != nil {
			return "", err
		}
		return "acquisition resumed", nil

	case Status:
		return Describe(c.Health(), c.Frames().GetFrameFromStore()), nil

	case Quit:
		return "bye", ErrQuit
	}
	return "", fmt.Errorf("[control] unhandled command kind %d", cmd.Kind)
}

func describe(cfg config.PipelineConfig) string {
	return fmt.Sprintf("%d sps, %gs batches, R=%d, %d batch window", cfg.SampleRate, cfg.BatchDuration, cfg.DecimationRatio, cfg.WindowBatches)
}

// Describe is the status line shown on request and in the periodic console summary.
func Describe(h processing.Health, f processing.Frame) string {
	status := fmt.Sprintf("%s | %s | %.6f V | %.3f mV RMS", h, describe(f.Config), f.Mean, f.FilteredRMS*1e3)
	if f.Recording {
		status += fmt.Sprintf(" | Rec:%.1fs", f.RecordedSeconds)
	}
	if f.DisplayPaused {
		status += " | display paused"
	}
	if h.LastError != nil {
		status += " | " + h.LastError.Error()
	}
	return status
}

// RunConsole executes one command per input line until r is exhausted or quit is
// entered, in which case it returns ErrQuit.
func RunConsole(ctx context.Context, r io.Reader, w io.Writer, c Controller, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, err := Handle(ctx, c, line)
		if errors.Is(err, ErrQuit) {
			fmt.Fprintln(w, reply)
			return err
		}
		if err != nil {
			logger.Warn("[control] command failed", zap.Error(err), zap.String("command", line))
			fmt.Fprintln(w, "error:", err)
			continue
		}
		fmt.Fprintln(w, reply)

		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

// Handle parses and executes a single line.
func Handle(ctx context.Context, c Controller, line string) (string, error) {
	cmd, err := Parse(line)
	if err != nil {
		return "", err
	}
	return Execute(ctx, c, cmd)
}
