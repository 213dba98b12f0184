package control

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/adcstream/internal/config"
	"sleepywoodpecker/adcstream/internal/processing"
)

type fakeController struct {
	cfg       config.PipelineConfig
	applied   []config.PipelineConfig
	applyErr  error
	recording bool
	paused    bool
	resets    int
	resumes   int
	frames    *processing.FrameStore
}

func newFakeController() *fakeController {
	return &fakeController{
		cfg:    config.PipelineConfig{SampleRate: 10000, BatchDuration: 1, DecimationRatio: 10, WindowBatches: 5},
		frames: processing.NewFrameStore(),
	}
}

func (f *fakeController) Apply(_ context.Context, req config.PipelineConfig) (config.Resolution, error) {
	f.applied = append(f.applied, req)
	if f.applyErr != nil {
		return config.Resolution{Config: f.cfg}, f.applyErr
	}
	res, err := config.Resolve(f.cfg, req)
	if err == nil {
		f.cfg = res.Config
	}
	return res, err
}

func (f *fakeController) Config() config.PipelineConfig { return f.cfg }

func (f *fakeController) SetRecording(_ context.Context, on bool) (processing.Session, error) {
	f.recording = on
	return processing.Session{Path: "/tmp/x_log.csv", Points: 20000}, nil
}

func (f *fakeController) ToggleRecording(ctx context.Context) (bool, processing.Session, error) {
	s, err := f.SetRecording(ctx, !f.recording)
	return f.recording, s, err
}

func (f *fakeController) ToggleDisplayPause(context.Context) (bool, error) {
	f.paused = !f.paused
	return f.paused, nil
}

func (f *fakeController) ResetWindow(context.Context) error {
	f.resets++
	return nil
}

func (f *fakeController) Resume() error {
	f.resumes++
	return nil
}

func (f *fakeController) Health() processing.Health {
	return processing.Health{State: processing.Running}
}

func (f *fakeController) Frames() *processing.FrameStore { return f.frames }

func TestParse(t *testing.T) {
	on, off := true, false
	tests := []struct {
		line string
		want Command
	}{
		{"r", Command{Kind: Record}},
		{"Record ON", Command{Kind: Record, Recording: &on}},
		{"record off", Command{Kind: Record, Recording: &off}},
		{"p", Command{Kind: Pause}},
		{"reset", Command{Kind: Reset}},
		{"resume", Command{Kind: Resume}},
		{"  status ", Command{Kind: Status}},
		{"q", Command{Kind: Quit}},
		{"apply rate=2000 dur=0.5", Command{Kind: Apply, Changes: config.PipelineConfig{SampleRate: 2000, BatchDuration: 0.5}}},
		{"apply avg=20 seg=3", Command{Kind: Apply, Changes: config.PipelineConfig{DecimationRatio: 20, WindowBatches: 3}}},
		{"apply sample_rate=100 batch_duration=2 decimation_ratio=4 window_batches=9",
			Command{Kind: Apply, Changes: config.PipelineConfig{SampleRate: 100, BatchDuration: 2, DecimationRatio: 4, WindowBatches: 9}}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParseErrors(t *testing.T) {
	for _, line := range []string{"", "dance", "record maybe", "apply", "apply rate", "apply rate=fast", "apply colour=3"} {
		_, err := Parse(line)
		assert.Error(t, err, line)
	}
}

func TestMerge(t *testing.T) {
	current := config.PipelineConfig{SampleRate: 10000, BatchDuration: 1, DecimationRatio: 10, WindowBatches: 5}
	got := Merge(current, config.PipelineConfig{DecimationRatio: 20})
	assert.Equal(t, config.PipelineConfig{SampleRate: 10000, BatchDuration: 1, DecimationRatio: 20, WindowBatches: 5}, got)
}

func TestExecuteApplyReportsRejectedRatio(t *testing.T) {
	c := newFakeController()

	reply, err := Handle(context.Background(), c, "apply avg=7")
	require.NoError(t, err)
	assert.Contains(t, reply, "R=10")
	assert.Contains(t, reply, "kept decimation_ratio, rejected 7")
	assert.Equal(t, 10, c.cfg.DecimationRatio)
	require.Len(t, c.applied, 1)
	assert.Equal(t, 7, c.applied[0].DecimationRatio)
}

func TestExecuteApplyError(t *testing.T) {
	c := newFakeController()
	c.applyErr = errors.New("device gone")

	_, err := Handle(context.Background(), c, "apply rate=2000")
	require.EqualError(t, err, "device gone")
}

func TestRunConsole(t *testing.T) {
	c := newFakeController()
	in := strings.NewReader("r\n\np\nreset\nbogus\nstatus\nr\nq\nr\n")
	var out bytes.Buffer

	err := RunConsole(context.Background(), in, &out, c, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrQuit)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "recording to /tmp/x_log.csv", lines[0])
	assert.Equal(t, "display paused", lines[1])
	assert.Equal(t, "window reset", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "error:"))
	assert.True(t, strings.HasPrefix(lines[4], "running | 10000 sps"), lines[4])
	assert.Equal(t, "recording stopped, 20000 points in /tmp/x_log.csv", lines[5])
	assert.Equal(t, "bye", lines[6])

	// the line after quit is never executed
	assert.False(t, c.recording)
	assert.Equal(t, 1, c.resets)
}

func TestRunConsoleEndsAtEOF(t *testing.T) {
	c := newFakeController()
	err := RunConsole(context.Background(), strings.NewReader("resume\n"), &bytes.Buffer{}, c, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, c.resumes)
}

func TestDescribe(t *testing.T) {
	frame := processing.Frame{
		Config:          config.PipelineConfig{SampleRate: 10000, BatchDuration: 1, DecimationRatio: 10, WindowBatches: 5},
		Mean:            0.64,
		FilteredRMS:     0.0015,
		Recording:       true,
		RecordedSeconds: 12.5,
		DisplayPaused:   true,
	}
	got := Describe(processing.Health{State: processing.Running}, frame)
	assert.Equal(t, "running | 10000 sps, 1s batches, R=10, 5 batch window | 0.640000 V | 1.500 mV RMS | Rec:12.5s | display paused", got)
}
