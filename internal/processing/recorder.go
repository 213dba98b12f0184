package processing

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sleepywoodpecker/adcstream/internal/config"
)

const (
	RecordFileTimeFormat   = "20060102_150405"
	RecordMarkerTimeFormat = "2006-01-02 15:04:05"
	RecordFileSuffix       = "_log.csv"
	RecordHeader           = "mV"
)

// FileError is a failure on the recording file. It only ever ends the recording session.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("[recorder] %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Session describes one recording. It is written next to the data file as a yaml manifest
// when the session ends.
type Session struct {
	ID            string    `yaml:"id"`
	Path          string    `yaml:"path"`
	Started       time.Time `yaml:"started"`
	Ended         time.Time `yaml:"ended"`
	EndReason     string    `yaml:"end_reason"`
	SampleRate    int       `yaml:"sample_rate"`
	BatchDuration float64   `yaml:"batch_duration"`
	Channel       int       `yaml:"channel"`
	Batches       int       `yaml:"batches"`
	Points        int64     `yaml:"points"`
}

// Seconds is the amount of signal recorded so far.
func (s Session) Seconds() float64 {
	return float64(s.Batches) * s.BatchDuration
}

// Recorder writes every physical sample, in millivolts, to one file per session. It is
// owned by the processor goroutine.
type Recorder struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	file    *os.File
	writer  *bufio.Writer
	session Session
	line    []byte
}

func NewRecorder(dir string, logger *zap.Logger) *Recorder {
	return &Recorder{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Recorder) Active() bool {
	return r.file != nil
}

// Session returns the state of the current session, or of the last one once idle.
func (r *Recorder) Session() Session {
	return r.session
}

// Start opens a new session file, truncating any file left with the same name. Starting
// an active recorder does nothing.
func (r *Recorder) Start(cfg config.PipelineConfig, channel int) error {
	if r.Active() {
		return nil
	}

	started := r.now()
	path := filepath.Join(r.dir, started.Format(RecordFileTimeFormat)+RecordFileSuffix)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &FileError{Path: path, Op: "create", Err: err}
	}

	r.file = file
	r.writer = bufio.NewWriter(file)
	r.session = Session{
		ID:            uuid.NewString(),
		Path:          path,
		Started:       started,
		SampleRate:    cfg.SampleRate,
		BatchDuration: cfg.BatchDuration,
		Channel:       channel,
	}

	fmt.Fprintf(r.writer, "%s\n# Start: %s\n", RecordHeader, started.Format(RecordMarkerTimeFormat))
	if err := r.writer.Flush(); err != nil {
		return r.abort("write header", err)
	}

	r.logger.Info("[recorder] recording started", zap.String("path", path), zap.String("session", r.session.ID))
	return nil
}

// Write appends one batch of volts. Each sample becomes its own line with five decimals.
func (r *Recorder) Write(volts []float64) error {
	if !r.Active() {
		return nil
	}

	for _, v := range volts {
		r.line = strconv.AppendFloat(r.line[:0], v*1000, 'f', 5, 64)
		r.line = append(r.line, '\n')
		if _, err := r.writer.Write(r.line); err != nil {
			return r.abort("write", err)
		}
	}
	if err := r.writer.Flush(); err != nil {
		return r.abort("flush", err)
	}

	r.session.Batches++
	r.session.Points += int64(len(volts))
	return nil
}

// Stop writes the end marker, closes the file and saves the session manifest. Stopping an
// idle recorder returns the previous session and no error.
func (r *Recorder) Stop(reason string) (Session, error) {
	if !r.Active() {
		return r.session, nil
	}

	ended := r.now()
	r.session.Ended = ended
	r.session.EndReason = reason

	var err error
	if _, werr := fmt.Fprintf(r.writer, "# End: %s\n\n", ended.Format(RecordMarkerTimeFormat)); werr != nil {
		err = multierr.Append(err, &FileError{Path: r.session.Path, Op: "write end marker", Err: werr})
	}
	if ferr := r.writer.Flush(); ferr != nil {
		err = multierr.Append(err, &FileError{Path: r.session.Path, Op: "flush", Err: ferr})
	}
	if cerr := r.file.Close(); cerr != nil {
		err = multierr.Append(err, &FileError{Path: r.session.Path, Op: "close", Err: cerr})
	}
	r.file = nil
	r.writer = nil

	err = multierr.Append(err, r.writeManifest())

	r.logger.Info(
		"[recorder] recording stopped",
		zap.String("path", r.session.Path),
		zap.String("session", r.session.ID),
		zap.String("reason", reason),
		zap.Int64("points", r.session.Points),
		zap.Float64("seconds", r.session.Seconds()),
	)
	return r.session, err
}

// abort releases the file after a write failure without trying to write anything else.
func (r *Recorder) abort(op string, err error) error {
	fileErr := &FileError{Path: r.session.Path, Op: op, Err: err}

	if cerr := r.file.Close(); cerr != nil {
		r.logger.Warn("[recorder] error closing aborted session", zap.Error(cerr), zap.String("path", r.session.Path))
	}
	r.file = nil
	r.writer = nil
	r.session.Ended = r.now()
	r.session.EndReason = "aborted: " + err.Error()

	r.logger.Error("[recorder] recording aborted", zap.Error(fileErr), zap.Int64("points", r.session.Points))
	return fileErr
}

func ManifestPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + ".yaml"
}

func (r *Recorder) writeManifest() error {
	path := ManifestPath(r.session.Path)

	out, err := yaml.Marshal(r.session)
	if err != nil {
		return &FileError{Path: path, Op: "encode manifest", Err: err}
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return &FileError{Path: path, Op: "write manifest", Err: err}
	}
	return nil
}
