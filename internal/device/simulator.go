package device

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const DefaultSimulatorCode = 0x00418937

var ErrClosed = errors.New("[device] closed")

// Simulator produces codes around Code: an optional sine of Amplitude codes at Frequency
// Hz plus uniform noise of +/- Noise codes. When Realtime is set, Receive takes as long as
// the batch would on real hardware.
type Simulator struct {
	Code      uint32
	Amplitude float64
	Frequency float64
	Noise     float64
	Realtime  bool

	rng         *rand.Rand
	sampleRate  int
	batchLength int
	sample      int64
	next        time.Time
	closed      bool
}

func NewSimulator(code uint32) *Simulator {
	return &Simulator{
		Code:     code,
		Realtime: true,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ParseSimulator builds a simulator from comma separated key=value pairs: code, amp,
// freq, noise, realtime and seed.
func ParseSimulator(params string) (*Simulator, error) {
	s := NewSimulator(DefaultSimulatorCode)
	if params == "" {
		return s, nil
	}

	for _, kv := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("simulator parameter %q is not key=value", kv)
		}

		var err error
		switch key {
		case "code":
			var code uint64
			code, err = strconv.ParseUint(value, 0, 32)
			s.Code = uint32(code)
		case "amp":
			s.Amplitude, err = strconv.ParseFloat(value, 64)
		case "freq":
			s.Frequency, err = strconv.ParseFloat(value, 64)
		case "noise":
			s.Noise, err = strconv.ParseFloat(value, 64)
		case "realtime":
			s.Realtime, err = strconv.ParseBool(value)
		case "seed":
			var seed int64
			seed, err = strconv.ParseInt(value, 10, 64)
			s.rng = rand.New(rand.NewSource(seed))
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return nil, fmt.Errorf("simulator parameter %q: %w", kv, err)
		}
	}
	return s, nil
}

func (s *Simulator) Configure(sampleRate, batchLength, channel int) error {
	if s.closed {
		return ErrClosed
	}
	if sampleRate <= 0 || batchLength <= 0 {
		return fmt.Errorf("[device] simulator cannot run %d samples at %d sps", batchLength, sampleRate)
	}

	s.sampleRate = sampleRate
	s.batchLength = batchLength
	s.next = time.Time{}
	return nil
}

func (s *Simulator) Receive() ([]uint32, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.batchLength == 0 {
		return nil, errors.New("[device] receive before configure")
	}

	if s.Realtime {
		batchTime := time.Duration(float64(s.batchLength) / float64(s.sampleRate) * float64(time.Second))
		if s.next.IsZero() {
			s.next = time.Now()
		}
		s.next = s.next.Add(batchTime)
		time.Sleep(time.Until(s.next))
	}

	codes := make([]uint32, s.batchLength)
	for i := range codes {
		v := float64(s.Code)
		if s.Amplitude != 0 {
			t := float64(s.sample) / float64(s.sampleRate)
			v += s.Amplitude * math.Sin(2*math.Pi*s.Frequency*t)
		}
		if s.Noise != 0 {
			v += (s.rng.Float64()*2 - 1) * s.Noise
		}
		codes[i] = clampCode(v)
		s.sample++
	}
	return codes, nil
}

func (s *Simulator) Close() error {
	s.closed = true
	return nil
}

func clampCode(v float64) uint32 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(math.Round(v))
}
