// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaudrate   = 460800
	BytesPerCode      = 4
	MaxResyncAttempts = 3

	// how long a single Read may block before the packet deadline is checked again
	pollInterval = 5 * time.Millisecond
)

var StopSequence = []byte{'\r', '\n'}

var ErrReadTimeout = errors.New("[rserial] timed out waiting for data")

// port is the part of serial.Port the bridge needs.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// rserial talks to the microcontroller bridge in front of the ADC. After a CFG command the
// bridge streams frames of batchLength little endian codes, each closed by StopSequence.
type rserial struct {
	port
	tempBuff      []byte
	logger        *zap.Logger
	portName      string
	stopSequence  []byte
	rawPacketSize int
	readTimeout   time.Duration
	// time allowed for one frame: the batch period plus readTimeout
	frameTimeout  time.Duration
}

type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("[rserial] incorrect stop sequence detected: %v", e.ByteSequence[len(e.ByteSequence)-2:])
}

func Open(portName string, baudrate int, readTimeout time.Duration, logger *zap.Logger) (*rserial, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
	}

	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("[rserial] opening %s: %w", portName, err)
	}

	return newRSerial(p, portName, readTimeout, logger), nil
}

func newRSerial(p port, portName string, readTimeout time.Duration, logger *zap.Logger) *rserial {
	return &rserial{
		port:         p,
		logger:       logger,
		portName:     portName,
		stopSequence: StopSequence,
		readTimeout:  readTimeout,
		frameTimeout: readTimeout,
	}
}

// Configure sends the acquisition parameters to the bridge and syncs onto the first frame
// boundary that follows.
func (r *rserial) Configure(sampleRate, batchLength, channel int) error {
	r.rawPacketSize = batchLength*BytesPerCode + len(r.stopSequence)
	r.tempBuff = make([]byte, r.rawPacketSize)
	r.frameTimeout = r.readTimeout
	if sampleRate > 0 {
		r.frameTimeout += time.Duration(batchLength) * time.Second / time.Duration(sampleRate)
	}

	if err := r.SetReadTimeout(pollInterval); err != nil {
		return fmt.Errorf("[rserial] setting read timeout on %s: %w", r.portName, err)
	}
	if err := r.ResetInputBuffer(); err != nil {
		return fmt.Errorf("[rserial] resetting input on %s: %w", r.portName, err)
	}

	command := fmt.Sprintf("CFG %d %d %d\r\n", sampleRate, batchLength, channel)
	if _, err := r.Write([]byte(command)); err != nil {
		return fmt.Errorf("[rserial] sending configuration to %s: %w", r.portName, err)
	}

	return r.sync()
}

// Receive reads one frame and decodes its codes. A frame with a bad stop sequence triggers
// a resync, up to MaxResyncAttempts times.
func (r *rserial) Receive() ([]uint32, error) {
	for attempt := 1; ; attempt++ {
		err := r.ReadPacket()
		if err == nil {
			return r.decode(), nil
		}

		var oosError *OutOfSyncError
		if !errors.As(err, &oosError) || attempt >= MaxResyncAttempts {
			return nil, err
		}

		r.logger.Warn("[rserial] frame out of sync", zap.Error(err), zap.String("portName", r.portName), zap.Int("attempt", attempt))
		if err := r.sync(); err != nil {
			return nil, err
		}
	}
}

func (r *rserial) decode() []uint32 {
	codes := make([]uint32, (r.rawPacketSize-len(r.stopSequence))/BytesPerCode)
	for i := range codes {
		codes[i] = binary.LittleEndian.Uint32(r.tempBuff[i*BytesPerCode:])
	}
	return codes
}

func (r *rserial) ReadPacket() error {
	if r.rawPacketSize == 0 {
		return errors.New("[rserial] read before configure")
	}

	deadline := time.Now().Add(r.frameTimeout)
	count := 0
	for count < r.rawPacketSize {
		n, err := r.Read(r.tempBuff[count:])
		if err != nil {
			return fmt.Errorf("[rserial] reading %s: %w", r.portName, err)
		}
		if n == 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w after %d of %d bytes", ErrReadTimeout, count, r.rawPacketSize)
		}
		count += n
	}

	// validate that the packet is valid by checking the last 2 characters of the packet
	if !bytes.Equal(r.tempBuff[r.rawPacketSize-len(r.stopSequence):], r.stopSequence) {
		byteSequenceCopy := make([]byte, r.rawPacketSize)
		copy(byteSequenceCopy, r.tempBuff)

		return &OutOfSyncError{
			ByteSequence: byteSequenceCopy,
		}
	}
	return nil
}

// sync discards input up to and including the next end of a stop sequence.
func (r *rserial) sync() error {
	r.logger.Warn("[rserial] resyncing serial port", zap.String("portName", r.portName))
	onebyte := make([]byte, 1)
	last := r.stopSequence[len(r.stopSequence)-1]

	deadline := time.Now().Add(r.frameTimeout)
	for {
		n, err := r.Read(onebyte)
		if err != nil {
			return fmt.Errorf("[rserial] resyncing %s: %w", r.portName, err)
		}
		if n == 1 && onebyte[0] == last {
			return nil
		}
		if n == 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w while resyncing %s", ErrReadTimeout, r.portName)
		}
	}
}
