package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sleepywoodpecker/adcstream/internal/processing"
	rserial "sleepywoodpecker/adcstream/internal/rSerial"
)

const (
	SchemeSim    = "sim:"
	SchemeIP     = "ip:"
	SchemeSerial = "serial:"

	DefaultReceiveTimeout = 5 * time.Second
)

// ConnectError means the device could not be reached at startup.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("[device] could not connect to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

type Options struct {
	ReceiveTimeout time.Duration
	Logger         *zap.Logger
}

// Connect opens the device named by endpoint:
//
//	sim:[key=value,...]          synthetic signal, see ParseSimulator
//	ip:host[:port][/device]      libiio network daemon
//	serial:/dev/ttyX[@baudrate]  microcontroller bridge
func Connect(ctx context.Context, endpoint string, opts Options) (processing.Device, error) {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("endpoint", endpoint))

	var (
		dev processing.Device
		err error
	)
	switch {
	case strings.HasPrefix(endpoint, SchemeSim):
		dev, err = ParseSimulator(strings.TrimPrefix(endpoint, SchemeSim))
	case strings.HasPrefix(endpoint, SchemeIP):
		dev, err = dialIIOD(ctx, strings.TrimPrefix(endpoint, SchemeIP), opts.ReceiveTimeout, logger)
	case strings.HasPrefix(endpoint, SchemeSerial):
		dev, err = openSerial(strings.TrimPrefix(endpoint, SchemeSerial), opts.ReceiveTimeout, logger)
	default:
		err = fmt.Errorf("unknown scheme, want one of %s %s %s", SchemeSim, SchemeIP, SchemeSerial)
	}
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	logger.Info("[device] connected")
	return dev, nil
}

func openSerial(target string, readTimeout time.Duration, logger *zap.Logger) (processing.Device, error) {
	portName, baud := target, rserial.DefaultBaudrate
	if i := strings.LastIndex(target, "@"); i >= 0 {
		b, err := strconv.Atoi(target[i+1:])
		if err != nil || b <= 0 {
			return nil, fmt.Errorf("bad baudrate %q", target[i+1:])
		}
		portName, baud = target[:i], b
	}
	if portName == "" {
		return nil, fmt.Errorf("missing serial port name")
	}

	return rserial.Open(portName, baud, readTimeout, logger)
}
