package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultIIODPort   = "30431"
	DefaultIIODDevice = "ad7124-8"

	iiodBytesPerSample = 4
)

// iiodClient speaks the plain text protocol of the libiio network daemon. Each command is
// one line; the daemon answers with a decimal status line, negative values being errno.
type iiodClient struct {
	conn        net.Conn
	rd          *bufio.Reader
	device      string
	timeout     time.Duration
	logger      *zap.Logger
	open        bool
	batchLength int

	// deadline for one READBUF: the time to fill the buffer plus timeout
	transferTimeout time.Duration
}

type IIODError struct {
	Command string
	Code    int
}

func (e *IIODError) Error() string {
	return fmt.Sprintf("[iiod] %q failed: %v", e.Command, syscall.Errno(-e.Code))
}

// parseIIODTarget splits host[:port][/device].
func parseIIODTarget(target string) (addr, device string) {
	device = DefaultIIODDevice
	if i := strings.Index(target, "/"); i >= 0 {
		if target[i+1:] != "" {
			device = target[i+1:]
		}
		target = target[:i]
	}

	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, DefaultIIODPort)
	}
	return target, device
}

func dialIIOD(ctx context.Context, target string, timeout time.Duration, logger *zap.Logger) (*iiodClient, error) {
	addr, device := parseIIODTarget(target)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &iiodClient{
		conn:    conn,
		rd:      bufio.NewReader(conn),
		device:  device,
		timeout: timeout,
		logger:  logger,

		transferTimeout: timeout,
	}
	if _, err := c.command(fmt.Sprintf("TIMEOUT %d", timeout.Milliseconds())); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *iiodClient) command(cmd string) (int, error) {
	return c.commandWithin(cmd, c.timeout)
}

func (c *iiodClient) commandWithin(cmd string, timeout time.Duration) (int, error) {
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(c.conn, cmd+"\r\n"); err != nil {
		return 0, fmt.Errorf("[iiod] sending %q: %w", cmd, err)
	}
	return c.readStatus(cmd)
}

func (c *iiodClient) readStatus(cmd string) (int, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("[iiod] reading reply to %q: %w", cmd, err)
	}

	code, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("[iiod] bad reply %q to %q", strings.TrimSpace(line), cmd)
	}
	if code < 0 {
		return code, &IIODError{Command: cmd, Code: code}
	}
	return code, nil
}

func (c *iiodClient) writeChannelAttr(channel int, attr, value string) error {
	cmd := fmt.Sprintf("WRITE %s INPUT voltage%d %s %d", c.device, channel, attr, len(value))
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(c.conn, cmd+"\r\n"+value); err != nil {
		return fmt.Errorf("[iiod] sending %q: %w", cmd, err)
	}
	_, err := c.readStatus(cmd)
	return err
}

// Configure closes any open buffer, sets the channel sample rate and opens a buffer of
// batchLength samples with only that channel enabled.
func (c *iiodClient) Configure(sampleRate, batchLength, channel int) error {
	if c.open {
		if _, err := c.command("CLOSE " + c.device); err != nil {
			return err
		}
		c.open = false
	}

	if err := c.writeChannelAttr(channel, "sampling_frequency", strconv.Itoa(sampleRate)); err != nil {
		return err
	}

	// the daemon blocks a READBUF until the whole buffer is captured
	transferTimeout := batchPeriod(sampleRate, batchLength) + c.timeout
	if _, err := c.command(fmt.Sprintf("TIMEOUT %d", transferTimeout.Milliseconds())); err != nil {
		return err
	}
	c.transferTimeout = transferTimeout

	mask := uint32(1) << uint(channel)
	if _, err := c.command(fmt.Sprintf("OPEN %s %d %08x", c.device, batchLength, mask)); err != nil {
		return err
	}
	c.open = true
	c.batchLength = batchLength

	c.logger.Debug("[iiod] buffer opened", zap.String("device", c.device), zap.Int("samples", batchLength), zap.Uint32("mask", mask))
	return nil
}

// Receive reads one buffer. The daemon may split it across several READBUF replies, each
// a byte count, the channel mask line, then the raw samples.
func (c *iiodClient) Receive() ([]uint32, error) {
	if !c.open {
		return nil, fmt.Errorf("[iiod] receive before configure")
	}

	raw := make([]byte, c.batchLength*iiodBytesPerSample)
	got := 0
	for got < len(raw) {
		cmd := fmt.Sprintf("READBUF %s %d", c.device, len(raw)-got)
		n, err := c.commandWithin(cmd, c.transferTimeout)
		if err != nil {
			return nil, err
		}
		if n == 0 || n > len(raw)-got {
			return nil, fmt.Errorf("[iiod] %q returned %d bytes", cmd, n)
		}

		if _, err := c.rd.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("[iiod] reading mask: %w", err)
		}
		if _, err := io.ReadFull(c.rd, raw[got:got+n]); err != nil {
			return nil, fmt.Errorf("[iiod] reading samples: %w", err)
		}
		got += n
	}

	codes := make([]uint32, c.batchLength)
	for i := range codes {
		codes[i] = binary.LittleEndian.Uint32(raw[i*iiodBytesPerSample:])
	}
	return codes, nil
}

func (c *iiodClient) Close() error {
	var err error
	if c.open {
		if _, cerr := c.command("CLOSE " + c.device); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		c.open = false
	}
	return multierr.Append(err, c.conn.Close())
}

func batchPeriod(sampleRate, batchLength int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(batchLength) * time.Second / time.Duration(sampleRate)
}
