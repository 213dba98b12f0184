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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeIIOD answers the subset of the daemon protocol the client uses. READBUF replies
// are split into chunks of at most chunk bytes and writing rejectFs fails with EINVAL.
// A paced daemon holds each READBUF reply for as long as the samples take to capture.
type fakeIIOD struct {
	ln       net.Listener
	code     uint32
	chunk    int
	rejectFs string
	paced    bool

	mu       sync.Mutex
	commands []string
	attrs    map[string]string
	rate     int
}

func newFakeIIOD(t *testing.T, code uint32, chunk int, rejectFs string) *fakeIIOD {
	return startFakeIIOD(t, &fakeIIOD{code: code, chunk: chunk, rejectFs: rejectFs})
}

func newPacedIIOD(t *testing.T, code uint32) *fakeIIOD {
	return startFakeIIOD(t, &fakeIIOD{code: code, paced: true})
}

func startFakeIIOD(t *testing.T, f *fakeIIOD) *fakeIIOD {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f.ln = ln
	f.attrs = map[string]string{}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeIIOD) addr() string { return f.ln.Addr().String() }

func (f *fakeIIOD) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeIIOD) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeIIOD) handle(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)

	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)

		f.mu.Lock()
		f.commands = append(f.commands, line)
		f.mu.Unlock()

		switch fields[0] {
		case "TIMEOUT", "OPEN", "CLOSE":
			fmt.Fprint(conn, "0\n")
		case "WRITE":
			n, _ := strconv.Atoi(fields[len(fields)-1])
			value := make([]byte, n)
			io.ReadFull(rd, value)
			f.mu.Lock()
			f.attrs[fields[3]+"/"+fields[4]] = string(value)
			if fields[4] == "sampling_frequency" {
				f.rate, _ = strconv.Atoi(string(value))
			}
			f.mu.Unlock()
			if string(value) == f.rejectFs {
				fmt.Fprint(conn, "-22\n")
				continue
			}
			fmt.Fprintf(conn, "%d\n", n)
		case "READBUF":
			want, _ := strconv.Atoi(fields[2])
			n := want
			if f.chunk > 0 && n > f.chunk {
				n = f.chunk
			}
			f.mu.Lock()
			rate := f.rate
			f.mu.Unlock()
			if f.paced && rate > 0 {
				time.Sleep(time.Duration(n/4) * time.Second / time.Duration(rate))
			}
			data := make([]byte, 0, n)
			for len(data) < n {
				data = binary.LittleEndian.AppendUint32(data, f.code)
			}
			fmt.Fprintf(conn, "%d\n00000001\n", n)
			conn.Write(data[:n])
		default:
			fmt.Fprint(conn, "-38\n")
		}
	}
}

func TestParseIIODTarget(t *testing.T) {
	tests := []struct {
		target, addr, device string
	}{
		{"analog.local", "analog.local:30431", DefaultIIODDevice},
		{"192.168.1.202:1234", "192.168.1.202:1234", DefaultIIODDevice},
		{"analog.local/ad7124-4", "analog.local:30431", "ad7124-4"},
		{"10.0.0.2:30431/", "10.0.0.2:30431", DefaultIIODDevice},
	}
	for _, tt := range tests {
		addr, device := parseIIODTarget(tt.target)
		assert.Equal(t, tt.addr, addr, tt.target)
		assert.Equal(t, tt.device, device, tt.target)
	}
}

func TestIIODConfigureAndReceive(t *testing.T) {
	srv := newFakeIIOD(t, 0x00418937, 1000, "")

	dev, err := Connect(context.Background(), "ip:"+srv.addr(), Options{ReceiveTimeout: time.Second, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	require.NoError(t, dev.Configure(10000, 1000, 2))
	codes, err := dev.Receive()
	require.NoError(t, err)
	require.Len(t, codes, 1000)
	for _, c := range codes {
		require.Equal(t, uint32(0x00418937), c)
	}

	require.NoError(t, dev.Configure(2000, 200, 2))
	codes, err = dev.Receive()
	require.NoError(t, err)
	assert.Len(t, codes, 200)

	require.NoError(t, dev.Close())

	assert.Equal(t, []string{
		"TIMEOUT 1000",
		"WRITE ad7124-8 INPUT voltage2 sampling_frequency 5",
		"TIMEOUT 1100",
		"OPEN ad7124-8 1000 00000004",
		"READBUF ad7124-8 4000",
		"READBUF ad7124-8 3000",
		"READBUF ad7124-8 2000",
		"READBUF ad7124-8 1000",
		"CLOSE ad7124-8",
		"WRITE ad7124-8 INPUT voltage2 sampling_frequency 4",
		"TIMEOUT 1100",
		"OPEN ad7124-8 200 00000004",
		"READBUF ad7124-8 800",
		"CLOSE ad7124-8",
	}, srv.log())
}

func TestIIODBatchLongerThanReceiveTimeout(t *testing.T) {
	srv := newPacedIIOD(t, 0x00418937)

	dev, err := Connect(context.Background(), "ip:"+srv.addr(), Options{ReceiveTimeout: 100 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer dev.Close()

	// 200 samples at 1 kHz take 200ms to capture, twice the receive timeout
	require.NoError(t, dev.Configure(1000, 200, 0))
	for i := 0; i < 2; i++ {
		start := time.Now()
		codes, err := dev.Receive()
		require.NoError(t, err)
		assert.Len(t, codes, 200)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	}

	assert.Contains(t, srv.log(), "TIMEOUT 300")
}

func TestIIODErrnoReply(t *testing.T) {
	srv := newFakeIIOD(t, 1, 0, "99999")

	dev, err := Connect(context.Background(), "ip:"+srv.addr(), Options{ReceiveTimeout: time.Second, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer dev.Close()

	err = dev.Configure(99999, 10, 0)
	var iiodErr *IIODError
	require.ErrorAs(t, err, &iiodErr)
	assert.Equal(t, -22, iiodErr.Code)

	_, err = dev.Receive()
	require.Error(t, err)
}

func TestConnectErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	ln.Close()

	for _, endpoint := range []string{
		"usb:thing",
		"ip:" + closedAddr,
		"serial:/dev/adcstream-does-not-exist",
		"serial:/dev/ttyUSB0@fast",
		"serial:@9600",
		"sim:code=banana",
	} {
		_, err := Connect(context.Background(), endpoint, Options{ReceiveTimeout: 200 * time.Millisecond})
		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr, endpoint)
		assert.Equal(t, endpoint, connectErr.Endpoint)
	}
}

func TestConnectSimulator(t *testing.T) {
	dev, err := Connect(context.Background(), "sim:realtime=false", Options{})
	require.NoError(t, err)
	require.NoError(t, dev.Configure(1000, 100, 0))

	codes, err := dev.Receive()
	require.NoError(t, err)
	assert.Len(t, codes, 100)
	require.NoError(t, dev.Close())
}
