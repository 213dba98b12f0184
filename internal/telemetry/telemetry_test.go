package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/adcstream/internal/config"
	"sleepywoodpecker/adcstream/internal/processing"
)

func testFrame() processing.Frame {
	return processing.Frame{
		Seq:             42,
		Generation:      3,
		Timestamp:       time.Unix(1700000000, 500),
		Config:          config.PipelineConfig{SampleRate: 10000, BatchDuration: 1, DecimationRatio: 10, WindowBatches: 5},
		Window:          []float64{0.64, 0.65},
		Mean:            0.64,
		InstantRMS:      0.0012,
		FilteredRMS:     0.0011,
		Recording:       true,
		RecordedSeconds: 12,
		Batches:         42,
	}
}

func TestFormatInfluxLine(t *testing.T) {
	line := FormatInfluxLine("adcstream", testFrame())
	assert.Equal(t,
		"adcstream,generation=3 mean_v=0.640000,rms_mv=1.1000,instant_rms_mv=1.2000"+
			",sample_rate=10000i,decimation_ratio=10i,recording=true,recorded_s=12.0,faulted=false"+
			",seq=42i,batches=42i,stale_dropped=0i 1700000000000000500",
		line)
}

func TestInfluxUDPPublish(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	pub, err := DialInfluxUDP(listener.LocalAddr().String())
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), testFrame()))

	buf := make([]byte, 2048)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, FormatInfluxLine(SamplingChannelName, testFrame()), string(buf[:n]))
	assert.Equal(t, "influx", pub.Name())
}

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTT struct {
	mqtt.Client
	topic   string
	payload []byte
	err     error
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return &doneToken{err: f.err}
}

func TestMQTTPublisherSendsJSONFrame(t *testing.T) {
	client := &fakeMQTT{}
	pub := &MQTTPublisher{client: client, topic: "adcstream/frames"}

	require.NoError(t, pub.Publish(context.Background(), testFrame()))
	assert.Equal(t, "adcstream/frames", client.topic)

	var msg frameMessage
	require.NoError(t, json.Unmarshal(client.payload, &msg))
	assert.Equal(t, uint64(42), msg.Seq)
	assert.Equal(t, 10000, msg.SampleRate)
	assert.InDelta(t, 1.1, msg.RMSmV, 1e-9)
	assert.True(t, msg.Recording)
	assert.Equal(t, []float64{0.64, 0.65}, msg.Window)
}

func TestMQTTPublisherReportsTokenError(t *testing.T) {
	client := &fakeMQTT{err: errors.New("not connected")}
	pub := &MQTTPublisher{client: client, topic: "t"}

	require.EqualError(t, pub.Publish(context.Background(), testFrame()), "not connected")
}

type fakeConn struct {
	queries []string
	args    [][]any
	err     error
	closed  bool
}

func (f *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return f.err
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestClickHouseStore(t *testing.T) {
	conn := &fakeConn{}
	store := &ClickHouseStore{conn: conn, logger: zaptest.NewLogger(t)}

	require.NoError(t, store.InitSchema(context.Background()))
	require.NoError(t, store.Publish(context.Background(), testFrame()))

	require.Len(t, conn.queries, 2)
	assert.Contains(t, conn.queries[0], "CREATE TABLE IF NOT EXISTS adc_frames")
	assert.Contains(t, conn.queries[1], "INSERT INTO adc_frames")

	args := conn.args[1]
	require.Len(t, args, 10)
	assert.Equal(t, uint64(42), args[1])
	assert.Equal(t, uint32(10000), args[3])
	assert.Equal(t, uint8(1), args[7])
	assert.Equal(t, uint8(0), args[9])

	require.NoError(t, store.Close())
	assert.True(t, conn.closed)
}

func TestClickHouseStoreWrapsErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("table is read only")}
	store := &ClickHouseStore{conn: conn, logger: zaptest.NewLogger(t)}

	err := store.Publish(context.Background(), testFrame())
	require.ErrorContains(t, err, "frame 42")
	require.ErrorIs(t, err, conn.err)
}
