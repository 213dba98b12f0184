package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"sleepywoodpecker/adcstream/internal/processing"
)

const publishTimeout = 5 * time.Second

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// MQTTClient owns the broker connection shared by the frame publisher and the control
// subscription.
type MQTTClient struct {
	client mqtt.Client
	logger *zap.Logger
}

func NewMQTTClient(config MQTTConfig, logger *zap.Logger) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("[mqtt] connection established", zap.String("broker", config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("[mqtt] connection lost", zap.Error(err), zap.String("broker", config.Broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("[mqtt] connecting to %s: %w", config.Broker, token.Error())
	}

	return &MQTTClient{client: client, logger: logger}, nil
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.logger.Info("[mqtt] disconnected")
}

// SubscribeControl hands the payload of every message on topic to handle, one line at a
// time as the console would.
func (c *MQTTClient) SubscribeControl(topic string, handle func(line string)) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.logger.Info("[mqtt] control message", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))
		handle(string(msg.Payload()))
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("[mqtt] subscribing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("[mqtt] subscribing to %s: %w", topic, err)
	}
	return nil
}

// frameMessage is the JSON published per frame. The window is included so a remote
// display can draw the same trace.
type frameMessage struct {
	Timestamp       time.Time `json:"timestamp"`
	Seq             uint64    `json:"seq"`
	Generation      uint64    `json:"generation"`
	SampleRate      int       `json:"sample_rate"`
	BatchDuration   float64   `json:"batch_duration"`
	DecimationRatio int       `json:"decimation_ratio"`
	WindowBatches   int       `json:"window_batches"`
	MeanV           float64   `json:"mean_v"`
	RMSmV           float64   `json:"rms_mv"`
	Recording       bool      `json:"recording"`
	RecordedSeconds float64   `json:"recorded_s"`
	DisplayPaused   bool      `json:"display_paused"`
	Faulted         bool      `json:"faulted"`
	Window          []float64 `json:"window"`
}

type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

func NewMQTTPublisher(c *MQTTClient, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: c.client, topic: topic}
}

func (p *MQTTPublisher) Publish(ctx context.Context, f processing.Frame) error {
	payload, err := json.Marshal(frameMessage{
		Timestamp:       f.Timestamp,
		Seq:             f.Seq,
		Generation:      f.Generation,
		SampleRate:      f.Config.SampleRate,
		BatchDuration:   f.Config.BatchDuration,
		DecimationRatio: f.Config.DecimationRatio,
		WindowBatches:   f.Config.WindowBatches,
		MeanV:           f.Mean,
		RMSmV:           f.FilteredRMS * 1e3,
		Recording:       f.Recording,
		RecordedSeconds: f.RecordedSeconds,
		DisplayPaused:   f.DisplayPaused,
		Faulted:         f.Faulted,
		Window:          f.Window,
	})
	if err != nil {
		return fmt.Errorf("[mqtt] encoding frame: %w", err)
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("[mqtt] publishing to %s: timed out", p.topic)
	}
}

func (p *MQTTPublisher) Name() string {
	return "mqtt"
}
