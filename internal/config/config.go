package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

const (
	CONFIG_FILE_ENV_VAR          = "ADCSTREAM_CONFIG_FILE"
	CONFIG_FILE_DEFAULT_LOCATION = "/etc/adcstream/conf.ini"
)

type Device struct {
	Endpoint         string
	Channel          int
	ReferenceVoltage float64
	FullScaleCodes   int
	ReceiveTimeout   time.Duration
}

type Display struct {
	FilterAlpha float64
	// log mean/stddev of every Nth batch, 0 disables
	SummaryEvery int
}

type Recording struct {
	Dir       string
	Autostart bool
}

type Telemetry struct {
	Interval   time.Duration
	InfluxAddr string

	MqttBroker       string
	MqttClientId     string
	MqttUsername     string
	MqttPassword     string
	MqttTopic        string
	MqttControlTopic string

	ClickhouseAddr string
	ClickhouseDb   string
	ClickhouseUser string
	ClickhousePass string
}

type Log struct {
	File  string
	Level string
}

// Root is the whole program configuration as laid out in the ini file, one section per
// field.
type Root struct {
	Device    Device
	Pipeline  PipelineConfig
	Display   Display
	Recording Recording
	Telemetry Telemetry
	Log       Log
}

func Defaults() Root {
	return Root{
		Device: Device{
			Endpoint:         "ip:analog.local",
			Channel:          0,
			ReferenceVoltage: 2.5,
			FullScaleCodes:   1 << 24,
			ReceiveTimeout:   5 * time.Second,
		},
		Pipeline: PipelineConfig{
			SampleRate:      10000,
			BatchDuration:   1.0,
			DecimationRatio: 10,
			WindowBatches:   5,
		},
		Display: Display{
			FilterAlpha:  0.1,
			SummaryEvery: 10,
		},
		Recording: Recording{
			Dir: ".",
		},
		Telemetry: Telemetry{
			Interval:         time.Second,
			MqttClientId:     "adcstream",
			MqttTopic:        "adcstream/frames",
			MqttControlTopic: "adcstream/control",
			ClickhouseDb:     "adcstream",
			ClickhouseUser:   "default",
		},
		Log: Log{
			File:  "adcstream.log",
			Level: "info",
		},
	}
}

func FileLocation(cliFlag string) string {
	if cliFlag != "" {
		return cliFlag
	}

	if envFile := os.Getenv(CONFIG_FILE_ENV_VAR); envFile != "" {
		return envFile
	}

	return CONFIG_FILE_DEFAULT_LOCATION
}

// Load reads defaults, then the ini file (if it exists), then .env and ADCSTREAM_*
// environment overrides, and validates the result.
func Load(cliFlag string) (*Root, error) {
	cfg := Defaults()

	path := FileLocation(cliFlag)
	if err := ini.MapToWithMapper(&cfg, ini.TitleUnderscore, path); err != nil {
		// only an explicitly requested file has to exist
		if !errors.Is(err, fs.ErrNotExist) || cliFlag != "" {
			return nil, fmt.Errorf("[config] reading %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *Root) Validate() error {
	if err := r.Pipeline.Validate(); err != nil {
		return err
	}
	if r.Device.Endpoint == "" {
		return &ConfigError{Field: "endpoint", Value: r.Device.Endpoint, Reason: "must not be empty"}
	}
	if r.Device.FullScaleCodes <= 0 {
		return &ConfigError{Field: "full_scale_codes", Value: r.Device.FullScaleCodes, Reason: "must be positive"}
	}
	if !(r.Device.ReferenceVoltage > 0) {
		return &ConfigError{Field: "reference_voltage", Value: r.Device.ReferenceVoltage, Reason: "must be positive"}
	}
	if !(r.Display.FilterAlpha > 0 && r.Display.FilterAlpha <= 1) {
		return &ConfigError{Field: "filter_alpha", Value: r.Display.FilterAlpha, Reason: "must be within (0, 1]"}
	}
	return nil
}

func applyEnv(cfg *Root) error {
	cfg.Device.Endpoint = getEnv("ADCSTREAM_ENDPOINT", cfg.Device.Endpoint)
	cfg.Recording.Dir = getEnv("ADCSTREAM_RECORD_DIR", cfg.Recording.Dir)
	cfg.Log.File = getEnv("ADCSTREAM_LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("ADCSTREAM_LOG_LEVEL", cfg.Log.Level)
	cfg.Telemetry.InfluxAddr = getEnv("ADCSTREAM_INFLUX_ADDR", cfg.Telemetry.InfluxAddr)
	cfg.Telemetry.MqttBroker = getEnv("MQTT_BROKER", cfg.Telemetry.MqttBroker)
	cfg.Telemetry.MqttUsername = getEnv("MQTT_USERNAME", cfg.Telemetry.MqttUsername)
	cfg.Telemetry.MqttPassword = getEnv("MQTT_PASSWORD", cfg.Telemetry.MqttPassword)
	cfg.Telemetry.ClickhouseAddr = getEnv("CLICKHOUSE_ADDR", cfg.Telemetry.ClickhouseAddr)
	cfg.Telemetry.ClickhouseUser = getEnv("CLICKHOUSE_USER", cfg.Telemetry.ClickhouseUser)
	cfg.Telemetry.ClickhousePass = getEnv("CLICKHOUSE_PASS", cfg.Telemetry.ClickhousePass)

	var err error
	if cfg.Pipeline.SampleRate, err = getEnvInt("ADCSTREAM_SAMPLE_RATE", cfg.Pipeline.SampleRate); err != nil {
		return err
	}
	if cfg.Pipeline.BatchDuration, err = getEnvFloat("ADCSTREAM_BATCH_DURATION", cfg.Pipeline.BatchDuration); err != nil {
		return err
	}
	if cfg.Pipeline.DecimationRatio, err = getEnvInt("ADCSTREAM_DECIMATION_RATIO", cfg.Pipeline.DecimationRatio); err != nil {
		return err
	}
	if cfg.Pipeline.WindowBatches, err = getEnvInt("ADCSTREAM_WINDOW_BATCHES", cfg.Pipeline.WindowBatches); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("[config] parsing %s: %w", key, err)
	}
	return intValue, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("[config] parsing %s: %w", key, err)
	}
	return floatValue, nil
}
