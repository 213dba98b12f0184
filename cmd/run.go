package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"sleepywoodpecker/adcstream/internal/config"
	"sleepywoodpecker/adcstream/internal/control"
	"sleepywoodpecker/adcstream/internal/device"
	"sleepywoodpecker/adcstream/internal/logger"
	"sleepywoodpecker/adcstream/internal/processing"
	"sleepywoodpecker/adcstream/internal/telemetry"
)

type runFlags struct {
	configFile string
	endpoint   string
	recordDir  string
	record     bool
	console    bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire from the device until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return err
			}
			if flags.endpoint != "" {
				cfg.Device.Endpoint = flags.endpoint
			}
			if flags.recordDir != "" {
				cfg.Recording.Dir = flags.recordDir
			}
			if flags.record {
				cfg.Recording.Autostart = true
			}
			return run(cfg, flags.console)
		},
	}

	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "ini file, defaults to $"+config.CONFIG_FILE_ENV_VAR+" or "+config.CONFIG_FILE_DEFAULT_LOCATION)
	cmd.Flags().StringVarP(&flags.endpoint, "endpoint", "e", "", "device endpoint (sim:..., ip:host, serial:/dev/tty...)")
	cmd.Flags().StringVarP(&flags.recordDir, "record-dir", "d", "", "directory for recording sessions")
	cmd.Flags().BoolVarP(&flags.record, "record", "r", false, "start recording as soon as acquisition runs")
	cmd.Flags().BoolVar(&flags.console, "console", true, "read control commands from stdin")
	return cmd
}

func run(cfg *config.Root, console bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.NewLogger(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := unix.Access(cfg.Recording.Dir, unix.W_OK); err != nil {
		return fmt.Errorf("recording directory %s is not writable: %w", cfg.Recording.Dir, err)
	}

	dev, err := device.Connect(ctx, cfg.Device.Endpoint, device.Options{
		ReceiveTimeout: cfg.Device.ReceiveTimeout,
		Logger:         logger,
	})
	if err != nil {
		var connErr *device.ConnectError
		if errors.As(err, &connErr) {
			logger.Error("[main] could not reach device", zap.String("endpoint", connErr.Endpoint), zap.Error(connErr.Err))
		}
		return err
	}

	pipeline, err := processing.NewPipeline(dev, cfg.Pipeline, processing.Options{
		Channel: cfg.Device.Channel,
		Converter: processing.Converter{
			FullScaleCodes:   cfg.Device.FullScaleCodes,
			ReferenceVoltage: cfg.Device.ReferenceVoltage,
		},
		FilterAlpha:  cfg.Display.FilterAlpha,
		RecordDir:    cfg.Recording.Dir,
		SummaryEvery: cfg.Display.SummaryEvery,
	}, logger)
	if err != nil {
		dev.Close()
		return err
	}

	publishers, mqttClient, closeTelemetry := openTelemetry(ctx, cfg.Telemetry, logger)
	defer closeTelemetry()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(gctx)
	})

	if len(publishers) > 0 {
		sampler := processing.NewSampler(cfg.Telemetry.Interval, pipeline.Frames(), publishers, logger)
		g.Go(func() error {
			return sampler.Run(gctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-pipeline.Started():
		}
		logger.Info("[main] acquisition running", zap.String("config", fmt.Sprintf("%+v", pipeline.Config())))

		if mqttClient != nil {
			err := mqttClient.SubscribeControl(cfg.Telemetry.MqttControlTopic, func(line string) {
				if _, err := control.Handle(gctx, pipeline, line); errors.Is(err, control.ErrQuit) {
					cancel()
				} else if err != nil {
					logger.Warn("[main] remote command failed", zap.Error(err), zap.String("command", line))
				}
			})
			if err != nil {
				logger.Warn("[main] remote control unavailable", zap.Error(err))
			}
		}

		if cfg.Recording.Autostart {
			session, err := pipeline.SetRecording(gctx, true)
			if err != nil {
				logger.Error("[main] could not start recording", zap.Error(err))
			} else {
				logger.Info("[main] recording", zap.String("path", session.Path))
			}
		}
		return nil
	})

	// stdin cannot be interrupted, so the console is left outside the group
	if console {
		go func() {
			err := control.RunConsole(gctx, os.Stdin, os.Stdout, pipeline, logger)
			if errors.Is(err, control.ErrQuit) {
				cancel()
			} else if err != nil {
				logger.Warn("[main] console closed", zap.Error(err))
			}
		}()
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("[main] shut down", zap.String("health", pipeline.Health().String()))
	return err
}

// openTelemetry starts every configured publisher. A publisher that cannot be reached is
// logged and skipped; acquisition does not depend on telemetry.
func openTelemetry(ctx context.Context, cfg config.Telemetry, logger *zap.Logger) ([]processing.Publisher, *telemetry.MQTTClient, func()) {
	var (
		publishers []processing.Publisher
		closers    []func()
		mqttClient *telemetry.MQTTClient
	)

	if cfg.InfluxAddr != "" {
		influx, err := telemetry.DialInfluxUDP(cfg.InfluxAddr)
		if err != nil {
			logger.Warn("[main] influx disabled", zap.Error(err))
		} else {
			publishers = append(publishers, influx)
			closers = append(closers, func() { influx.Close() })
		}
	}

	if cfg.MqttBroker != "" {
		client, err := telemetry.NewMQTTClient(telemetry.MQTTConfig{
			Broker:   cfg.MqttBroker,
			ClientID: cfg.MqttClientId,
			Username: cfg.MqttUsername,
			Password: cfg.MqttPassword,
		}, logger)
		if err != nil {
			logger.Warn("[main] mqtt disabled", zap.Error(err))
		} else {
			mqttClient = client
			publishers = append(publishers, telemetry.NewMQTTPublisher(client, cfg.MqttTopic))
			closers = append(closers, client.Close)
		}
	}

	if cfg.ClickhouseAddr != "" {
		store, err := telemetry.NewClickHouseStore(ctx, telemetry.ClickHouseConfig{
			Addr:     cfg.ClickhouseAddr,
			Database: cfg.ClickhouseDb,
			Username: cfg.ClickhouseUser,
			Password: cfg.ClickhousePass,
		}, logger)
		if err != nil {
			logger.Warn("[main] clickhouse disabled", zap.Error(err))
		} else {
			publishers = append(publishers, store)
			closers = append(closers, func() {
				if err := store.Close(); err != nil {
					logger.Warn("[main] closing clickhouse", zap.Error(err))
				}
			})
		}
	}

	return publishers, mqttClient, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}
