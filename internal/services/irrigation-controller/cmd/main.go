package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/taseebali/soilsimulator-iot/internal/clock"
	"github.com/taseebali/soilsimulator-iot/internal/config"
	controller "github.com/taseebali/soilsimulator-iot/internal/services/irrigation-controller"
	"github.com/taseebali/soilsimulator-iot/internal/sink"
	"github.com/taseebali/soilsimulator-iot/pkg/rabbitmq"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	// .env is optional; production sets the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := newRootCmd(&cfg).Execute(); err != nil {
		return 1
	}
	return 0
}

// newRootCmd exposes the configuration as flags. Flag defaults come from the
// environment, so an explicit flag wins over the variable.
func newRootCmd(cfg *config.Config) *cobra.Command {
	minSec := int(cfg.Thresholds.MinDuration / time.Second)
	maxSec := int(cfg.Thresholds.MaxDuration / time.Second)
	coolSec := int(cfg.Thresholds.Cooldown / time.Second)

	cmd := &cobra.Command{
		Use:          "irrigation-controller",
		Short:        "Turns soil-moisture telemetry into valve commands.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Thresholds.MinDuration = time.Duration(minSec) * time.Second
			cfg.Thresholds.MaxDuration = time.Duration(maxSec) * time.Second
			cfg.Thresholds.Cooldown = time.Duration(coolSec) * time.Second
			cfg.Env = strings.ToLower(cfg.Env)
			cfg.StalePolicy = strings.ToLower(cfg.StalePolicy)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, *cfg, logger); err != nil {
				logger.Error("fatal error", "error", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&cfg.Thresholds.Target, "target", cfg.Thresholds.Target, "target moisture percent")
	f.Float64Var(&cfg.Thresholds.Low, "low", cfg.Thresholds.Low, "open the valve below this moisture percent")
	f.Float64Var(&cfg.Thresholds.High, "high", cfg.Thresholds.High, "close the valve at or above this moisture percent")
	f.IntVar(&minSec, "min-duration", minSec, "minimum irrigation seconds")
	f.IntVar(&maxSec, "max-duration", maxSec, "maximum irrigation seconds (also the safety cap)")
	f.IntVar(&coolSec, "cooldown", coolSec, "seconds after a close before the next open")

	f.StringVar(&cfg.MQTTHost, "mqtt-host", cfg.MQTTHost, "broker host")
	f.IntVar(&cfg.MQTTPort, "mqtt-port", cfg.MQTTPort, "broker MQTT port")
	f.StringVar(&cfg.MQTTUser, "mqtt-user", cfg.MQTTUser, "broker user")
	f.StringVar(&cfg.MQTTPassword, "mqtt-password", cfg.MQTTPassword, "broker password")
	f.StringVar(&cfg.MQTTClientID, "mqtt-client-id", cfg.MQTTClientID, "MQTT client id")
	f.StringVar(&cfg.SensorTopic, "sensor-topic", cfg.SensorTopic, "telemetry subscription filter")
	f.StringVar(&cfg.ValveTopicTemplate, "valve-topic", cfg.ValveTopicTemplate, "actuator topic, {device} is replaced by the device id")
	f.IntVar(&cfg.MQTTQoS, "qos", cfg.MQTTQoS, "MQTT QoS for subscribe and publish")

	f.StringVar(&cfg.InfluxURL, "influx-url", cfg.InfluxURL, "InfluxDB URL")
	f.StringVar(&cfg.InfluxToken, "influx-token", cfg.InfluxToken, "InfluxDB token (empty disables InfluxDB)")
	f.StringVar(&cfg.InfluxOrg, "influx-org", cfg.InfluxOrg, "InfluxDB organisation")
	f.StringVar(&cfg.InfluxBucket, "influx-bucket", cfg.InfluxBucket, "InfluxDB bucket")
	f.StringVar(&cfg.InfluxMeasurement, "influx-measurement", cfg.InfluxMeasurement, "InfluxDB measurement")
	f.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite transition journal path (empty disables it)")

	f.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address (empty disables it)")
	f.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC health listen address (empty disables it)")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of decision workers")
	f.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "readings buffered per worker")
	f.DurationVar(&cfg.DedupTTL, "dedup-ttl", cfg.DedupTTL, "window for dropping redelivered payloads (0 disables it)")
	f.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "open valve without telemetry for this long is stale (0 disables it)")
	f.StringVar(&cfg.StalePolicy, "stale-policy", cfg.StalePolicy, "ignore, warn or close")

	f.StringVar(&cfg.Env, "env", cfg.Env, "dev or prod")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return cmd
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("irrigation controller starting",
		"env", cfg.Env,
		"target", cfg.Thresholds.Target,
		"low", cfg.Thresholds.Low,
		"high", cfg.Thresholds.High,
		"min", cfg.Thresholds.MinDuration.String(),
		"max", cfg.Thresholds.MaxDuration.String(),
		"cooldown", cfg.Thresholds.Cooldown.String(),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := controller.NewMetrics(reg)
	health := controller.NewHealth(metrics, logger)

	// Broker: fatal if unreachable after the retry budget.
	client, err := rabbitmq.NewRabbitMQConn(ctx, &rabbitmq.RabbitMQConfig{
		Host:             cfg.MQTTHost,
		Port:             cfg.MQTTPort,
		User:             cfg.MQTTUser,
		Password:         cfg.MQTTPassword,
		ClientID:         cfg.MQTTClientID,
		CleanSession:     cfg.MQTTCleanSession,
		OnConnect:        func() { health.SetConnected(true) },
		OnConnectionLost: func(error) { health.SetConnected(false) },
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	publisher := rabbitmq.NewPublisher(client, cfg.PublishTimeout)

	// Transition log.
	var (
		sinks   sink.Multi
		reader  sink.TransitionReader
		closers []func()
	)
	if cfg.InfluxEnabled() {
		is := sink.NewInfluxSink(influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken), cfg.InfluxOrg, cfg.InfluxBucket, cfg.InfluxMeasurement, logger)
		sinks = append(sinks, is)
		reader = is
		health.SetSinkErrorAge(is.LastErrorAge)
		closers = append(closers, is.Close)
	}
	if cfg.JournalPath != "" {
		j, err := sink.OpenJournal(ctx, cfg.JournalPath)
		if err != nil {
			publisher.Close()
			return fmt.Errorf("journal: %w", err)
		}
		sinks = append(sinks, j)
		if reader == nil {
			reader = j
		}
		closers = append(closers, func() {
			if err := j.Close(); err != nil {
				logger.Warn("journal close", "error", err)
			}
		})
	}
	if len(sinks) == 0 {
		logger.Warn("no transition log configured, transitions are only logged")
	}

	clk := clock.Real()
	store := controller.NewDeviceStore(cfg.Env == "dev", logger)
	emitter := controller.NewEmitter(publisher, sinks, controller.EmitterConfig{
		TopicTemplate:   cfg.ValveTopicTemplate,
		QoS:             byte(cfg.MQTTQoS),
		SinkTimeout:     cfg.SinkTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
	}, metrics, logger)
	ctrl := controller.NewController(cfg.Thresholds, clk, store, emitter, controller.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		DedupTTL:  cfg.DedupTTL,
	}, metrics, logger)

	policy, err := controller.ParseStalePolicy(cfg.StalePolicy)
	if err != nil {
		publisher.Close()
		return err
	}

	svc := &controller.Service{
		Consumer:     rabbitmq.NewConsumer(client, cfg.SensorTopic, byte(cfg.MQTTQoS), ctrl.HandleMessage, logger),
		Controller:   ctrl,
		Watchdog:     controller.NewWatchdog(ctrl, cfg.StaleAfter, policy, clk, metrics, logger),
		Supervisor:   controller.NewSupervisor(ctrl, logger),
		Health:       health,
		DrainTimeout: 10 * time.Second,
		Logger:       logger,
	}

	if cfg.HTTPAddr != "" {
		api := controller.NewAPI(store, health, reader, reg)
		svc.HTTP = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			publisher.Close()
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		srv := grpc.NewServer()
		healthpb.RegisterHealthServer(srv, health.GRPC())
		svc.GRPC = srv
		svc.GRPCListener = lis
	}

	// Publisher first: nothing is sent after the drain.
	svc.Closers = append([]func(){publisher.Close}, closers...)

	return svc.Run(ctx)
}
