// Package config loads and validates the irrigation controller configuration
// from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	controller "github.com/taseebali/soilsimulator-iot/internal/services/irrigation-controller"
)

// Config holds all application configuration.
type Config struct {
	Env      string // "dev" | "prod"
	LogLevel string

	// Decision engine thresholds.
	Thresholds controller.Thresholds

	// MQTT broker (RabbitMQ MQTT plugin or any MQTT 3.1.1 broker).
	MQTTHost           string
	MQTTPort           int
	MQTTUser           string
	MQTTPassword       string
	MQTTClientID       string
	MQTTCleanSession   bool
	MQTTQoS            int
	SensorTopic        string // e.g. farm/+/sensors
	ValveTopicTemplate string // e.g. farm/{device}/actuators/valve
	PublishTimeout     time.Duration

	// InfluxDB transition log; disabled when InfluxToken is empty.
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string

	// Local SQLite transition journal; disabled when empty.
	JournalPath string

	HTTPAddr string // "" disables the HTTP surface
	GRPCAddr string // "" disables the gRPC health service

	Workers   int
	QueueSize int
	DedupTTL  time.Duration // 0 disables deduplication

	StaleAfter  time.Duration // 0 disables the watchdog
	StalePolicy string

	SinkTimeout     time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported, not silently replaced by defaults.
func Load() (Config, error) {
	var r envReader

	cfg := Config{
		Env:      strings.ToLower(r.str("APP_ENV", "prod")),
		LogLevel: strings.ToLower(r.str("LOG_LEVEL", "info")),

		Thresholds: controller.Thresholds{
			Target:      r.float("MOISTURE_TARGET", 50),
			Low:         r.float("MOISTURE_LOW", 35),
			High:        r.float("MOISTURE_HIGH", 65),
			MinDuration: r.seconds("MIN_IRRIGATION_SECONDS", 60),
			MaxDuration: r.seconds("MAX_IRRIGATION_SECONDS", 600),
			Cooldown:    r.seconds("COOLDOWN_SECONDS", 900),
		},

		MQTTHost:           r.str("RABBITMQ_HOST", "localhost"),
		MQTTPort:           r.int("RABBITMQ_PORT", 1883),
		MQTTUser:           r.str("RABBITMQ_USER", "guest"),
		MQTTPassword:       r.str("RABBITMQ_PASSWORD", "guest"),
		MQTTClientID:       r.str("MQTT_CLIENT_ID", "irrigation-controller-"+r.str("HOSTNAME", "local")),
		MQTTCleanSession:   r.bool("MQTT_CLEAN_SESSION", false),
		MQTTQoS:            r.int("MQTT_QOS", 1),
		SensorTopic:        r.str("SENSOR_SUB_TOPIC", "farm/+/sensors"),
		ValveTopicTemplate: r.str("VALVE_TOPIC_TEMPLATE", "farm/{device}/actuators/valve"),
		PublishTimeout:     r.duration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),

		InfluxURL:         r.str("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:       r.str("INFLUX_TOKEN", ""),
		InfluxOrg:         r.str("INFLUX_ORG", "smartfarm"),
		InfluxBucket:      r.str("INFLUX_BUCKET", "soil_data"),
		InfluxMeasurement: r.str("INFLUX_MEASUREMENT", "irrigation_control"),

		JournalPath: r.str("JOURNAL_PATH", ""),

		HTTPAddr: r.str("HTTP_ADDR", ":8080"),
		GRPCAddr: r.str("GRPC_ADDR", ":50051"),

		Workers:   r.int("WORKERS", 4),
		QueueSize: r.int("QUEUE_SIZE", 256),
		DedupTTL:  r.duration("DEDUP_TTL", 10*time.Minute),

		StaleAfter:  r.duration("STALE_AFTER", 5*time.Minute),
		StalePolicy: strings.ToLower(r.str("STALE_POLICY", string(controller.StaleWarn))),

		SinkTimeout:     r.duration("SINK_TIMEOUT", 3*time.Second),
		BreakerFailures: r.int("PUBLISH_BREAKER_FAILURES", 5),
		BreakerOpenFor:  r.duration("PUBLISH_BREAKER_OPEN_FOR", 30*time.Second),
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Env != "dev" && c.Env != "prod" {
		errs = append(errs, fmt.Errorf("APP_ENV must be dev or prod, got %q", c.Env))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		errs = append(errs, fmt.Errorf("RABBITMQ_PORT out of range: %d", c.MQTTPort))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	if strings.TrimSpace(c.SensorTopic) == "" {
		errs = append(errs, errors.New("SENSOR_SUB_TOPIC is required"))
	}
	if !strings.Contains(c.ValveTopicTemplate, "{device}") {
		errs = append(errs, fmt.Errorf("VALVE_TOPIC_TEMPLATE must contain {device}, got %q", c.ValveTopicTemplate))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be positive, got %d", c.Workers))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize))
	}
	if c.DedupTTL < 0 || c.StaleAfter < 0 {
		errs = append(errs, errors.New("DEDUP_TTL and STALE_AFTER must not be negative"))
	}
	if _, err := controller.ParseStalePolicy(c.StalePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.InfluxToken != "" && (c.InfluxURL == "" || c.InfluxOrg == "" || c.InfluxBucket == "") {
		errs = append(errs, errors.New("INFLUX_URL, INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_TOKEN is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// InfluxEnabled reports whether transitions are written to InfluxDB.
func (c Config) InfluxEnabled() bool { return c.InfluxToken != "" }

// envReader collects parse errors so that all bad variables are reported at once.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) int(key string, def int) int {
	v, err := envInt(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *envReader) float(key string, def float64) float64 {
	v, err := envFloat(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *envReader) bool(key string, def bool) bool {
	v, err := envBool(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *envReader) seconds(key string, def int) time.Duration {
	return time.Duration(r.int(key, def)) * time.Second
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

// envFloat accepts a decimal comma as well ("35,5").
func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64)
	if err != nil {
		return def, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
