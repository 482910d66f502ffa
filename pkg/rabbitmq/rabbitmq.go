package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RabbitMQConfig describes the MQTT endpoint exposed by the broker.
type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	// CleanSession=false keeps subscriptions (and queued QoS1 messages) on the
	// broker across reconnects, so the consumer does not need to resubscribe.
	CleanSession bool

	ConnectTimeout time.Duration
	MaxRetries     int
	MaxElapsed     time.Duration

	// Optional connection events. Called from paho's goroutines.
	OnConnect        func()
	OnConnectionLost func(err error)

	Logger *slog.Logger
}

// BrokerURL returns the tcp:// address of the broker.
func (cfg *RabbitMQConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
}

func (cfg *RabbitMQConfig) logger() *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}

// NewRabbitMQConn connects to the broker, retrying with exponential backoff.
// An error means the broker could not be reached within the retry budget.
// ctx only bounds the connection attempts. Once connected, paho reconnects on
// its own and the caller disconnects with CloseRabbitMQConn.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQConfig) (mqtt.Client, error) {
	log := cfg.logger().With("component", "mqtt")
	connAddr := cfg.BrokerURL()

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to broker", "broker", connAddr)
		if cfg.OnConnect != nil {
			cfg.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("connection to broker lost", "broker", connAddr, "error", err)
		if cfg.OnConnectionLost != nil {
			cfg.OnConnectionLost(err)
		}
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			log.Warn("connect attempt timed out", "broker", connAddr)
			return fmt.Errorf("connect to %s: timeout", connAddr)
		}
		if err := token.Error(); err != nil {
			log.Warn("connect attempt failed", "broker", connAddr, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection to %s: %w", connAddr, err)
	}

	return client, nil
}

// CloseRabbitMQConn disconnects the client, giving in-flight work 250ms.
func CloseRabbitMQConn(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
