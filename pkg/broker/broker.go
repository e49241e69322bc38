// Package broker wraps the paho MQTT client used for the drone bridge and
// the local event stream.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	ClientID   string `json:"client_id"`
	MaxRetries int    `json:"max_retries"`
}

// Enabled reports whether a broker is configured at all.
func (c Config) Enabled() bool { return c.Host != "" && c.Port > 0 }

func (c Config) URL() string { return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port) }

// Connect dials the broker with exponential backoff. The client is
// disconnected when ctx is cancelled.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (mqtt.Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL())
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn("mqtt connect failed", zap.String("broker", cfg.URL()), zap.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.URL(), err)
	}
	log.Info("mqtt connected", zap.String("broker", cfg.URL()), zap.String("client_id", cfg.ClientID))

	go func() {
		<-ctx.Done()
		Close(client)
		log.Info("mqtt connection closed")
	}()
	return client, nil
}

func Close(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
