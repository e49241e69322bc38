package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher sends a payload to a topic.
type IPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Publisher publishes on a shared client.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}
}

func (p *Publisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if p.client == nil {
		return errors.New("publish: nil mqtt client")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func PublishJSON(p IPublisher, topic string, qos byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return p.Publish(topic, qos, false, b)
}
