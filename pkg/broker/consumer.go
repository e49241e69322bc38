package broker

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler processes one message. A returned error is logged, the message is not redelivered.
type Handler func(topic string, msg mqtt.Message) error

// Consumer subscribes a set of topic filters to one handler.
type Consumer struct {
	client  mqtt.Client
	filters map[string]byte
	handler Handler
	log     *zap.Logger
}

func NewConsumer(client mqtt.Client, filters map[string]byte, handler Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{client: client, filters: filters, handler: handler, log: log}
}

// Subscribe registers every filter and returns once the broker has acknowledged them.
// Filters are unsubscribed when ctx ends.
func (c *Consumer) Subscribe(ctx context.Context) error {
	for topic, qos := range c.filters {
		token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
			if err := c.handler(msg.Topic(), msg); err != nil {
				c.log.Warn("handler error", zap.String("topic", msg.Topic()), zap.Error(err))
			}
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
		c.log.Debug("subscribed", zap.String("topic", topic), zap.Uint8("qos", qos))
	}

	go func() {
		<-ctx.Done()
		topics := make([]string, 0, len(c.filters))
		for t := range c.filters {
			topics = append(topics, t)
		}
		if c.client.IsConnected() {
			c.client.Unsubscribe(topics...).Wait()
		}
	}()
	return nil
}
