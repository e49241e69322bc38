// Package brokertest provides an in-memory mqtt.Client for tests.
package brokertest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Error() error                   { return t.err }
func (t token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return m.qos }
func (m message) Retained() bool    { return m.retained }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

var _ mqtt.Client = (*Client)(nil)

// Published is a message recorded by the fake client.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client is a loopback broker: every Publish is delivered synchronously to the
// subscribers of matching filters.
type Client struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]mqtt.MessageHandler
	published []Published

	// PublishErr, when set, is returned by every Publish.
	PublishErr error
	// Duplicate delivers every message twice, as a QoS1 redelivery would.
	Duplicate bool
}

func NewClient() *Client {
	return &Client{connected: true, subs: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return token{}
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return token{err: err}
	}
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Payload: b})
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	dup := c.Duplicate
	c.mu.Unlock()

	msg := message{topic: topic, qos: qos, retained: retained, payload: b}
	for _, h := range handlers {
		h(c, msg)
		if dup {
			h(c, msg)
		}
	}
	return token{}
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
	return token{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for f, q := range filters {
		c.Subscribe(f, q, callback)
	}
	return token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return token{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) { c.Subscribe(topic, 0, callback) }

func (c *Client) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// Subscribed reports whether filter currently has a handler.
func (c *Client) Subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[filter]
	return ok
}

// Messages returns a copy of every message published on topic.
func (c *Client) Messages(topic string) []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Published
	for _, p := range c.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Match reports whether an MQTT topic filter (with + and # wildcards) matches topic.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
