package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker/brokertest"
)

func TestPublishJSON(t *testing.T) {
	fc := brokertest.NewClient()
	p := NewPublisher(fc, time.Second)

	require.NoError(t, PublishJSON(p, "a/b", 1, map[string]int{"x": 1}))

	msgs := fc.Messages("a/b")
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(1), msgs[0].QoS)
	var got map[string]int
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, 1, got["x"])
}

func TestPublish_PropagatesError(t *testing.T) {
	fc := brokertest.NewClient()
	fc.PublishErr = errors.New("boom")
	err := NewPublisher(fc, time.Second).Publish("t", 0, false, []byte("x"))
	assert.ErrorContains(t, err, "boom")
}

func TestConsumer_DeliversAndUnsubscribes(t *testing.T) {
	fc := brokertest.NewClient()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []string
	c := NewConsumer(fc, map[string]byte{"drone/+/ack": 1}, func(topic string, msg mqtt.Message) error {
		mu.Lock()
		got = append(got, topic+"="+string(msg.Payload()))
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, c.Subscribe(ctx))

	fc.Publish("drone/cf1/ack", 1, false, []byte("ok"))
	fc.Publish("drone/cf1/cmd", 1, false, []byte("ignored"))

	mu.Lock()
	assert.Equal(t, []string{"drone/cf1/ack=ok"}, got)
	mu.Unlock()

	cancel()
	assert.Eventually(t, func() bool { return !fc.Subscribed("drone/+/ack") }, time.Second, 10*time.Millisecond)
}

func TestMatch(t *testing.T) {
	assert.True(t, brokertest.Match("a/#", "a/b/c"))
	assert.True(t, brokertest.Match("a/+/c", "a/b/c"))
	assert.False(t, brokertest.Match("a/+", "a/b/c"))
	assert.False(t, brokertest.Match("a/b", "a"))
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	c := Config{Host: "localhost", Port: 1883}
	assert.True(t, c.Enabled())
	assert.Equal(t, "tcp://localhost:1883", c.URL())
}
