// Package actuator drives the status indicator LED.
package actuator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
)

// Driver sets the indicator. SetState must be idempotent.
type Driver interface {
	SetState(entities.LEDState) error
}

// Log only records state changes. Used when no LED is wired.
type Log struct {
	mu   sync.Mutex
	last entities.LEDState
	log  *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{last: entities.LEDOff, log: log}
}

func (l *Log) SetState(s entities.LEDState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == l.last {
		return nil
	}
	l.log.Info("indicator", zap.String("from", string(l.last)), zap.String("to", string(s)))
	l.last = s
	return nil
}

// LEDMessage is published on every state change by the MQTT driver.
type LEDMessage struct {
	LED       entities.LEDState `json:"led"`
	Timestamp time.Time         `json:"timestamp"`
}

// MQTT mirrors the indicator to a retained topic, for rooms where the LED
// sits on a remote board.
type MQTT struct {
	pub   broker.IPublisher
	topic string

	mu   sync.Mutex
	last entities.LEDState
	set  bool
}

func NewMQTT(pub broker.IPublisher, topic string) *MQTT {
	return &MQTT{pub: pub, topic: topic}
}

func (m *MQTT) SetState(s entities.LEDState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set && s == m.last {
		return nil
	}
	b, err := json.Marshal(LEDMessage{LED: s, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := m.pub.Publish(m.topic, 1, true, b); err != nil {
		return fmt.Errorf("publish led state: %w", err)
	}
	m.last, m.set = s, true
	return nil
}

// Validate rejects states outside off/green/red.
func Validate(s entities.LEDState) error {
	switch s {
	case entities.LEDOff, entities.LEDGreen, entities.LEDRed:
		return nil
	}
	return fmt.Errorf("unknown led state %q", s)
}
