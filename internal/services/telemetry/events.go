package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/model/messages"
	"github.com/LeonardoBeccarini/smart_inspection/pkg/broker"
)

// EventPublisher mirrors session transitions, verdicts and faults to MQTT (QoS1).
// A nil publisher drops everything.
type EventPublisher struct {
	pub   broker.IPublisher
	topic string
	log   *zap.Logger
}

func NewEventPublisher(pub broker.IPublisher, topic string, log *zap.Logger) *EventPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventPublisher{pub: pub, topic: topic, log: log}
}

func (p *EventPublisher) publish(ev messages.InspectionEvent) {
	if p == nil || p.pub == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := broker.PublishJSON(p.pub, p.topic, 1, ev); err != nil {
		p.log.Warn("event publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (p *EventPublisher) Transition(sessionID string, from, to entities.SessionState, at time.Time) {
	p.publish(messages.InspectionEvent{
		Type: messages.EventTransition, SessionID: sessionID, From: from, To: to, Timestamp: at,
	})
}

func (p *EventPublisher) Verdict(sessionID string, v entities.AnomalyVerdict, led entities.LEDState) {
	p.publish(messages.InspectionEvent{
		Type: messages.EventVerdict, SessionID: sessionID, Verdict: &v, LED: led,
	})
}

func (p *EventPublisher) Fault(sessionID, msg string) {
	p.publish(messages.InspectionEvent{Type: messages.EventFault, SessionID: sessionID, Message: msg})
}
