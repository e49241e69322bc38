package messages

import (
	"time"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// InspectionEvent kinds.
const (
	EventTransition = "transition"
	EventVerdict    = "verdict"
	EventFault      = "fault"
)

// InspectionEvent is published on the events topic for local dashboards.
type InspectionEvent struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"session_id,omitempty"`
	From      entities.SessionState    `json:"from,omitempty"`
	To        entities.SessionState    `json:"to,omitempty"`
	Verdict   *entities.AnomalyVerdict `json:"verdict,omitempty"`
	LED       entities.LEDState        `json:"led,omitempty"`
	Message   string                   `json:"message,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}
