package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_inspection/internal/services/drone"
)

// Status is a point-in-time copy of the loop state.
type Status struct {
	Policy               string                   `json:"trigger_policy"`
	LED                  entities.LEDState        `json:"led"`
	Session              entities.SessionState    `json:"session"`
	SessionID            string                   `json:"session_id,omitempty"`
	Fatal                bool                     `json:"fatal"`
	FatalMessage         string                   `json:"fatal_message,omitempty"`
	AwaitingConfirmation bool                     `json:"awaiting_confirmation"`
	InferenceInFlight    bool                     `json:"inference_in_flight"`
	QueuedUtterances     int                      `json:"queued_utterances"`
	PendingMotion        int                      `json:"pending_motion"`
	Turns                int                      `json:"turns"`
	LastVerdict          *entities.AnomalyVerdict `json:"last_verdict,omitempty"`
	At                   time.Time                `json:"at"`
}

func (o *Orchestrator) status() Status {
	st := Status{
		Policy:               o.cfg.TriggerPolicy,
		LED:                  o.led,
		Session:              o.lastSession,
		SessionID:            o.lastSessionID,
		Fatal:                o.fatal,
		FatalMessage:         o.fatalMsg,
		AwaitingConfirmation: o.awaitingConfirm,
		InferenceInFlight:    o.inflight,
		QueuedUtterances:     len(o.queue),
		PendingMotion:        o.pendingMotion,
		Turns:                len(o.conv),
		At:                   time.Now().UTC(),
	}
	if o.active != nil {
		st.Session = o.active.State()
		st.SessionID = o.active.ID()
	}
	if o.lastVerdict != nil {
		v := *o.lastVerdict
		st.LastVerdict = &v
	}
	return st
}

// FormatStatus renders the status for the console and the report_status tool.
func FormatStatus(st Status, snap entities.Snapshot) string {
	var b strings.Builder
	b.WriteString("SYSTEM STATUS\n")
	for _, src := range sensorOrder {
		r, ok := snap[src]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-12s %s\n", string(src)+":", formatReading(r))
	}
	fmt.Fprintf(&b, "  %-12s %s\n", "led:", strings.ToUpper(string(st.LED)))
	flight := string(st.Session)
	if st.SessionID != "" {
		flight += " (" + shortID(st.SessionID) + ")"
	}
	fmt.Fprintf(&b, "  %-12s %s\n", "drone:", flight)
	if st.LastVerdict != nil {
		fmt.Fprintf(&b, "  %-12s %s\n", "last scan:", st.LastVerdict.Reason)
	}
	if st.Fatal {
		b.WriteString("  FAULT: landing not confirmed, acknowledge before flying again\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func summarize(id string, res drone.Result, v entities.AnomalyVerdict, led entities.LEDState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Inspection %s complete (%d steps, %d samples).", id, res.Sweep.Steps(), len(res.Sweep))
	if res.Aborted {
		fmt.Fprintf(&b, " Scan stopped early: %s.", res.AbortReason)
	}
	if v.Anomalous {
		fmt.Fprintf(&b, " Anomaly: %s", v.Reason)
		if n := len(v.Findings); n > 1 {
			fmt.Fprintf(&b, " (+%d more)", n-1)
		}
		b.WriteString(".")
	} else {
		fmt.Fprintf(&b, " No anomaly: %s.", v.Reason)
	}
	fmt.Fprintf(&b, " LED %s.", strings.ToUpper(string(led)))
	return b.String()
}
