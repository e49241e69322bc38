package orchestrator

import (
	"fmt"
	"strings"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// SystemPrompt opens every inference window.
const SystemPrompt = `You are the assistant of a smart inspection system watching one room. ` +
	`The room has a motion sensor, temperature, humidity and pressure sensors, a push button, ` +
	`a status LED and a Crazyflie drone with a multi-direction ranging deck.

RULES:
- Be concise and conversational.
- Call start_inspection ONLY when the user explicitly asks for a drone inspection ` +
	`("inspect the room", "fly the drone", "start a crazyflie scan") or answers yes to a motion alert. ` +
	`Without an explicit request, DO NOT call it.
- Call report_status when the user asks about the sensors, the LED or the drone.
- Call reset_indicator when the user asks to turn the LED off or reset it.
- Otherwise answer in plain text using the STATUS block below.
- If you cannot call functions natively, reply with JSON only: {"call": "<name>", "arguments": {...}}.`

// MotionQuestion is asked under the confirm policy when motion is seen.
const MotionQuestion = "Motion detected. Start a drone inspection? (yes/no)"

const apology = "Sorry, I could not reach the language model. Please try again in a moment."

// offeredTools hides start_inspection unless the utterance mentions a keyword
// or a motion question is open. An empty keyword list offers every tool.
func (o *Orchestrator) offeredTools(text string) []entities.ToolName {
	all := o.deps.Router.Registry().Names()
	if len(o.cfg.Keywords) == 0 || o.awaitingConfirm || mentionsAny(text, o.cfg.Keywords) {
		return all
	}
	out := make([]entities.ToolName, 0, len(all))
	for _, n := range all {
		if n != entities.ToolStartInspection {
			out = append(out, n)
		}
	}
	return out
}

func mentionsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// statusHeader is the loop-owned half of the STATUS block; sensors are added
// off the loop.
type statusHeader struct {
	led      entities.LEDState
	session  entities.SessionState
	fatal    bool
	awaiting bool
}

func (o *Orchestrator) statusHeader() statusHeader {
	st := entities.SessionIdle
	if o.active != nil {
		st = o.active.State()
	}
	return statusHeader{led: o.led, session: st, fatal: o.fatal, awaiting: o.awaitingConfirm}
}

func (h statusHeader) withSensors(snap entities.Snapshot) string {
	var b strings.Builder
	b.WriteString("STATUS:\n")
	fmt.Fprintf(&b, "  Sensors: %s\n", sensorLine(snap))
	fmt.Fprintf(&b, "  LED=%s Drone=%s", strings.ToUpper(string(h.led)), h.session)
	if h.fatal {
		b.WriteString(" FAULT=landing not confirmed")
	}
	if h.awaiting {
		b.WriteString("\n  A motion alert is waiting for the user's yes/no.")
	}
	return b.String()
}

var sensorOrder = []entities.SensorSource{
	entities.SourceMotion,
	entities.SourceTemperature,
	entities.SourceHumidity,
	entities.SourcePressure,
	entities.SourceButton,
}

func sensorLine(snap entities.Snapshot) string {
	parts := make([]string, 0, len(sensorOrder))
	for _, src := range sensorOrder {
		r, ok := snap[src]
		if !ok {
			continue
		}
		parts = append(parts, string(src)+"="+formatReading(r))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func formatReading(r entities.SensorReading) string {
	if f, ok := r.Float(); ok {
		switch r.Source {
		case entities.SourceTemperature:
			return fmt.Sprintf("%.1f°C", f)
		case entities.SourceHumidity:
			return fmt.Sprintf("%.1f%%", f)
		case entities.SourcePressure:
			return fmt.Sprintf("%.2fhPa", f)
		}
		return fmt.Sprintf("%.2f", f)
	}
	if v, ok := r.Bool(); ok {
		switch r.Source {
		case entities.SourceMotion:
			if v {
				return "DETECTED"
			}
			return "NOT DETECTED"
		case entities.SourceButton:
			if v {
				return "PRESSED"
			}
			return "OFF"
		}
		return fmt.Sprint(v)
	}
	return "n/a"
}
