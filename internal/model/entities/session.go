package entities

// SessionState is the lifecycle of one inspection flight.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionScanning   SessionState = "scanning"
	SessionLanding    SessionState = "landing"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
)

func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// ScanStep is one yaw maneuver of the scan pattern.
type ScanStep struct {
	Index  int     `json:"index"`
	YawDeg float64 `json:"yaw_deg"` // positive is counter-clockwise (left)
}

// ScanPattern is the fixed sweep flown by every session.
type ScanPattern struct {
	HeightM float64    `json:"height_m"`
	Steps   []ScanStep `json:"steps"`
}

// RotationPattern builds a left turn of 360° followed by a right turn of 360°, in stepDeg increments.
func RotationPattern(heightM, stepDeg float64) ScanPattern {
	if stepDeg <= 0 || stepDeg > 360 {
		stepDeg = 45
	}
	n := int(360 / stepDeg)
	p := ScanPattern{HeightM: heightM, Steps: make([]ScanStep, 0, 2*n)}
	for i := 0; i < n; i++ {
		p.Steps = append(p.Steps, ScanStep{Index: len(p.Steps), YawDeg: stepDeg})
	}
	for i := 0; i < n; i++ {
		p.Steps = append(p.Steps, ScanStep{Index: len(p.Steps), YawDeg: -stepDeg})
	}
	return p
}
