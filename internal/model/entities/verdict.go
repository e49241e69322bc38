package entities

// Finding is one out-of-band dimension.
type Finding struct {
	Dimension string  `json:"dimension"` // direction name or ambient source
	Value     float64 `json:"value"`
	Limit     float64 `json:"limit"`
	Text      string  `json:"text"`
}

// AnomalyVerdict is the result of evaluating one completed sweep.
type AnomalyVerdict struct {
	Anomalous    bool         `json:"anomalous"`
	Reason       string       `json:"reason"`
	Findings     []Finding    `json:"findings,omitempty"`
	Measurements RangingSweep `json:"-"`
	Ambient      Ambient      `json:"ambient"`
}

// LEDState is the indicator colour.
type LEDState string

const (
	LEDOff   LEDState = "off"
	LEDGreen LEDState = "green"
	LEDRed   LEDState = "red"
)

// ActuatorState is the process-wide actuator state.
type ActuatorState struct {
	LED LEDState `json:"led"`
}
