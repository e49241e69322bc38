package entities

import "time"

// SensorSource identifies one physical sensor channel.
type SensorSource string

const (
	SourceMotion      SensorSource = "motion"
	SourceTemperature SensorSource = "temperature"
	SourceHumidity    SensorSource = "humidity"
	SourcePressure    SensorSource = "pressure"
	SourceButton      SensorSource = "button"
)

// AmbientSources are the numeric channels used to characterize the room, in evaluation order.
var AmbientSources = []SensorSource{SourceTemperature, SourceHumidity, SourcePressure}

// SensorReading is one sample from a sensor. Value is float64 (°C, %RH, hPa)
// or bool (motion, button), and nil when the read failed.
type SensorReading struct {
	Source    SensorSource `json:"source"`
	Value     any          `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
}

func (r SensorReading) Absent() bool { return r.Value == nil }

// Float returns the numeric value, false when absent or boolean.
func (r SensorReading) Float() (float64, bool) {
	f, ok := r.Value.(float64)
	return f, ok
}

// Bool returns the boolean value, false when absent or numeric.
func (r SensorReading) Bool() (bool, bool) {
	b, ok := r.Value.(bool)
	return b, ok
}

// Snapshot is one poll of every configured sensor.
type Snapshot map[SensorSource]SensorReading

// Ambient keeps only the present numeric ambient readings.
func (s Snapshot) Ambient() Ambient {
	out := make(Ambient, len(AmbientSources))
	for _, src := range AmbientSources {
		if f, ok := s[src].Float(); ok {
			out[src] = f
		}
	}
	return out
}

// Ambient maps an ambient source to its present value. Missing keys mean no data.
type Ambient map[SensorSource]float64

// MotionEvent is an edge from the PIR sensor.
type MotionEvent struct {
	Active bool      `json:"active"`
	At     time.Time `json:"at"`
}
