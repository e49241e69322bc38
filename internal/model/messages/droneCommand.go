package messages

import "time"

// DroneOp is a flight command understood by the radio bridge.
type DroneOp string

const (
	OpConnect    DroneOp = "connect"
	OpTakeoff    DroneOp = "takeoff"
	OpPattern    DroneOp = "pattern"
	OpLand       DroneOp = "land"
	OpDisconnect DroneOp = "disconnect"
)

// DroneCommand is published on <prefix>/cmd; the bridge answers with a DroneAck carrying the same ID.
type DroneCommand struct {
	ID      string    `json:"id"`
	Op      DroneOp   `json:"op"`
	URI     string    `json:"uri,omitempty"`
	HeightM float64   `json:"height_m,omitempty"`
	YawDeg  float64   `json:"yaw_deg,omitempty"`
	Step    int       `json:"step,omitempty"`
	At      time.Time `json:"at"`
}

// DroneAck confirms (OK) or rejects a command.
type DroneAck struct {
	ID    string    `json:"id"`
	Op    DroneOp   `json:"op"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}
