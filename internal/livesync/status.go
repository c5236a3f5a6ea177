package livesync

import (
	"encoding/json"
	"time"
)

// Mode is the active update mechanism.
type Mode int

const (
	Disconnected Mode = iota
	Connected
	Polling
)

var modeNames = [...]string{
	Disconnected: "disconnected",
	Connected:    "connected",
	Polling:      "polling",
}

// Modes lists every mode, for metric initialization.
var Modes = []Mode{Disconnected, Connected, Polling}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// MarshalJSON renders the mode name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Status is a point-in-time view of the reconciler.
type Status struct {
	Mode              Mode      `json:"mode"`
	ModeSince         time.Time `json:"mode_since"`
	Generation        uint64    `json:"generation"`
	AppliedGeneration uint64    `json:"applied_generation"`
	LastSync          time.Time `json:"last_sync"`
	LastRejected      int       `json:"last_rejected"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at"`
	Failures          uint64    `json:"failures"`
	PushEvents        uint64    `json:"push_events"`
	Polls             uint64    `json:"polls"`
}
