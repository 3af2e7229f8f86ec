package models

import "encoding/json"

// EventType names a result set transition.
type EventType int

const (
	KeyEntered EventType = iota
	KeyMoved
	KeyExited
)

func (t EventType) String() string {
	switch t {
	case KeyEntered:
		return "key_entered"
	case KeyMoved:
		return "key_moved"
	case KeyExited:
		return "key_exited"
	default:
		return "unknown"
	}
}

// Event reports a key entering, moving within, or leaving a query's circle.
// For exits, Location is the last known location.
type Event struct {
	Type     EventType       `json:"-"`
	Key      string          `json:"key"`
	Location Location        `json:"location"`
	Distance float64         `json:"distance_km"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
