package model

import "time"

type EventType string

const (
	EventQueued          EventType = "queued"
	EventSent            EventType = "sent"
	EventRetry           EventType = "retry"
	EventFailed          EventType = "failed"
	EventRejected        EventType = "rejected"
	EventEmergencyPaused EventType = "emergency-paused"
)

// Event is emitted for every pipeline transition. Item is nil for
// emergency-paused.
type Event struct {
	Type   EventType  `json:"type"`
	Item   *QueueItem `json:"item,omitempty"`
	Reason string     `json:"reason,omitempty"`
	Err    string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}
