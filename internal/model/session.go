package model

import "time"

type Initiator string

const (
	InitiatedByCustomer Initiator = "customer"
	InitiatedByBusiness Initiator = "business"
)

// ConversationSession tracks the customer-service window of one conversation.
// Whether the window is open is always derived from the timestamps.
type ConversationSession struct {
	Conversation  string    `json:"conversation"`
	LastInboundAt time.Time `json:"lastInboundAt"`
	StartedAt     time.Time `json:"startedAt"`
	Initiator     Initiator `json:"initiator"`
}

// HasInbound reports whether the customer has ever written in this conversation.
func (s ConversationSession) HasInbound() bool {
	return !s.LastInboundAt.IsZero()
}

// anchor is the instant the current window is measured from.
func (s ConversationSession) anchor() time.Time {
	if s.HasInbound() {
		return s.LastInboundAt
	}
	return s.StartedAt
}

// WindowOpen reports whether a free-form send is allowed at now.
func (s ConversationSession) WindowOpen(now time.Time, horizon time.Duration) bool {
	a := s.anchor()
	if a.IsZero() {
		return false
	}
	return now.Sub(a) < horizon
}

// ReplyWindowOpen reports whether the customer wrote within the horizon.
func (s ConversationSession) ReplyWindowOpen(now time.Time, horizon time.Duration) bool {
	return s.HasInbound() && now.Sub(s.LastInboundAt) < horizon
}
