package model

import "time"

// Outcome is one row of the append-only delivery audit log.
type Outcome struct {
	ItemID    string    `json:"itemId"`
	Recipient string    `json:"recipient"`
	Summary   string    `json:"summary"`
	Status    Status    `json:"status"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

type FailureRecord struct {
	ItemID    string    `json:"itemId"`
	Recipient string    `json:"recipient"`
	Summary   string    `json:"summary"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failedAt"`
}

type RecipientStatus struct {
	Recipient      string    `json:"recipient"`
	OptedIn        bool      `json:"optedIn"`
	Blocked        bool      `json:"blocked"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}
