package ratelimit

import "time"

// RecipientCounters are the per-recipient counters. The *Today fields reset
// at local midnight; the timestamps survive the reset so pacing holds across
// the day boundary.
type RecipientCounters struct {
	LastReservedAt time.Time `json:"lastReservedAt"`
	LastAttemptAt  time.Time `json:"lastAttemptAt"`
	LastSentAt     time.Time `json:"lastSentAt"`
	SentToday      int       `json:"sentToday"`
	ReservedToday  int       `json:"reservedToday"`
	CooldownUntil  time.Time `json:"cooldownUntil"`
}

type GlobalCounters struct {
	// reservation timestamps inside the rolling hour
	HourWindow            []time.Time         `json:"-"`
	SentToday             int                 `json:"sentToday"`
	FailedToday           int                 `json:"failedToday"`
	BlockedToday          int                 `json:"blockedToday"`
	NewConversationsToday int                 `json:"newConversationsToday"`
	UniqueRecipients      map[string]struct{} `json:"-"`
}

// State is all limiter state. It is owned by whoever owns the Limiter (the
// delivery queue) rather than living in package globals.
type State struct {
	Day        string
	Recipients map[string]*RecipientCounters
	Global     GlobalCounters

	// last outbound per recipient, kept across days for the new-conversation rule
	lastOutbound map[string]time.Time
}

func NewState() *State {
	return &State{
		Recipients:   make(map[string]*RecipientCounters),
		Global:       GlobalCounters{UniqueRecipients: make(map[string]struct{})},
		lastOutbound: make(map[string]time.Time),
	}
}

func (s *State) recipient(id string) *RecipientCounters {
	rc, ok := s.Recipients[id]
	if !ok {
		rc = &RecipientCounters{}
		s.Recipients[id] = rc
	}
	return rc
}

// resetDaily zeroes the day counters and forgets recipients with no outbound
// since stale. Those would count as new conversations anyway.
func (s *State) resetDaily(day string, stale time.Time) {
	for id, at := range s.lastOutbound {
		if at.Before(stale) {
			delete(s.lastOutbound, id)
		}
	}
	for id, rc := range s.Recipients {
		if _, known := s.lastOutbound[id]; !known && !latest(rc).After(stale) {
			delete(s.Recipients, id)
			continue
		}
		rc.SentToday = 0
		rc.ReservedToday = 0
		rc.CooldownUntil = time.Time{}
	}
	s.Global.SentToday = 0
	s.Global.FailedToday = 0
	s.Global.BlockedToday = 0
	s.Global.NewConversationsToday = 0
	s.Global.UniqueRecipients = make(map[string]struct{})
	s.Day = day
}

// Snapshot is a read-only copy of the day's totals.
type Snapshot struct {
	Day                   string `json:"day"`
	SentToday             int    `json:"sentToday"`
	FailedToday           int    `json:"failedToday"`
	BlockedToday          int    `json:"blockedToday"`
	NewConversationsToday int    `json:"newConversationsToday"`
	UniqueRecipients      int    `json:"uniqueRecipients"`
	LastHour              int    `json:"lastHour"`
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// NextMidnight returns the first local midnight strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	l := now.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, loc)
}

func latest(rc *RecipientCounters) time.Time {
	t := rc.LastReservedAt
	if rc.LastAttemptAt.After(t) {
		t = rc.LastAttemptAt
	}
	if rc.LastSentAt.After(t) {
		t = rc.LastSentAt
	}
	return t
}
