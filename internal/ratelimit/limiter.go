package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMinDelay  = 2 * time.Second
	HumanPacingFloor = 5 * time.Second
	DefaultLookback  = 30 * 24 * time.Hour
	hourWindowLength = time.Hour
)

type Config struct {
	MinDelay                  time.Duration
	HumanPacing               bool
	MaxPerRecipientPerDay     int
	MaxPerMinute              int
	MaxPerHour                int
	MaxNewConversationsPerDay int
	// NewConversationLookback is how far back a previous outbound makes a
	// recipient "known".
	NewConversationLookback time.Duration
	// UniqueRecipientCap, when set, caps distinct recipients per day. It
	// returns 0 for no cap.
	UniqueRecipientCap func(now time.Time) int
	Location           *time.Location
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

func (d Decision) RetryAfterSeconds() float64 {
	return math.Round(d.RetryAfter.Seconds()*10) / 10
}

// Limiter implements the multi-window send limits. Every method takes the
// same mutex, so a check and its reservation are one step.
type Limiter struct {
	cfg    Config
	mu     sync.Mutex
	state  *State
	minute *rate.Limiter
}

func NewLimiter(cfg Config, state *State) *Limiter {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.NewConversationLookback <= 0 {
		cfg.NewConversationLookback = DefaultLookback
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if state == nil {
		state = NewState()
	}

	l := &Limiter{cfg: cfg, state: state}
	if cfg.MaxPerMinute > 0 {
		l.minute = rate.NewLimiter(rate.Limit(float64(cfg.MaxPerMinute)/60), cfg.MaxPerMinute)
	}
	return l
}

// Floor is the minimum spacing between two sends to the same recipient.
func (l *Limiter) Floor() time.Duration {
	if l.cfg.HumanPacing && l.cfg.MinDelay < HumanPacingFloor {
		return HumanPacingFloor
	}
	return l.cfg.MinDelay
}

func (l *Limiter) Location() *time.Location {
	return l.cfg.Location
}

// CheckAndReserve evaluates every rule for recipient and, when all pass,
// reserves the slot before returning.
func (l *Limiter) CheckAndReserve(recipient string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked(now)
	s := l.state
	rc := s.recipient(recipient)

	if now.Before(rc.CooldownUntil) {
		return reject(rc.CooldownUntil.Sub(now), "recipient %s is cooling down until %s", recipient, rc.CooldownUntil.In(l.cfg.Location).Format(time.DateTime))
	}

	last, known := s.lastOutbound[recipient]
	isNew := !known || now.Sub(last) >= l.cfg.NewConversationLookback
	if isNew && l.cfg.MaxNewConversationsPerDay > 0 && s.Global.NewConversationsToday >= l.cfg.MaxNewConversationsPerDay {
		return reject(NextMidnight(now, l.cfg.Location).Sub(now), "daily limit of %d new conversations reached", l.cfg.MaxNewConversationsPerDay)
	}

	if l.cfg.UniqueRecipientCap != nil {
		_, contacted := s.Global.UniqueRecipients[recipient]
		if limit := l.cfg.UniqueRecipientCap(now); limit > 0 && !contacted && len(s.Global.UniqueRecipients) >= limit {
			return reject(NextMidnight(now, l.cfg.Location).Sub(now), "daily limit of %d unique recipients reached", limit)
		}
	}

	floor := l.Floor()
	if !rc.LastReservedAt.IsZero() {
		if elapsed := now.Sub(rc.LastReservedAt); elapsed < floor {
			return reject(floor-elapsed, "minimum delay of %s between messages to %s not elapsed", floor, recipient)
		}
	}

	if l.cfg.MaxPerRecipientPerDay > 0 && rc.ReservedToday >= l.cfg.MaxPerRecipientPerDay {
		rc.CooldownUntil = NextMidnight(now, l.cfg.Location)
		return reject(rc.CooldownUntil.Sub(now), "daily limit of %d messages to %s reached", l.cfg.MaxPerRecipientPerDay, recipient)
	}

	s.Global.HourWindow = pruneBefore(s.Global.HourWindow, now.Add(-hourWindowLength))
	if l.cfg.MaxPerHour > 0 && len(s.Global.HourWindow) >= l.cfg.MaxPerHour {
		return reject(s.Global.HourWindow[0].Add(hourWindowLength).Sub(now), "hourly limit of %d messages reached", l.cfg.MaxPerHour)
	}

	// the minute bucket mutates on reserve, so it goes last
	if l.minute != nil {
		r := l.minute.ReserveN(now, 1)
		if d := r.DelayFrom(now); !r.OK() || d > 0 {
			r.CancelAt(now)
			return reject(d, "per-minute limit of %d messages reached", l.cfg.MaxPerMinute)
		}
	}

	rc.LastReservedAt = now
	rc.ReservedToday++
	s.Global.HourWindow = append(s.Global.HourWindow, now)
	s.Global.UniqueRecipients[recipient] = struct{}{}
	if isNew {
		s.Global.NewConversationsToday++
	}
	s.lastOutbound[recipient] = now

	return Decision{Allowed: true}
}

// NextAllowed is the earliest instant the consumer may hand the next message
// for recipient to the transport.
func (l *Limiter) NextAllowed(recipient string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc, ok := l.state.Recipients[recipient]
	if !ok || rc.LastAttemptAt.IsZero() {
		return time.Time{}
	}
	return rc.LastAttemptAt.Add(l.Floor())
}

func (l *Limiter) RecordAttempt(recipient string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.recipient(recipient).LastAttemptAt = at
}

func (l *Limiter) RecordSent(recipient string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked(at)
	rc := l.state.recipient(recipient)
	rc.LastSentAt = at
	if at.After(rc.LastAttemptAt) {
		rc.LastAttemptAt = at
	}
	rc.SentToday++
	l.state.Global.SentToday++
}

func (l *Limiter) RecordFailed(recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Global.FailedToday++
}

func (l *Limiter) RecordBlocked(recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Global.BlockedToday++
}

func (l *Limiter) UniqueRecipientsToday() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.state.Global.UniqueRecipients)
}

func (l *Limiter) ContactedToday(recipient string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.state.Global.UniqueRecipients[recipient]
	return ok
}

// Counters returns a copy of recipient's counters.
func (l *Limiter) Counters(recipient string) RecipientCounters {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rc, ok := l.state.Recipients[recipient]; ok {
		return *rc
	}
	return RecipientCounters{}
}

func (l *Limiter) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.state.Global
	return Snapshot{
		Day:                   l.state.Day,
		SentToday:             g.SentToday,
		FailedToday:           g.FailedToday,
		BlockedToday:          g.BlockedToday,
		NewConversationsToday: g.NewConversationsToday,
		UniqueRecipients:      len(g.UniqueRecipients),
		LastHour:              len(pruneBefore(append([]time.Time(nil), g.HourWindow...), now.Add(-hourWindowLength))),
	}
}

// ResetDaily zeroes the day counters. Calling it again for the same instant
// leaves the counters at zero.
func (l *Limiter) ResetDaily(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.resetDaily(dayKey(now, l.cfg.Location), now.Add(-l.cfg.NewConversationLookback))
}

func (l *Limiter) rollDayLocked(now time.Time) {
	day := dayKey(now, l.cfg.Location)
	if l.state.Day == "" {
		l.state.Day = day
		return
	}
	if day > l.state.Day {
		l.state.resetDaily(day, now.Add(-l.cfg.NewConversationLookback))
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func reject(retryAfter time.Duration, format string, args ...any) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter, Reason: fmt.Sprintf(format, args...)}
}
