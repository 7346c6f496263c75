package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

const ReasonEmergencyPause = "emergency pause"

// WarmingTier caps unique recipients per day up to and including UpToDay.
type WarmingTier struct {
	UpToDay int
	Limit   int
}

var DefaultWarmingTiers = []WarmingTier{
	{UpToDay: 3, Limit: 5},
	{UpToDay: 7, Limit: 10},
	{UpToDay: 14, Limit: 20},
}

type Config struct {
	ActiveDays []time.Weekday
	StartHour  int
	EndHour    int
	Location   *time.Location

	ProhibitedTerms        []string
	MaxLength              int
	MaxURLs                int
	RequirePersonalization bool
	PersonalizationMarkers []string

	InactivityCeiling time.Duration

	IdentityCreatedAt  time.Time
	WarmingPeriodDays  int
	WarmingTiers       []WarmingTier
	WarmingSteadyLimit int
	WarmingHard        bool
}

func DefaultConfig() Config {
	return Config{
		ActiveDays:         []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
		StartHour:          8,
		EndHour:            20,
		Location:           time.Local,
		ProhibitedTerms:    DefaultProhibitedTerms,
		MaxLength:          1000,
		MaxURLs:            1,
		InactivityCeiling:  30 * 24 * time.Hour,
		WarmingPeriodDays:  14,
		WarmingTiers:       DefaultWarmingTiers,
		WarmingSteadyLimit: 50,
	}
}

type PauseChecker interface {
	Paused(now time.Time) bool
}

type WindowChecker interface {
	ReplyWindowOpen(ctx context.Context, conversation string, now time.Time) (bool, error)
}

// RecipientDirectory reports consent and activity. Unknown recipients come
// back as a zero status, which is "not opted in".
type RecipientDirectory interface {
	Status(ctx context.Context, recipient string) (model.RecipientStatus, error)
}

type VolumeCounter interface {
	UniqueRecipientsToday() int
	ContactedToday(recipient string) bool
}

// Gate runs the pre-enqueue policy checks.
type Gate struct {
	cfg       Config
	content   *ContentPolicy
	pause     PauseChecker
	windows   WindowChecker
	directory RecipientDirectory
	volume    VolumeCounter
	log       *slog.Logger
}

func NewGate(cfg Config, pause PauseChecker, windows WindowChecker, directory RecipientDirectory, volume VolumeCounter, logger *slog.Logger) (*Gate, error) {
	content, err := NewContentPolicy(cfg.ProhibitedTerms, cfg.MaxLength, cfg.MaxURLs, cfg.RequirePersonalization, cfg.PersonalizationMarkers)
	if err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:       cfg,
		content:   content,
		pause:     pause,
		windows:   windows,
		directory: directory,
		volume:    volume,
		log:       logger.With("component", "compliance"),
	}, nil
}

// Evaluate stops at the first failing stage. Warnings collected before that
// point are kept.
func (g *Gate) Evaluate(ctx context.Context, recipient string, payload model.Payload, now time.Time) model.ComplianceDecision {
	var d model.ComplianceDecision

	if g.pause != nil && g.pause.Paused(now) {
		return fail(d, ReasonEmergencyPause)
	}

	if !g.withinActiveHours(now) {
		open := false
		if g.windows != nil {
			var err error
			open, err = g.windows.ReplyWindowOpen(ctx, recipient, now)
			if err != nil {
				g.log.Warn("session lookup failed", "recipient", recipient, "err", err)
			}
		}
		if !open {
			return fail(d, g.activeHoursReason())
		}
	}

	// template bodies are pre-approved, only free text and captions are screened
	if text := payload.ScreenedText(); text != "" {
		reasons, warnings := g.content.Check(text)
		d.Warnings = append(d.Warnings, warnings...)
		if len(reasons) > 0 {
			return fail(d, reasons...)
		}
	}

	if g.directory != nil {
		st, err := g.directory.Status(ctx, recipient)
		if err != nil {
			return fail(d, fmt.Sprintf("recipient status unavailable: %v", err))
		}
		if reason := g.checkRecipient(st, now); reason != "" {
			return fail(d, reason)
		}
	}

	if msg := g.checkWarming(recipient, now); msg != "" {
		if g.cfg.WarmingHard {
			return fail(d, msg)
		}
		d.Warnings = append(d.Warnings, msg)
	}

	d.Passed = true
	return d
}

func (g *Gate) withinActiveHours(now time.Time) bool {
	l := now.In(g.cfg.Location)
	dayOK := false
	for _, wd := range g.cfg.ActiveDays {
		if wd == l.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	return l.Hour() >= g.cfg.StartHour && l.Hour() < g.cfg.EndHour
}

func (g *Gate) activeHoursReason() string {
	days := make([]string, 0, len(g.cfg.ActiveDays))
	for _, wd := range g.cfg.ActiveDays {
		days = append(days, wd.String()[:3])
	}
	return fmt.Sprintf("outside active hours (%s %02d:00-%02d:00)", strings.Join(days, ","), g.cfg.StartHour, g.cfg.EndHour)
}

func (g *Gate) checkRecipient(st model.RecipientStatus, now time.Time) string {
	switch {
	case st.Blocked:
		return "recipient is blocked"
	case !st.OptedIn:
		return "recipient has not opted in"
	case g.cfg.InactivityCeiling > 0 && !st.LastActivityAt.IsZero() && now.Sub(st.LastActivityAt) > g.cfg.InactivityCeiling:
		return fmt.Sprintf("recipient inactive for more than %d days", int(g.cfg.InactivityCeiling.Hours()/24))
	}
	return ""
}

func (g *Gate) checkWarming(recipient string, now time.Time) string {
	if g.volume == nil {
		return ""
	}
	limit := g.cfg.WarmingCap(now)
	if limit <= 0 || g.volume.ContactedToday(recipient) {
		return ""
	}
	if n := g.volume.UniqueRecipientsToday(); n >= limit {
		day := WarmingDay(g.cfg.IdentityCreatedAt, now)
		return fmt.Sprintf("warming period day %d: %d unique recipients today reached the limit of %d", day, n, limit)
	}
	return ""
}

// WarmingCap is the unique-recipient limit for the day containing now, or 0
// once the identity is out of its warming period. In hard mode the limiter
// also enforces it inside its reservation step.
func (c Config) WarmingCap(now time.Time) int {
	if c.IdentityCreatedAt.IsZero() || c.WarmingPeriodDays <= 0 {
		return 0
	}
	day := WarmingDay(c.IdentityCreatedAt, now)
	if day > c.WarmingPeriodDays {
		return 0
	}
	return WarmingLimit(c.WarmingTiers, c.WarmingSteadyLimit, day)
}

// WarmingDay is 1 on the day the identity was created.
func WarmingDay(created, now time.Time) int {
	if now.Before(created) {
		return 1
	}
	return int(now.Sub(created)/(24*time.Hour)) + 1
}

func WarmingLimit(tiers []WarmingTier, steady, day int) int {
	for _, t := range tiers {
		if day <= t.UpToDay {
			return t.Limit
		}
	}
	return steady
}

func fail(d model.ComplianceDecision, reasons ...string) model.ComplianceDecision {
	d.Passed = false
	d.Reasons = append(d.Reasons, reasons...)
	return d
}
