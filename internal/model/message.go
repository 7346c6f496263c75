package model

import (
	"maps"
	"time"
)

type Status string

const (
	Pending  Status = "pending"
	Sent     Status = "sent"
	Failed   Status = "failed"
	Rejected Status = "rejected"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TemplateRef names a pre-approved template and its parameters.
type TemplateRef struct {
	Name       string   `json:"name"`
	Language   string   `json:"language,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
}

// Payload is what gets handed to the transport. Text or MediaURL make it
// free-form; Template makes it templated. With both set the template is the
// fallback used once the session window has closed.
type Payload struct {
	Text     string            `json:"text,omitempty"`
	MediaURL string            `json:"mediaUrl,omitempty"`
	Caption  string            `json:"caption,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Template *TemplateRef      `json:"template,omitempty"`
}

func (p Payload) IsFreeForm() bool {
	return p.Text != "" || p.MediaURL != ""
}

func (p Payload) HasTemplate() bool {
	return p.Template != nil && p.Template.Name != ""
}

// AsTemplate returns the templated variant of p. Options carry over, the
// caption belongs to the free-form media and does not.
func (p Payload) AsTemplate() Payload {
	return Payload{Template: p.Template, Options: p.Options}
}

// ScreenedText is the customer-visible free text: body and caption.
func (p Payload) ScreenedText() string {
	switch {
	case p.Text == "":
		return p.Caption
	case p.Caption == "":
		return p.Text
	default:
		return p.Text + "\n" + p.Caption
	}
}

// Summary is a short, log-safe rendition of the payload.
func (p Payload) Summary() string {
	switch {
	case p.Text != "":
		r := []rune(p.Text)
		if len(r) > 80 {
			return string(r[:80]) + "…"
		}
		return p.Text
	case p.MediaURL != "":
		return "[media] " + p.MediaURL
	case p.HasTemplate():
		return "[template] " + p.Template.Name
	default:
		return ""
	}
}

type QueueItem struct {
	ID          string            `json:"id"`
	Recipient   string            `json:"recipient"`
	Payload     Payload           `json:"payload"`
	Priority    Priority          `json:"priority"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"maxAttempts"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	Caption     string            `json:"caption,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`

	// ExistsChecked is set once the transport confirmed the recipient.
	ExistsChecked bool `json:"-"`
}

// Outbound is the payload with the item's caption and options attached.
func (it QueueItem) Outbound() Payload {
	p := it.Payload
	if it.Caption != "" {
		p.Caption = it.Caption
	}
	if len(it.Options) > 0 {
		merged := make(map[string]string, len(p.Options)+len(it.Options))
		maps.Copy(merged, p.Options)
		maps.Copy(merged, it.Options)
		p.Options = merged
	}
	return p
}
