package compliance

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultProhibitedTerms are spam triggers commonly flagged by the chat
// platform's anti-abuse heuristics.
var DefaultProhibitedTerms = []string{
	`klik\s*di\s*sini`,
	`100\s*%\s*gratis`,
	`gratis\s*!{2,}`,
	`!{3,}`,
	`menangkan\s+hadiah`,
	`promo\s+terbatas`,
	`dijamin\s+untung`,
	`transfer\s+sekarang`,
	`click\s+here`,
}

var DefaultPersonalizationMarkers = []string{
	"bapak", "ibu", "pak", "bu", "kak", "mas", "mbak", "saudara", "saudari",
}

var (
	urlPattern         = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)
	placeholderPattern = regexp.MustCompile(`\{\{\s*\w+\s*\}\}`)
)

// ContentPolicy holds the compiled content rules. All checks are pure.
type ContentPolicy struct {
	prohibited             []*regexp.Regexp
	maxLength              int
	maxURLs                int
	requirePersonalization bool
	markers                []string
}

func NewContentPolicy(terms []string, maxLength, maxURLs int, requirePersonalization bool, markers []string) (*ContentPolicy, error) {
	p := &ContentPolicy{
		maxLength:              maxLength,
		maxURLs:                maxURLs,
		requirePersonalization: requirePersonalization,
		markers:                markers,
	}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		rx, err := regexp.Compile("(?i)" + term)
		if err != nil {
			return nil, fmt.Errorf("invalid prohibited term %q: %w", term, err)
		}
		p.prohibited = append(p.prohibited, rx)
	}
	if len(p.markers) == 0 {
		p.markers = DefaultPersonalizationMarkers
	}
	return p, nil
}

// Check returns blocking reasons and non-blocking warnings for text.
func (p *ContentPolicy) Check(text string) (reasons, warnings []string) {
	if term, ok := MatchProhibited(text, p.prohibited); ok {
		reasons = append(reasons, fmt.Sprintf("message contains prohibited content %q", term))
	}
	if !WithinLength(text, p.maxLength) {
		reasons = append(reasons, fmt.Sprintf("message exceeds %d characters", p.maxLength))
	}
	if p.maxURLs >= 0 {
		if n := CountURLs(text); n > p.maxURLs {
			reasons = append(reasons, fmt.Sprintf("message contains %d links, at most %d allowed", n, p.maxURLs))
		}
	}
	if !HasPersonalization(text, p.markers) {
		if p.requirePersonalization {
			reasons = append(reasons, "message is not personalized")
		} else {
			warnings = append(warnings, "message is not personalized")
		}
	}
	if IsShouting(text) {
		warnings = append(warnings, "message is mostly upper-case")
	}
	return reasons, warnings
}

// MatchProhibited returns the first fragment of text matching any pattern.
func MatchProhibited(text string, patterns []*regexp.Regexp) (string, bool) {
	for _, rx := range patterns {
		if m := rx.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

// WithinLength counts runes, not bytes. A max of zero or less disables the check.
func WithinLength(text string, max int) bool {
	return max <= 0 || utf8.RuneCountInString(text) <= max
}

func CountURLs(text string) int {
	return len(urlPattern.FindAllStringIndex(text, -1))
}

// HasPersonalization looks for an honorific or name placeholder as a whole word.
func HasPersonalization(text string, markers []string) bool {
	if placeholderPattern.MatchString(text) {
		return true
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		for _, m := range markers {
			if w == m {
				return true
			}
		}
	}
	return false
}

func IsShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 10 && float64(upper)/float64(letters) > 0.7
}
