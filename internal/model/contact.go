// Package model defines the communication-history records shared by the
// webhook and batch-import pipelines.
package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Contact is a communication identity keyed by phone number.
type Contact struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	DisplayName string    `json:"display_name,omitempty"`
	Source      Source    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Conversation is a thread of activities for one contact. The last-activity
// fields are derived from the activities written into it.
type Conversation struct {
	ID                     string       `json:"id"`
	ExternalID             string       `json:"external_id,omitempty"`
	ContactID              string       `json:"contact_id"`
	PhoneNumberID          string       `json:"phone_number_id,omitempty"`
	LastActivityAt         *time.Time   `json:"last_activity_at,omitempty"`
	LastActivityType       ActivityType `json:"last_activity_type,omitempty"`
	LastActivityID         string       `json:"last_activity_id,omitempty"`
	LastActivityExternalID string       `json:"last_activity_external_id,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// NormalizePhone reduces a phone number to a leading '+' (when present)
// followed by digits. Returns "" when no digits remain.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.Trim(out, "+") == "" {
		return ""
	}
	return out
}

// NormalizeName trims and NFC-normalizes a display name.
func NormalizeName(raw string) string {
	return norm.NFC.String(strings.Join(strings.Fields(raw), " "))
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
