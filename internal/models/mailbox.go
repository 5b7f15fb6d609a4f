package models

import (
	"strings"
	"time"
)

const (
	ProviderGoogle  = "google"
	ProviderOutlook = "outlook"
)

type Mailbox struct {
	ID             int64      `json:"id"`
	Email          string     `json:"email"`
	Provider       string     `json:"provider"`
	AccessToken    string     `json:"-"`
	RefreshToken   *string    `json:"-"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt"`
	ClientID       *string    `json:"clientId,omitempty"`

	AddedAt   time.Time `json:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizeProvider maps provider spellings ("Gmail", "microsoft-graph", ...)
// onto the canonical tags stored with mailboxes and events.
func NormalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch {
	case strings.Contains(p, "google"), strings.Contains(p, "gmail"):
		return ProviderGoogle
	case strings.Contains(p, "microsoft"), strings.Contains(p, "outlook"):
		return ProviderOutlook
	default:
		return p
	}
}
