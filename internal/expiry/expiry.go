// Package expiry decides whether a mailbox token may still be used. The
// webhook boundary and both queue processors share one Resolver so they
// agree on which expiry timestamp is authoritative.
package expiry

import (
	"fmt"
	"strings"
	"time"

	"MailGateway/internal/models"
)

type Verdict struct {
	Expired   bool
	Reason    string
	ExpiresAt *time.Time
}

type Resolver struct {
	fallbacks map[string]time.Time
	now       func() time.Time
}

func NewResolver(fallbacks map[string]time.Time, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	fb := make(map[string]time.Time, len(fallbacks))
	for provider, at := range fallbacks {
		fb[models.NormalizeProvider(provider)] = at
	}
	return &Resolver{fallbacks: fb, now: now}
}

// ParseFallbacks builds the provider fallback map from the RFC 3339 values
// of GMAIL_TOKEN_EXPIRY and OUTLOOK_TOKEN_EXPIRY. Empty values are skipped.
func ParseFallbacks(gmail, outlook string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for provider, raw := range map[string]string{
		models.ProviderGoogle:  gmail,
		models.ProviderOutlook: outlook,
	} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s token expiry %q: %w", provider, raw, err)
		}
		out[provider] = at
	}
	return out, nil
}

// ExpiresAt returns the mailbox's own expiry when it has one, otherwise the
// provider-level fallback. Nil means the token never expires.
func (r *Resolver) ExpiresAt(m *models.Mailbox) *time.Time {
	if m == nil {
		return nil
	}
	if m.TokenExpiresAt != nil {
		at := *m.TokenExpiresAt
		return &at
	}
	if at, ok := r.fallbacks[models.NormalizeProvider(m.Provider)]; ok {
		return &at
	}
	return nil
}

// Check evaluates the mailbox against the current time. A missing mailbox
// counts as expired. Expiry is strict: a token expiring exactly now is
// still valid.
func (r *Resolver) Check(m *models.Mailbox) Verdict {
	if m == nil {
		return Verdict{Expired: true, Reason: "mailbox not found"}
	}
	at := r.ExpiresAt(m)
	if at == nil {
		return Verdict{}
	}
	if at.Before(r.now()) {
		return Verdict{
			Expired:   true,
			Reason:    fmt.Sprintf("token expired at %s", at.UTC().Format(time.RFC3339)),
			ExpiresAt: at,
		}
	}
	return Verdict{ExpiresAt: at}
}
