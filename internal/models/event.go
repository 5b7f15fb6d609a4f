package models

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusFail  = "fail"
)

type AttachmentMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimetype"`
}

// Event is one ledger record. Rows are written once and never updated.
type Event struct {
	ID          int64            `json:"id,string"`
	MailboxID   int64            `json:"mailboxId"`
	Direction   Direction        `json:"direction"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Subject     string           `json:"subject"`
	Sender      string           `json:"sender"`
	Provider    string           `json:"provider"`
	Timestamp   time.Time        `json:"timestamp"`
	Attachments []AttachmentMeta `json:"attachments"`
}

func (e Event) Succeeded() bool {
	switch strings.ToLower(e.Status) {
	case "ok", "success", "sent", "delivered":
		return true
	}
	return false
}

const (
	DefaultEventLimit = 100
	MaxEventLimit     = 500
	MaxEventSkip      = 10000
)

// EventFilter selects ledger rows, newest first.
type EventFilter struct {
	Limit    int
	Skip     int
	Provider string
	ClientID string

	// Day keeps events from that calendar day (UTC) only.
	Day *time.Time

	// Before keeps events strictly older than this instant.
	Before *time.Time
}

// Clamped returns f with Limit and Skip forced into their allowed ranges.
func (f EventFilter) Clamped() EventFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultEventLimit
	}
	f.Limit = min(f.Limit, MaxEventLimit)
	f.Skip = min(max(f.Skip, 0), MaxEventSkip)
	return f
}
