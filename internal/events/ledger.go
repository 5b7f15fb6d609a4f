// Package events writes outcome records to the append-only ledger and
// announces them on the fan-out bus.
package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"MailGateway/internal/bus"
	"MailGateway/internal/metrics"
	"MailGateway/internal/models"
)

type Repository interface {
	CreateEvent(ctx context.Context, e *models.Event) error
}

type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

type Ledger struct {
	repo   Repository
	bus    Emitter
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(repo Repository, emitter Emitter, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		bus:    emitter,
		logger: logger,
		now:    time.Now,
	}
}

// Record persists e and then emits it. Emission problems are logged only:
// once the row exists the pipeline run has succeeded.
func (l *Ledger) Record(ctx context.Context, e models.Event) (models.Event, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Provider == "" {
		e.Provider = "unknown"
	}
	if e.Attachments == nil {
		e.Attachments = []models.AttachmentMeta{}
	}

	if err := l.repo.CreateEvent(ctx, &e); err != nil {
		return e, fmt.Errorf("record %s event for mailbox %d: %w", e.Direction, e.MailboxID, err)
	}

	ok := e.Succeeded()
	metrics.EventsRecorded.WithLabelValues(string(e.Direction), metrics.Outcome(ok)).Inc()

	if err := l.bus.Emit(ctx, bus.EventEmail, e); err != nil {
		l.logger.Error("failed to emit email event",
			zap.Int64("event_id", e.ID),
			zap.Error(err),
		)
	}

	if !ok {
		l.notifyFailure(ctx, e)
	}

	return e, nil
}

func (l *Ledger) notifyFailure(ctx context.Context, e models.Event) {
	reason := e.Error
	if reason == "" {
		reason = e.Status
	}

	n := bus.Notification{
		Title:   fmt.Sprintf("%s mail %s", e.Direction, e.Status),
		Message: fmt.Sprintf("mailbox %d: %s", e.MailboxID, reason),
		Meta: map[string]any{
			"eventId":   e.ID,
			"mailboxId": e.MailboxID,
			"direction": e.Direction,
			"provider":  e.Provider,
		},
	}
	if err := l.bus.Emit(ctx, bus.EventNotification, n); err != nil {
		l.logger.Error("failed to emit failure notification",
			zap.Int64("event_id", e.ID),
			zap.Error(err),
		)
	}
}
