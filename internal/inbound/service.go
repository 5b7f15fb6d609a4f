// Package inbound turns provider webhook notifications into ledger events.
// Webhooks only enqueue; the worker pool resolves the mailbox, applies the
// token gate and records the outcome.
package inbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"MailGateway/internal/expiry"
	"MailGateway/internal/models"
	"MailGateway/internal/queue"
)

const (
	QueueName = "inbound-email-jobs"
	jobName   = "inbound"
)

type MailboxFinder interface {
	FindMailbox(ctx context.Context, id int64) (*models.Mailbox, error)
}

type Recorder interface {
	Record(ctx context.Context, e models.Event) (models.Event, error)
}

type Service struct {
	queue     *queue.Queue[models.InboundJob]
	mailboxes MailboxFinder
	ledger    Recorder
	gate      *expiry.Resolver
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(
	q *queue.Queue[models.InboundJob],
	mailboxes MailboxFinder,
	ledger Recorder,
	gate *expiry.Resolver,
	logger *zap.Logger,
) *Service {
	return &Service{
		queue:     q,
		mailboxes: mailboxes,
		ledger:    ledger,
		gate:      gate,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) EnqueueInbound(ctx context.Context, job models.InboundJob) error {
	j, err := s.queue.Enqueue(ctx, jobName, job)
	if err != nil {
		return fmt.Errorf("enqueue inbound job: %w", err)
	}

	s.logger.Info("inbound job enqueued",
		zap.String("job_id", j.ID),
		zap.Int64("mailbox_id", job.MailboxID),
		zap.String("provider", job.Provider),
	)
	return nil
}

func (s *Service) ListQueue(ctx context.Context) ([]queue.JobInfo, error) {
	return s.queue.List(ctx)
}

func (s *Service) Start(ctx context.Context, wg *sync.WaitGroup) {
	s.queue.Start(ctx, wg, func(ctx context.Context, _ queue.Job, job models.InboundJob) error {
		return s.ProcessInbound(ctx, job)
	})
}

// ProcessInbound records one inbound event for the notification. It never
// returns an error: a notification that cannot be recorded is logged and
// dropped.
func (s *Service) ProcessInbound(ctx context.Context, job models.InboundJob) error {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("inbound processing panicked",
				zap.Int64("mailbox_id", job.MailboxID),
				zap.Any("panic", r),
			)
		}
	}()

	var mailbox *models.Mailbox
	if job.MailboxID != 0 {
		m, err := s.mailboxes.FindMailbox(ctx, job.MailboxID)
		if err != nil {
			s.logger.Warn("inbound mailbox lookup failed",
				zap.Int64("mailbox_id", job.MailboxID),
				zap.Error(err),
			)
		}
		mailbox = m
	}

	status, reason := job.Status, job.Error
	if status == "" {
		status = models.StatusOK
		if mailbox != nil {
			if v := s.gate.Check(mailbox); v.Expired {
				status, reason = models.StatusFail, v.Reason
			}
		}
	}

	e := s.event(job, mailbox, status, reason)
	if _, err := s.ledger.Record(ctx, e); err != nil {
		s.logger.Error("inbound event not recorded",
			zap.Int64("mailbox_id", job.MailboxID),
			zap.Error(err),
		)
		return nil
	}

	s.logger.Info("inbound processed",
		zap.Int64("mailbox_id", job.MailboxID),
		zap.String("status", status),
	)
	return nil
}

func (s *Service) event(job models.InboundJob, mailbox *models.Mailbox, status, reason string) models.Event {
	provider := job.Provider
	if provider == "" && mailbox != nil {
		provider = mailbox.Provider
	}
	if provider == "" {
		provider = "unknown"
	}

	subject := job.Subject
	if subject == "" {
		subject = fmt.Sprintf("New %s message @ %s", provider, s.now().Format("15:04:05"))
	}

	sender := job.Sender
	if sender == "" && mailbox != nil {
		sender = mailbox.Email
	}

	return models.Event{
		MailboxID:   job.MailboxID,
		Direction:   models.DirectionInbound,
		Status:      status,
		Error:       reason,
		Subject:     subject,
		Sender:      sender,
		Provider:    provider,
		Timestamp:   s.now(),
		Attachments: job.Attachments,
	}
}
