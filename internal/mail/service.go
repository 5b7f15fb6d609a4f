// Package mail is the outbound side of the gateway: send requests are
// queued immediately and processed out of band, where the token gate
// decides the outcome recorded in the ledger.
package mail

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"MailGateway/internal/expiry"
	"MailGateway/internal/models"
	"MailGateway/internal/queue"
)

const (
	QueueName = "send-email"
	jobName   = "send"

	markDelivered = "delivered"
)

type MailboxFinder interface {
	FindMailbox(ctx context.Context, id int64) (*models.Mailbox, error)
}

type Recorder interface {
	Record(ctx context.Context, e models.Event) (models.Event, error)
}

// Deliverer hands a validated job to the outside world. Nil means the
// gateway only records the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, mailbox *models.Mailbox, job models.SendJob) error
}

type Service struct {
	queue     *queue.Queue[models.SendJob]
	mailboxes MailboxFinder
	ledger    Recorder
	gate      *expiry.Resolver
	deliverer Deliverer
	logger    *zap.Logger
}

func NewService(
	q *queue.Queue[models.SendJob],
	mailboxes MailboxFinder,
	ledger Recorder,
	gate *expiry.Resolver,
	deliverer Deliverer,
	logger *zap.Logger,
) *Service {
	return &Service{
		queue:     q,
		mailboxes: mailboxes,
		ledger:    ledger,
		gate:      gate,
		deliverer: deliverer,
		logger:    logger,
	}
}

// EnqueueSend schedules the job and returns its handle. The mailbox is not
// looked at here; token state is checked when the job runs.
func (s *Service) EnqueueSend(ctx context.Context, job models.SendJob) (queue.Job, error) {
	j, err := s.queue.Enqueue(ctx, jobName, job)
	if err != nil {
		return queue.Job{}, err
	}

	s.logger.Info("send job enqueued",
		zap.String("job_id", j.ID),
		zap.Int64("mailbox_id", job.MailboxID),
	)
	return j, nil
}

func (s *Service) ListQueue(ctx context.Context) ([]queue.JobInfo, error) {
	return s.queue.List(ctx)
}

// GetJob reports one send job; queue.ErrNotFound once it is gone.
func (s *Service) GetJob(ctx context.Context, id string) (queue.JobInfo, error) {
	return s.queue.Get(ctx, id)
}

func (s *Service) Start(ctx context.Context, wg *sync.WaitGroup) {
	s.queue.Start(ctx, wg, s.process)
}

// ProcessSend writes exactly one outbound event for the job. Lookup,
// delivery and unexpected failures become "error" events; only a failed
// ledger write is returned so the queue can retry it.
func (s *Service) ProcessSend(ctx context.Context, job models.SendJob) error {
	return s.process(ctx, queue.Job{}, job)
}

// process is ProcessSend for a queued attempt. A job the relay already
// accepted on an earlier attempt is not delivered again; only its ledger row
// is written.
func (s *Service) process(ctx context.Context, qj queue.Job, job models.SendJob) (err error) {
	var mailbox *models.Mailbox

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("send processing panicked",
				zap.Int64("mailbox_id", job.MailboxID),
				zap.Any("panic", r),
			)
			err = s.record(ctx, job, mailbox, models.StatusError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	mailbox, err = s.mailboxes.FindMailbox(ctx, job.MailboxID)
	if qj.Marked(markDelivered) {
		if err != nil {
			s.logger.Warn("mailbox lookup failed for delivered job",
				zap.String("job_id", qj.ID),
				zap.Int64("mailbox_id", job.MailboxID),
				zap.Error(err),
			)
			mailbox = nil
		}
		return s.record(ctx, job, mailbox, models.StatusOK, "")
	}
	if err != nil {
		s.logger.Error("mailbox lookup failed",
			zap.Int64("mailbox_id", job.MailboxID),
			zap.Error(err),
		)
		return s.record(ctx, job, nil, models.StatusError, fmt.Sprintf("mailbox lookup failed: %v", err))
	}

	if v := s.gate.Check(mailbox); v.Expired {
		s.logger.Warn("send rejected by token gate",
			zap.Int64("mailbox_id", job.MailboxID),
			zap.String("reason", v.Reason),
		)
		return s.record(ctx, job, mailbox, models.StatusError, v.Reason)
	}

	if s.deliverer != nil {
		if derr := s.deliverer.Deliver(ctx, mailbox, job); derr != nil {
			s.logger.Error("delivery failed",
				zap.Int64("mailbox_id", job.MailboxID),
				zap.String("to", job.To),
				zap.Error(derr),
			)
			return s.record(ctx, job, mailbox, models.StatusError, derr.Error())
		}
		if qj.ID != "" {
			if merr := s.queue.Mark(ctx, qj, markDelivered); merr != nil {
				s.logger.Error("delivery not checkpointed",
					zap.String("job_id", qj.ID),
					zap.Error(merr),
				)
			}
		}
	}

	s.logger.Info("send processed",
		zap.Int64("mailbox_id", job.MailboxID),
		zap.String("to", job.To),
	)
	return s.record(ctx, job, mailbox, models.StatusOK, "")
}

func (s *Service) record(ctx context.Context, job models.SendJob, mailbox *models.Mailbox, status, reason string) error {
	e := models.Event{
		MailboxID:   job.MailboxID,
		Direction:   models.DirectionOutbound,
		Status:      status,
		Error:       reason,
		Subject:     job.Subject,
		Sender:      job.From,
		Provider:    "unknown",
		Attachments: job.Attachments,
	}
	if mailbox != nil {
		e.Provider = mailbox.Provider
		if e.Sender == "" {
			e.Sender = mailbox.Email
		}
	}

	_, err := s.ledger.Record(ctx, e)
	return err
}
