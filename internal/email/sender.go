package email

import (
	"context"
	"fmt"
	"time"

	"MailGateway/internal/models"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"
)

// Sender relays outbound jobs through an SMTP server on behalf of the
// mailbox. Provider APIs are not used; the relay is expected to accept mail
// for the connected domains.
type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// Retries bounds how long a single delivery keeps retrying, in seconds.
	Retries int
}

func (s *Sender) message(mailbox *models.Mailbox, job models.SendJob) *gomail.Message {
	from := job.From
	if from == "" && mailbox != nil {
		from = mailbox.Email
	}
	if from == "" {
		from = s.From
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", job.To)
	m.SetHeader("Subject", job.Subject)
	m.SetBody("text/html", job.Body)
	return m
}

// Send performs one delivery attempt.
func (s *Sender) Send(mailbox *models.Mailbox, job models.SendJob) error {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	if err := d.DialAndSend(s.message(mailbox, job)); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}

// Deliver retries Send with exponential backoff until it succeeds, ctx ends
// or the retry budget is spent.
func (s *Sender) Deliver(
	ctx context.Context,
	mailbox *models.Mailbox,
	job models.SendJob,
) error {

	operation := func() error {
		return s.Send(mailbox, job)
	}

	retries := s.Retries
	if retries <= 0 {
		retries = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = time.Duration(retries) * time.Second

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
