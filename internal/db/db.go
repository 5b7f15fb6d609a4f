package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"MailGateway/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id               BIGSERIAL PRIMARY KEY,
			email            TEXT NOT NULL,
			provider         TEXT NOT NULL,
			access_token     TEXT NOT NULL,
			refresh_token    TEXT,
			token_expires_at TIMESTAMPTZ,
			client_id        TEXT,
			added_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_mailbox_email_provider_client
				UNIQUE NULLS NOT DISTINCT (email, provider, client_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_token_expires_at ON mailboxes (token_expires_at)`,
		// mailbox_id carries no foreign key: events outlive their mailbox.
		`CREATE TABLE IF NOT EXISTS events (
			id          BIGSERIAL PRIMARY KEY,
			mailbox_id  BIGINT NOT NULL,
			direction   VARCHAR(16) NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT,
			subject     TEXT,
			sender      TEXT,
			provider    TEXT,
			timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			attachments JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_mailbox_timestamp ON events (mailbox_id, timestamp DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const mailboxColumns = `id, email, provider, access_token, refresh_token,
	token_expires_at, client_id, added_at, updated_at`

func scanMailbox(row pgx.Row) (*models.Mailbox, error) {
	var m models.Mailbox
	err := row.Scan(
		&m.ID,
		&m.Email,
		&m.Provider,
		&m.AccessToken,
		&m.RefreshToken,
		&m.TokenExpiresAt,
		&m.ClientID,
		&m.AddedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMailbox returns nil, nil when no mailbox has the id.
func (s *Store) FindMailbox(ctx context.Context, id int64) (*models.Mailbox, error) {
	return scanMailbox(s.Pool.QueryRow(ctx,
		`SELECT `+mailboxColumns+` FROM mailboxes WHERE id=$1`,
		id,
	))
}

// UpsertTokens writes the token fields for the (email, provider, client)
// mailbox, creating it when missing.
func (s *Store) UpsertTokens(
	ctx context.Context,
	email string,
	provider string,
	accessToken string,
	refreshToken *string,
	expiresAt *time.Time,
	clientID *string,
) (*models.Mailbox, error) {

	return scanMailbox(s.Pool.QueryRow(ctx,
		`INSERT INTO mailboxes
		 (email, provider, access_token, refresh_token, token_expires_at, client_id, added_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		 ON CONFLICT ON CONSTRAINT uq_mailbox_email_provider_client DO UPDATE
		 SET access_token=EXCLUDED.access_token,
		     refresh_token=EXCLUDED.refresh_token,
		     token_expires_at=EXCLUDED.token_expires_at,
		     updated_at=NOW()
		 RETURNING `+mailboxColumns,
		email,
		provider,
		accessToken,
		refreshToken,
		expiresAt,
		clientID,
	))
}

func (s *Store) SetTokenExpiry(ctx context.Context, id int64, expiresAt time.Time) (*models.Mailbox, error) {
	return scanMailbox(s.Pool.QueryRow(ctx,
		`UPDATE mailboxes
		 SET token_expires_at=$1,
		     updated_at=NOW()
		 WHERE id=$2
		 RETURNING `+mailboxColumns,
		expiresAt,
		id,
	))
}

// CreateEvent appends to the ledger and fills in the generated id.
func (s *Store) CreateEvent(ctx context.Context, e *models.Event) error {
	attachments := e.Attachments
	if attachments == nil {
		attachments = []models.AttachmentMeta{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return err
	}

	return s.Pool.QueryRow(ctx,
		`INSERT INTO events
		 (mailbox_id, direction, status, error, subject, sender, provider, timestamp, attachments)
		 VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)
		 RETURNING id`,
		e.MailboxID,
		string(e.Direction),
		e.Status,
		e.Error,
		e.Subject,
		e.Sender,
		e.Provider,
		e.Timestamp,
		attachmentsJSON,
	).Scan(&e.ID)
}

// ListEvents returns ledger rows matching f, newest first. Client filtering
// goes through the mailbox that produced the event.
func (s *Store) ListEvents(ctx context.Context, f models.EventFilter) ([]models.Event, error) {
	f = f.Clamped()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if p := strings.TrimSpace(f.Provider); p != "" {
		where = append(where, "LOWER(TRIM(e.provider)) = LOWER("+arg(p)+")")
	}
	if f.ClientID != "" {
		where = append(where, "m.client_id = "+arg(f.ClientID))
	}
	if f.Day != nil {
		d := f.Day.UTC()
		start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		where = append(where, "e.timestamp >= "+arg(start)+" AND e.timestamp < "+arg(start.AddDate(0, 0, 1)))
	}
	if f.Before != nil {
		where = append(where, "e.timestamp < "+arg(*f.Before))
	}

	query := `SELECT e.id, e.mailbox_id, e.direction, e.status, COALESCE(e.error, ''),
		COALESCE(e.subject, ''), COALESCE(e.sender, ''), COALESCE(e.provider, ''),
		e.timestamp, e.attachments
		FROM events e
		LEFT JOIN mailboxes m ON m.id = e.mailbox_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.timestamp DESC, e.id DESC LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Skip)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var (
			e           models.Event
			direction   string
			attachments []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.MailboxID,
			&direction,
			&e.Status,
			&e.Error,
			&e.Subject,
			&e.Sender,
			&e.Provider,
			&e.Timestamp,
			&attachments,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Direction = models.Direction(direction)
		e.Attachments = []models.AttachmentMeta{}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &e.Attachments); err != nil {
				return nil, fmt.Errorf("decode event %d attachments: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
