// Package api is the HTTP boundary: provider webhooks, the admin mail and
// mailbox routes, external event ingestion and the dashboard socket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"MailGateway/internal/expiry"
	"MailGateway/internal/mailboxes"
	"MailGateway/internal/models"
	"MailGateway/internal/queue"
)

type MailboxFinder interface {
	FindMailbox(ctx context.Context, id int64) (*models.Mailbox, error)
}

type SendQueue interface {
	EnqueueSend(ctx context.Context, job models.SendJob) (queue.Job, error)
	ListQueue(ctx context.Context) ([]queue.JobInfo, error)
	GetJob(ctx context.Context, id string) (queue.JobInfo, error)
}

type InboundQueue interface {
	EnqueueInbound(ctx context.Context, job models.InboundJob) error
}

type Recorder interface {
	Record(ctx context.Context, e models.Event) (models.Event, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, f models.EventFilter) ([]models.Event, error)
}

type TokenWriter interface {
	SaveTokens(ctx context.Context, g mailboxes.Grant) (*models.Mailbox, error)
	RefreshExpiry(ctx context.Context, id int64, extend time.Duration) (*models.Mailbox, error)
}

type Handler struct {
	Mailboxes MailboxFinder
	Tokens    TokenWriter
	Sends     SendQueue
	Inbound   InboundQueue
	Ledger    Recorder
	Events    EventLister
	Gate      *expiry.Resolver
	Sockets   http.Handler

	// EventsSecret guards webhooks and event ingestion when non-empty.
	EventsSecret string
	JWTSecret    string
	Origin       string

	Log *zap.Logger
}

// Routes wires every endpoint onto a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.Handle("POST /webhook/gmail", h.requireSecret(h.webhook(models.ProviderGoogle, "mailboxId", "resourceId", "subscription")))
	mux.Handle("POST /webhook/microsoft", h.requireSecret(h.webhook(models.ProviderOutlook, "mailboxId", "resourceId", "subscriptionId")))
	mux.Handle("POST /events", h.requireSecret(http.HandlerFunc(h.CreateEvent)))
	mux.Handle("GET /events", h.requireJWT(http.HandlerFunc(h.ListEvents)))

	mux.Handle("POST /mail/send", h.requireJWT(http.HandlerFunc(h.SendEmail)))
	mux.Handle("POST /mail/send/bulk", h.requireJWT(http.HandlerFunc(h.SendBulk)))
	mux.Handle("GET /mail/queue", h.requireJWT(http.HandlerFunc(h.Queue)))
	mux.Handle("GET /mail/queue/{id}", h.requireJWT(http.HandlerFunc(h.QueueJob)))

	mux.Handle("POST /mailboxes/tokens", h.requireJWT(http.HandlerFunc(h.SaveTokens)))
	mux.Handle("POST /mailboxes/{id}/refresh", h.requireJWT(http.HandlerFunc(h.RefreshMailbox)))

	if h.Sockets != nil {
		mux.Handle("GET /ws", h.Sockets)
	}

	return h.cors(mux)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := h.Origin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Events-Secret")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
