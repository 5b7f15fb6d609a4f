package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"MailGateway/internal/models"
)

type createEventRequest struct {
	MailboxID   int64                   `json:"mailboxId"`
	Direction   models.Direction        `json:"direction"`
	Status      string                  `json:"status"`
	Error       string                  `json:"error"`
	Subject     string                  `json:"subject"`
	Sender      string                  `json:"sender"`
	Provider    string                  `json:"provider"`
	Timestamp   *time.Time              `json:"timestamp"`
	Attachments []models.AttachmentMeta `json:"attachments"`
}

// CreateEvent ingests an outcome reported by an external worker.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.MailboxID <= 0 || req.Status == "" {
		fail(w, http.StatusBadRequest, "mailboxId and status are required")
		return
	}
	if req.Direction != models.DirectionInbound && req.Direction != models.DirectionOutbound {
		fail(w, http.StatusBadRequest, "direction must be inbound or outbound")
		return
	}

	e := models.Event{
		MailboxID:   req.MailboxID,
		Direction:   req.Direction,
		Status:      req.Status,
		Error:       req.Error,
		Subject:     req.Subject,
		Sender:      req.Sender,
		Attachments: req.Attachments,
	}
	if req.Provider != "" {
		e.Provider = models.NormalizeProvider(req.Provider)
	}
	if req.Timestamp != nil {
		e.Timestamp = *req.Timestamp
	}

	saved, err := h.Ledger.Record(r.Context(), e)
	if err != nil {
		h.Log.Error("event ingestion failed", zap.Int64("mailbox_id", e.MailboxID), zap.Error(err))
		fail(w, http.StatusInternalServerError, "event not recorded")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: saved})
}

// ListEvents reads the ledger, newest first. Query: limit (default 100, at
// most 500), skip, provider, clientId, date (YYYY-MM-DD or RFC 3339) and
// cursor (RFC 3339, strictly older than).
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := models.EventFilter{
		Provider: q.Get("provider"),
		ClientID: q.Get("clientId"),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Skip, _ = strconv.Atoi(q.Get("skip"))

	if v := q.Get("date"); v != "" {
		day, err := parseDay(v)
		if err != nil {
			fail(w, http.StatusBadRequest, "date must be YYYY-MM-DD or RFC 3339")
			return
		}
		f.Day = &day
	}
	if v := q.Get("cursor"); v != "" {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			f.Before = &at
		}
	}

	events, err := h.Events.ListEvents(r.Context(), f.Clamped())
	if err != nil {
		h.Log.Error("event listing failed", zap.Error(err))
		fail(w, http.StatusInternalServerError, "events unavailable")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: events})
}

func parseDay(v string) (time.Time, error) {
	if day, err := time.Parse(time.DateOnly, v); err == nil {
		return day, nil
	}
	return time.Parse(time.RFC3339, v)
}
