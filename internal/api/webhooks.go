package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"MailGateway/internal/models"
)

type webhookBody struct {
	Subject     string                  `json:"subject"`
	Sender      string                  `json:"sender"`
	Attachments []models.AttachmentMeta `json:"attachments"`
}

// mailboxID returns the first of keys that holds a positive integer, either
// as a JSON number or a numeric string.
func mailboxID(raw map[string]json.RawMessage, keys ...string) int64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		s := strings.Trim(strings.TrimSpace(string(v)), `"`)
		id, err := strconv.ParseInt(s, 10, 64)
		if err == nil && id > 0 {
			return id
		}
	}
	return 0
}

func (h *Handler) webhook(provider string, idKeys ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			fail(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		var body webhookBody
		if err := remarshal(raw, &body); err != nil {
			fail(w, http.StatusBadRequest, err.Error())
			return
		}

		id := mailboxID(raw, idKeys...)
		if id == 0 {
			writeJSON(w, http.StatusOK, envelope{Success: false, Message: "mailboxId is required"})
			return
		}

		mailbox, err := h.Mailboxes.FindMailbox(r.Context(), id)
		if err != nil {
			h.Log.Error("webhook mailbox lookup failed", zap.Int64("mailbox_id", id), zap.Error(err))
			fail(w, http.StatusInternalServerError, "mailbox lookup failed")
			return
		}
		if mailbox == nil {
			writeJSON(w, http.StatusOK, envelope{Success: false, Message: "mailboxId not found"})
			return
		}

		job := models.InboundJob{
			MailboxID:   id,
			Provider:    provider,
			Subject:     body.Subject,
			Sender:      body.Sender,
			Attachments: body.Attachments,
		}
		if v := h.Gate.Check(mailbox); v.Expired {
			job.Status = models.StatusFail
			job.Error = v.Reason
		}

		if err := h.Inbound.EnqueueInbound(r.Context(), job); err != nil {
			h.Log.Error("webhook enqueue failed", zap.Int64("mailbox_id", id), zap.Error(err))
			fail(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}

		writeJSON(w, http.StatusOK, envelope{Success: true})
	})
}

func remarshal(raw map[string]json.RawMessage, v any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
