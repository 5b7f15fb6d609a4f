package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"MailGateway/internal/mailboxes"
)

const defaultRefresh = time.Hour

func (h *Handler) SaveTokens(w http.ResponseWriter, r *http.Request) {
	var g mailboxes.Grant
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	m, err := h.Tokens.SaveTokens(r.Context(), g)
	if errors.Is(err, mailboxes.ErrInvalidGrant) {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.Log.Error("token save failed", zap.String("provider", g.Provider), zap.Error(err))
		fail(w, http.StatusInternalServerError, "token save failed")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: m})
}

// RefreshMailbox extends the token expiry by ?seconds=N (default one hour).
func (h *Handler) RefreshMailbox(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(w, http.StatusBadRequest, "invalid mailbox id")
		return
	}

	extend := defaultRefresh
	if v := r.URL.Query().Get("seconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			fail(w, http.StatusBadRequest, "seconds must be a positive integer")
			return
		}
		extend = time.Duration(secs) * time.Second
	}

	m, err := h.Tokens.RefreshExpiry(r.Context(), id, extend)
	if errors.Is(err, mailboxes.ErrNotFound) {
		fail(w, http.StatusNotFound, "mailbox not found")
		return
	}
	if err != nil {
		h.Log.Error("token refresh failed", zap.Int64("mailbox_id", id), zap.Error(err))
		fail(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: m})
}
