package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"MailGateway/internal/csvparser"
	"MailGateway/internal/models"
	"MailGateway/internal/queue"
)

const maxUpload = 10 << 20

type bulkResult struct {
	JobIDs  []string            `json:"jobIds"`
	Skipped []csvparser.Skipped `json:"skipped,omitempty"`
}

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	job, err := decodeSendJob(r)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.MailboxID <= 0 || job.To == "" {
		fail(w, http.StatusBadRequest, "mailboxId and to are required")
		return
	}

	j, err := h.Sends.EnqueueSend(r.Context(), job)
	if err != nil {
		h.Log.Error("send enqueue failed", zap.Int64("mailbox_id", job.MailboxID), zap.Error(err))
		fail(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, JobID: j.ID})
}

// decodeSendJob accepts a JSON body or a multipart form whose optional
// "attachment" file contributes its metadata to the job.
func decodeSendJob(r *http.Request) (models.SendJob, error) {
	var job models.SendJob

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			return job, errors.New("invalid JSON body")
		}
		return job, nil
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		return job, errors.New("invalid multipart body")
	}

	if v := r.FormValue("mailboxId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return job, errors.New("mailboxId must be a number")
		}
		job.MailboxID = id
	}
	job.To = r.FormValue("to")
	job.From = r.FormValue("from")
	job.Subject = r.FormValue("subject")
	job.Body = r.FormValue("body")

	if v := r.FormValue("attachments"); v != "" {
		if err := json.Unmarshal([]byte(v), &job.Attachments); err != nil {
			return job, errors.New("attachments must be a JSON array")
		}
	}

	if file, hdr, err := r.FormFile("attachment"); err == nil {
		file.Close()
		job.Attachments = append(job.Attachments, models.AttachmentMeta{
			Name:     hdr.Filename,
			Size:     hdr.Size,
			MimeType: hdr.Header.Get("Content-Type"),
		})
	}

	return job, nil
}

// SendBulk enqueues one send per row of the uploaded "recipients" CSV.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		fail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	id, err := strconv.ParseInt(r.FormValue("mailboxId"), 10, 64)
	if err != nil || id <= 0 {
		fail(w, http.StatusBadRequest, "mailboxId is required")
		return
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		fail(w, http.StatusBadRequest, "recipients file is required")
		return
	}
	defer file.Close()

	base := models.SendJob{
		MailboxID: id,
		From:      r.FormValue("from"),
		Subject:   r.FormValue("subject"),
		Body:      r.FormValue("body"),
	}
	batch, err := csvparser.ParseSendJobs(file, base, csvparser.DefaultMaxRows)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{
			Success: false,
			Message: err.Error(),
			Data:    bulkResult{JobIDs: []string{}, Skipped: batch.Skipped},
		})
		return
	}

	result := bulkResult{JobIDs: make([]string, 0, len(batch.Jobs)), Skipped: batch.Skipped}
	for _, job := range batch.Jobs {
		j, err := h.Sends.EnqueueSend(r.Context(), job)
		if err != nil {
			h.Log.Error("bulk enqueue failed",
				zap.Int64("mailbox_id", id),
				zap.Int("enqueued", len(result.JobIDs)),
				zap.Error(err),
			)
			writeJSON(w, http.StatusServiceUnavailable, envelope{
				Success: false,
				Message: "queue unavailable",
				Data:    result,
			})
			return
		}
		result.JobIDs = append(result.JobIDs, j.ID)
	}

	if len(batch.Skipped) > 0 {
		h.Log.Info("bulk send skipped rows",
			zap.Int64("mailbox_id", id),
			zap.Int("skipped", len(batch.Skipped)),
		)
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Sends.ListQueue(r.Context())
	if err != nil {
		h.Log.Error("queue listing failed", zap.Error(err))
		fail(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: jobs})
}

func (h *Handler) QueueJob(w http.ResponseWriter, r *http.Request) {
	info, err := h.Sends.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		fail(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.Log.Error("queue lookup failed", zap.String("job_id", r.PathValue("id")), zap.Error(err))
		fail(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: info})
}
