package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailGateway/internal/expiry"
	"MailGateway/internal/mailboxes"
	"MailGateway/internal/models"
	"MailGateway/internal/queue"
)

const (
	testSecret = "hook-secret"
	testJWT    = "jwt-secret"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fakeMailboxes map[int64]*models.Mailbox

func (f fakeMailboxes) FindMailbox(_ context.Context, id int64) (*models.Mailbox, error) {
	return f[id], nil
}

type fakeQueues struct {
	sends   []models.SendJob
	inbound []models.InboundJob
	err     error
}

func (f *fakeQueues) EnqueueSend(_ context.Context, job models.SendJob) (queue.Job, error) {
	if f.err != nil {
		return queue.Job{}, f.err
	}
	f.sends = append(f.sends, job)
	return queue.Job{ID: "job-" + job.To, Name: "send"}, nil
}

func (f *fakeQueues) ListQueue(context.Context) ([]queue.JobInfo, error) {
	out := make([]queue.JobInfo, 0, len(f.sends))
	for _, s := range f.sends {
		out = append(out, queue.JobInfo{ID: "job-" + s.To, State: queue.StateWaiting})
	}
	return out, nil
}

func (f *fakeQueues) GetJob(_ context.Context, id string) (queue.JobInfo, error) {
	for _, s := range f.sends {
		if "job-"+s.To == id {
			return queue.JobInfo{ID: id, State: queue.StateWaiting}, nil
		}
	}
	return queue.JobInfo{}, queue.ErrNotFound
}

func (f *fakeQueues) EnqueueInbound(_ context.Context, job models.InboundJob) error {
	if f.err != nil {
		return f.err
	}
	f.inbound = append(f.inbound, job)
	return nil
}

type fakeLedger struct {
	events  []models.Event
	filters []models.EventFilter
}

func (f *fakeLedger) ListEvents(_ context.Context, filter models.EventFilter) ([]models.Event, error) {
	f.filters = append(f.filters, filter)
	return f.events, nil
}

func (f *fakeLedger) Record(_ context.Context, e models.Event) (models.Event, error) {
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, e)
	return e, nil
}

type fakeTokens struct{ refreshed map[int64]time.Duration }

func (f *fakeTokens) SaveTokens(_ context.Context, g mailboxes.Grant) (*models.Mailbox, error) {
	if g.Email == "" {
		return nil, mailboxes.ErrInvalidGrant
	}
	if g.Email == "down@corp.com" {
		return nil, errors.New("pq: connection refused to 10.0.0.5")
	}
	return &models.Mailbox{ID: 1, Email: g.Email, Provider: models.NormalizeProvider(g.Provider)}, nil
}

func (f *fakeTokens) RefreshExpiry(_ context.Context, id int64, extend time.Duration) (*models.Mailbox, error) {
	if id != 1 {
		return nil, mailboxes.ErrNotFound
	}
	f.refreshed[id] = extend
	at := now.Add(extend)
	return &models.Mailbox{ID: id, TokenExpiresAt: &at}, nil
}

type fixture struct {
	srv    *httptest.Server
	queues *fakeQueues
	ledger *fakeLedger
	tokens *fakeTokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	expired := now.Add(-time.Hour)
	f := &fixture{
		queues: &fakeQueues{},
		ledger: &fakeLedger{},
		tokens: &fakeTokens{refreshed: map[int64]time.Duration{}},
	}
	h := &Handler{
		Mailboxes: fakeMailboxes{
			1: {ID: 1, Email: "ok@corp.com", Provider: "google"},
			2: {ID: 2, Email: "old@corp.com", Provider: "outlook", TokenExpiresAt: &expired},
		},
		Tokens:       f.tokens,
		Sends:        f.queues,
		Inbound:      f.queues,
		Ledger:       f.ledger,
		Events:       f.ledger,
		Gate:         expiry.NewResolver(nil, func() time.Time { return now }),
		EventsSecret: testSecret,
		JWTSecret:    testJWT,
		Log:          zap.NewNop(),
	}
	f.srv = httptest.NewServer(h.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func bearer(t *testing.T, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte, headers map[string]string) (int, envelope) {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (f *fixture) webhook(t *testing.T, path, body string) (int, envelope) {
	return f.do(t, http.MethodPost, path, "application/json", []byte(body), map[string]string{"X-Events-Secret": testSecret})
}

func TestWebhookWithoutMailboxID(t *testing.T) {
	f := newFixture(t)

	code, env := f.webhook(t, "/webhook/gmail", `{"subject":"hi"}`)
	require.Equal(t, http.StatusOK, code)
	require.False(t, env.Success)
	require.Equal(t, "mailboxId is required", env.Message)
	require.Empty(t, f.queues.inbound)
	require.Empty(t, f.ledger.events)
}

func TestWebhookUnknownMailbox(t *testing.T) {
	f := newFixture(t)

	_, env := f.webhook(t, "/webhook/microsoft", `{"subscriptionId":"99"}`)
	require.False(t, env.Success)
	require.Equal(t, "mailboxId not found", env.Message)
	require.Empty(t, f.queues.inbound)
}

func TestWebhookEnqueues(t *testing.T) {
	f := newFixture(t)

	_, env := f.webhook(t, "/webhook/gmail", `{"resourceId":"1","subject":"hi","attachments":[{"name":"a.pdf","size":3,"mimetype":"application/pdf"}]}`)
	require.True(t, env.Success)

	require.Len(t, f.queues.inbound, 1)
	job := f.queues.inbound[0]
	require.Equal(t, int64(1), job.MailboxID)
	require.Equal(t, models.ProviderGoogle, job.Provider)
	require.Equal(t, "hi", job.Subject)
	require.Empty(t, job.Status)
	require.Equal(t, "a.pdf", job.Attachments[0].Name)
}

func TestWebhookMarksExpiredMailbox(t *testing.T) {
	f := newFixture(t)

	_, env := f.webhook(t, "/webhook/microsoft", `{"mailboxId":2}`)
	require.True(t, env.Success)

	require.Len(t, f.queues.inbound, 1)
	require.Equal(t, models.ProviderOutlook, f.queues.inbound[0].Provider)
	require.Equal(t, models.StatusFail, f.queues.inbound[0].Status)
	require.Contains(t, f.queues.inbound[0].Error, "token expired")
}

func TestWebhookRequiresSecret(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/webhook/gmail", "application/json", []byte(`{"mailboxId":1}`), nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodPost, "/webhook/gmail", "application/json", []byte(`{"mailboxId":1}`), map[string]string{"X-Events-Secret": "nope"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Empty(t, f.queues.inbound)
}

func TestWebhookQueueUnavailable(t *testing.T) {
	f := newFixture(t)
	f.queues.err = errors.New("redis down")

	code, env := f.webhook(t, "/webhook/gmail", `{"mailboxId":1}`)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.False(t, env.Success)
}

func TestMailRoutesRequireJWT(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodGet, "/mail/queue", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/mail/queue", "", nil, map[string]string{"Authorization": bearer(t, "wrong")})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestSendEmailJSON(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": bearer(t, testJWT)}

	code, env := f.do(t, http.MethodPost, "/mail/send", "application/json", []byte(`{"mailboxId":2,"to":"x@y.com","subject":"Hi"}`), auth)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.Equal(t, "job-x@y.com", env.JobID)

	// Expiry is not checked at enqueue time.
	require.Len(t, f.queues.sends, 1)
	require.Equal(t, int64(2), f.queues.sends[0].MailboxID)

	code, env = f.do(t, http.MethodGet, "/mail/queue", "", nil, auth)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.Len(t, env.Data, 1)

	code, env = f.do(t, http.MethodGet, "/mail/queue/job-x@y.com", "", nil, auth)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)

	code, env = f.do(t, http.MethodGet, "/mail/queue/missing", "", nil, auth)
	require.Equal(t, http.StatusNotFound, code)
	require.False(t, env.Success)
}

func TestSendEmailValidates(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": bearer(t, testJWT)}

	code, env := f.do(t, http.MethodPost, "/mail/send", "application/json", []byte(`{"to":"x@y.com"}`), auth)
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, env.Success)
	require.Empty(t, f.queues.sends)
}

func TestSendEmailMultipartAttachment(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("mailboxId", "1"))
	require.NoError(t, mw.WriteField("to", "x@y.com"))
	fw, err := mw.CreateFormFile("attachment", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	code, env := f.do(t, http.MethodPost, "/mail/send", mw.FormDataContentType(), buf.Bytes(), map[string]string{"Authorization": bearer(t, testJWT)})
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)

	require.Len(t, f.queues.sends, 1)
	att := f.queues.sends[0].Attachments
	require.Len(t, att, 1)
	require.Equal(t, "report.txt", att[0].Name)
	require.Equal(t, int64(5), att[0].Size)
	require.Equal(t, "application/octet-stream", att[0].MimeType)
}

func TestSendBulk(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("mailboxId", "1"))
	require.NoError(t, mw.WriteField("subject", "Hello {{Name}}"))
	fw, err := mw.CreateFormFile("recipients", "list.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("Email,Name\na@x.com,Ada\nA@x.com,Dup\nb@x.com,Bob\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	code, env := f.do(t, http.MethodPost, "/mail/send/bulk", mw.FormDataContentType(), buf.Bytes(), map[string]string{"Authorization": bearer(t, testJWT)})
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)

	require.Len(t, f.queues.sends, 2)
	require.Equal(t, "Hello Ada", f.queues.sends[0].Subject)
	require.Equal(t, "b@x.com", f.queues.sends[1].To)

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	require.Len(t, data["jobIds"], 2)
	require.Len(t, data["skipped"], 1)
}

func TestCreateEvent(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"X-Events-Secret": testSecret}

	code, env := f.do(t, http.MethodPost, "/events", "application/json",
		[]byte(`{"mailboxId":3,"direction":"inbound","status":"ok","provider":"Gmail"}`), headers)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.Len(t, f.ledger.events, 1)
	require.Equal(t, models.ProviderGoogle, f.ledger.events[0].Provider)

	code, _ = f.do(t, http.MethodPost, "/events", "application/json",
		[]byte(`{"mailboxId":3,"direction":"sideways","status":"ok"}`), headers)
	require.Equal(t, http.StatusBadRequest, code)
	require.Len(t, f.ledger.events, 1)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	f.ledger.events = []models.Event{{ID: 1, MailboxID: 2, Status: models.StatusError}}
	auth := map[string]string{"Authorization": bearer(t, testJWT)}

	code, _ := f.do(t, http.MethodGet, "/events", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, env := f.do(t, http.MethodGet, "/events?limit=9000&skip=-4&provider=google&clientId=acme&date=2026-10-15", "", nil, auth)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.Len(t, env.Data, 1)

	require.Len(t, f.ledger.filters, 1)
	got := f.ledger.filters[0]
	require.Equal(t, models.MaxEventLimit, got.Limit)
	require.Zero(t, got.Skip)
	require.Equal(t, "google", got.Provider)
	require.Equal(t, "acme", got.ClientID)
	require.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), *got.Day)

	code, _ = f.do(t, http.MethodGet, "/events?limit=abc", "", nil, auth)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.DefaultEventLimit, f.ledger.filters[1].Limit)

	code, _ = f.do(t, http.MethodGet, "/events?date=yesterday", "", nil, auth)
	require.Equal(t, http.StatusBadRequest, code)
	require.Len(t, f.ledger.filters, 2)
}

func TestMailboxTokenRoutes(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": bearer(t, testJWT)}

	code, env := f.do(t, http.MethodPost, "/mailboxes/tokens", "application/json",
		[]byte(`{"email":"a@corp.com","provider":"Outlook","accessToken":"t","expiresIn":3600}`), auth)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)

	code, env = f.do(t, http.MethodPost, "/mailboxes/tokens", "application/json",
		[]byte(`{"provider":"google","accessToken":"t"}`), auth)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, mailboxes.ErrInvalidGrant.Error(), env.Message)

	code, env = f.do(t, http.MethodPost, "/mailboxes/tokens", "application/json",
		[]byte(`{"email":"down@corp.com","provider":"google","accessToken":"t"}`), auth)
	require.Equal(t, http.StatusInternalServerError, code)
	require.NotContains(t, env.Message, "10.0.0.5")

	code, _ = f.do(t, http.MethodPost, "/mailboxes/1/refresh?seconds=120", "", nil, auth)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 2*time.Minute, f.tokens.refreshed[1])

	code, env = f.do(t, http.MethodPost, "/mailboxes/7/refresh", "", nil, auth)
	require.Equal(t, http.StatusNotFound, code)
	require.False(t, env.Success)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMailboxIDExtraction(t *testing.T) {
	raw := map[string]json.RawMessage{
		"mailboxId":    json.RawMessage(`""`),
		"resourceId":   json.RawMessage(`"abc"`),
		"subscription": json.RawMessage(` 42 `),
	}
	require.Equal(t, int64(42), mailboxID(raw, "mailboxId", "resourceId", "subscription"))
	require.Zero(t, mailboxID(raw, "mailboxId"))
	require.Zero(t, mailboxID(map[string]json.RawMessage{"mailboxId": json.RawMessage(`-3`)}, "mailboxId"))
}
