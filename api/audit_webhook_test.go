package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebhook(url, authHeader string) *auditWebhook {
	w := newAuditWebhook(url, authHeader)
	w.retryDelay = time.Millisecond
	return w
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received AuditEntry
		headers  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "Authorization: Bearer s3cret")
	wh.enqueue(AuditEntry{
		ID:         "0192",
		Event:      string(AuditCertRevoked),
		Certname:   "agent1.example.com",
		Actor:      "admin.example.com",
		RemoteAddr: "192.0.2.1:1234",
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cert_revoked", received.Event)
	assert.Equal(t, "agent1.example.com", received.Certname)
	assert.Equal(t, "admin.example.com", received.Actor)
	assert.Equal(t, "Bearer s3cret", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "Trustline-Audit-Webhook/1.0", headers.Get("User-Agent"))
}

func TestWebhookRetriesServerErrorsOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(AuditEntry{Event: string(AuditCSRSubmitted)})
	wh.close()

	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(AuditEntry{Event: string(AuditCSRSigned)})
	wh.close()

	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(AuditEntry{Event: string(AuditCSRRejected)})
	wh.close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookDropsWhenQueueIsFull(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		calls.Add(1)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	for i := 0; i < webhookQueueSize+10; i++ {
		wh.enqueue(AuditEntry{Event: string(AuditCSRSubmitted)})
	}
	close(release)
	wh.close()

	require.LessOrEqual(t, calls.Load(), int32(webhookQueueSize+1))
	assert.Positive(t, calls.Load())
}
