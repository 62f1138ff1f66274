package webhook

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/notifications"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testNotification(target string) notifications.Notification {
	return notifications.Notification{
		ID:          "msg-1",
		IncidentID:  "inc-1",
		MessageType: domain.MessageTypeEscalation,
		Severity:    domain.SeverityHigh,
		Target:      target,
		Subject:     "[Escalation] BI failure BI-FAIL-20260314-001",
		Body:        "Escalation (manager level)",
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender := NewSender(Config{})

	assert.Equal(t, defaultUsername, sender.config.Username)
	assert.Equal(t, defaultTimeout, sender.config.Timeout)
	assert.Equal(t, rate.Inf, sender.limiter.Limit())
	assert.Equal(t, domain.ChannelTypeWebhook, sender.Type())
}

func TestNewSender_RateLimit(t *testing.T) {
	sender := NewSender(Config{RateLimit: 5, Burst: 10, Timeout: 3 * time.Second})

	assert.Equal(t, rate.Limit(5), sender.limiter.Limit())
	assert.Equal(t, 10, sender.limiter.Burst())
	assert.Equal(t, 3*time.Second, sender.httpClient.Timeout)
}

func TestSender_Send_Success(t *testing.T) {
	var got payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := NewSender(Config{}).Send(context.Background(), testNotification(server.URL))
	require.NoError(t, err)

	_, parseErr := uuid.Parse(got.DeliveryID)
	assert.NoError(t, parseErr)
	assert.Equal(t, "msg-1", got.MessageID)
	assert.Equal(t, "inc-1", got.IncidentID)
	assert.Equal(t, domain.MessageTypeEscalation, got.MessageType)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Equal(t, "Escalation (manager level)", got.Text)
	assert.Equal(t, defaultUsername, got.Username)
	assert.False(t, got.SentAt.IsZero())
}

func TestSender_Send_UniqueDeliveryIDs(t *testing.T) {
	seen := make(map[string]bool)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		seen[p.DeliveryID] = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewSender(Config{})
	for range 3 {
		require.NoError(t, sender.Send(context.Background(), testNotification(server.URL)))
	}
	assert.Len(t, seen, 3)
}

func TestSender_Send_EmptyTarget(t *testing.T) {
	err := NewSender(Config{}).Send(context.Background(), testNotification(""))

	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Contains(t, permErr.Message, "webhook URL is empty")
	assert.False(t, retry.IsRetryable(err))
}

func TestSender_Send_StatusHandling(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		contains  string
	}{
		{"bad request", http.StatusBadRequest, "invalid payload", false, "bad request: invalid payload"},
		{"unauthorized", http.StatusUnauthorized, "", false, "invalid or expired webhook"},
		{"forbidden", http.StatusForbidden, "", false, "invalid or expired webhook"},
		{"not found", http.StatusNotFound, "", false, "webhook not found"},
		{"rate limited", http.StatusTooManyRequests, "", true, "rate limited"},
		{"server error", http.StatusInternalServerError, "internal error", true, "server error: internal error"},
		{"service unavailable", http.StatusServiceUnavailable, "", true, "webhook error 503"},
		{"unexpected status", http.StatusTeapot, "short and stout", false, "unexpected status: short and stout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewSender(Config{}).Send(context.Background(), testNotification(server.URL))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
		})
	}
}

func TestSender_Send_NetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = NewSender(Config{Timeout: 100 * time.Millisecond}).
		Send(context.Background(), testNotification("http://"+addr+"/hook"))

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Contains(t, retryErr.Message, "send request")
}

func TestSender_Send_RateLimiterHonoursContext(t *testing.T) {
	sender := NewSender(Config{})
	sender.limiter = rate.NewLimiter(0.001, 1)
	require.True(t, sender.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sender.Send(ctx, testNotification("http://127.0.0.1:1/hook"))
	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Contains(t, retryErr.Message, "rate limiter")
}

func TestMaskWebhookURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"short URL", "http://example.com/hook", "http://example.com/hook"},
		{"exactly 40 chars", "http://example.com/hooks/abcdefghijklmno", "http://example.com/hooks/abcdefghijklmno"},
		{"41 chars", "http://example.com/hooks/abcdefghijklmnop", "http://example.com/h...ghijklmnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskWebhookURL(tt.url))
		})
	}
}
