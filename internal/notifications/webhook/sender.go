// Package webhook delivers notifications as JSON posts to facility webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/notifications"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUsername  = "SterilityGarden"
	maxResponseBytes = 4096
)

// Config holds webhook sender configuration. The URL itself comes from the
// facility notification config.
type Config struct {
	Username string
	Timeout  time.Duration
	// RateLimit is posts per second across all facilities; zero disables it.
	RateLimit float64
	Burst     int
}

// Sender posts notifications to webhook URLs.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new webhook sender.
func NewSender(config Config) *Sender {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, config.Burst),
	}
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeWebhook
}

type payload struct {
	DeliveryID  string             `json:"delivery_id"`
	MessageID   string             `json:"message_id,omitempty"`
	IncidentID  string             `json:"incident_id"`
	MessageType domain.MessageType `json:"message_type"`
	Severity    domain.Severity    `json:"severity,omitempty"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	Username    string             `json:"username,omitempty"`
	SentAt      time.Time          `json:"sent_at"`
}

// Send posts the notification to notification.Target.
func (s *Sender) Send(ctx context.Context, notification notifications.Notification) error {
	target := notification.Target
	if target == "" {
		return &PermanentError{Message: "webhook URL is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	body, err := json.Marshal(payload{
		DeliveryID:  uuid.NewString(),
		MessageID:   notification.ID,
		IncidentID:  notification.IncidentID,
		MessageType: notification.MessageType,
		Severity:    notification.Severity,
		Subject:     notification.Subject,
		Text:        notification.Body,
		Username:    s.config.Username,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, target)
}

func (s *Sender) handleResponse(resp *http.Response, target string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("webhook notification sent", "webhook", maskWebhookURL(target), "status", resp.StatusCode)
		return nil

	case resp.StatusCode == http.StatusBadRequest:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("bad request: %s", string(body))}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}

	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", string(body))}

	default:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", string(body))}
	}
}

// maskWebhookURL hides the token part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError is a webhook failure that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError is a temporary webhook failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// IsRetryable returns true.
func (e *RetryableError) IsRetryable() bool { return true }
