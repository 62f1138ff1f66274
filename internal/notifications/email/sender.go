// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/notifications"
	"github.com/google/uuid"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	BatchSize    int
}

// Sender implements the email channel via SMTP with STARTTLS. Recipients
// only appear in the envelope, so clinics never see each other's addresses.
type Sender struct {
	config Config
	from   *mail.Address
	auth   smtp.Auth
	now    func() time.Time

	mu sync.Mutex
	// delivered holds the batch offsets already accepted per notification
	// ID, so a retry of a partially sent notification skips them.
	delivered map[string]map[int]struct{}
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	s := &Sender{now: time.Now, delivered: make(map[string]map[int]struct{})}
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		from, err := mail.ParseAddress(config.FromAddress)
		if err != nil {
			return nil, fmt.Errorf("email sender: invalid from address %q: %w", config.FromAddress, err)
		}
		s.from = from
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.BatchSize == 0 {
		config.BatchSize = 50
	}
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		s.auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}
	s.config = config

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"batch_size", config.BatchSize,
	)
	return s, nil
}

// Type returns the channel type.
func (s *Sender) Type() domain.ChannelType {
	return domain.ChannelTypeEmail
}

// Send mails n to n.To in batches of BatchSize. Every batch is attempted;
// the result is retryable only when each failed batch failed temporarily.
// Batches accepted by an earlier attempt for the same n.ID are not resent.
// A disabled sender fails permanently so the message is never marked sent.
func (s *Sender) Send(ctx context.Context, n notifications.Notification) error {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, refusing send",
			"notification_id", n.ID,
			"recipient_count", len(n.To),
		)
		return notifications.NewNonRetryableError(fmt.Errorf("email channel disabled: %w", domain.ErrUnavailable))
	}
	if len(n.To) == 0 {
		return notifications.NewNonRetryableError(errors.New("email: no recipients"))
	}

	logger := slog.With("notification_id", n.ID, "incident_id", n.IncidentID)
	msg := s.buildMessage(n)

	var errs []error
	for start := 0; start < len(n.To); start += s.config.BatchSize {
		batch := n.To[start:min(start+s.config.BatchSize, len(n.To))]
		if s.batchDelivered(n.ID, start) {
			logger.Debug("email batch already sent, skipping", "batch_start", start)
			continue
		}

		if err := s.deliver(ctx, batch, msg); err != nil {
			logger.Error("email batch failed", "batch_start", start, "batch_size", len(batch), "error", err)
			errs = append(errs, fmt.Errorf("batch at %d: %w", start, err))
			continue
		}
		s.markDelivered(n.ID, start)
		logger.Debug("email batch sent", "batch_start", start, "batch_size", len(batch))
	}

	if len(errs) == 0 {
		s.forget(n.ID)
		return nil
	}
	err := errors.Join(errs...)
	for _, e := range errs {
		if !IsRetryable(e) {
			s.forget(n.ID)
			return notifications.NewNonRetryableError(err)
		}
	}
	return notifications.NewRetryableError(err)
}

func (s *Sender) batchDelivered(id string, start int) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delivered[id][start]
	return ok
}

func (s *Sender) markDelivered(id string, start int) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered[id] == nil {
		s.delivered[id] = make(map[int]struct{})
	}
	s.delivered[id][start] = struct{}{}
}

func (s *Sender) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delivered, id)
}

// buildMessage renders the RFC 5322 message shared by every batch.
func (s *Sender) buildMessage(n notifications.Notification) []byte {
	var b strings.Builder
	header := func(key, value string) {
		b.WriteString(key + ": " + value + "\r\n")
	}

	header("From", s.from.String())
	header("To", "undisclosed-recipients:;")
	header("Subject", mime.QEncoding.Encode("utf-8", n.Subject))
	header("Date", s.now().Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.from.Address)))
	if n.IncidentID != "" {
		header("X-Incident-ID", n.IncidentID)
	}
	if n.MessageType != "" {
		header("X-Notification-Type", string(n.MessageType))
	}
	if n.MessageType == domain.MessageTypeRegulatory || n.MessageType == domain.MessageTypeEscalation {
		header("Importance", "high")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))

	return []byte(b.String())
}

// deliver runs one SMTP session for recipients. Recipients the server
// rejects are skipped as long as one is accepted.
func (s *Sender) deliver(ctx context.Context, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(s.config.SMTPHost, strconv.Itoa(s.config.SMTPPort))
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: s.config.SMTPHost, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.from.Address); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	accepted := 0
	var lastRcptErr error
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			slog.Warn("smtp server rejected recipient", "error", err)
			lastRcptErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("no recipient accepted: %w", lastRcptErr)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

func domainOf(address string) string {
	if _, host, ok := strings.Cut(address, "@"); ok && host != "" {
		return host
	}
	return "localhost"
}

// IsRetryable reports whether an SMTP failure is temporary: network
// failures, 4xx replies and 552 (mailbox full).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	code := replyCode(err)
	return (code >= 400 && code < 500) || code == 552
}

// replyCode extracts the SMTP reply code from err, or returns 0.
func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	msg := err.Error()
	if len(msg) < 3 {
		return 0
	}
	code, convErr := strconv.Atoi(msg[:3])
	if convErr != nil {
		return 0
	}
	return code
}
