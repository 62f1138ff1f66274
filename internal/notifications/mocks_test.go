package notifications

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// memRepo is an in-memory Repository with injectable failures.
type memRepo struct {
	mu       sync.Mutex
	configs  map[string]*domain.FacilityNotificationConfig
	messages map[string]*domain.NotificationMessage
	alerts   map[string]*domain.EmailAlert
	attempts []domain.DeliveryAttempt
	nextID   int

	errs  map[string][]error
	calls map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		configs:  make(map[string]*domain.FacilityNotificationConfig),
		messages: make(map[string]*domain.NotificationMessage),
		alerts:   make(map[string]*domain.EmailAlert),
		errs:     make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (m *memRepo) failNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = append(m.errs[method], errs...)
}

func (m *memRepo) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter must be called with mu held.
func (m *memRepo) enter(method string) error {
	m.calls[method]++
	if queued := m.errs[method]; len(queued) > 0 {
		m.errs[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *memRepo) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memRepo) message(id string) domain.NotificationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.messages[id]
}

func (m *memRepo) alert(id string) domain.EmailAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.alerts[id]
}

func (m *memRepo) attemptLog() []domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.attempts)
}

func (m *memRepo) GetFacilityConfig(_ context.Context, facilityID string) (*domain.FacilityNotificationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetFacilityConfig"); err != nil {
		return nil, err
	}
	cfg, ok := m.configs[facilityID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *memRepo) UpsertFacilityConfig(_ context.Context, cfg *domain.FacilityNotificationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertFacilityConfig"); err != nil {
		return err
	}
	cfg.UpdatedAt = fixedNow
	cp := *cfg
	m.configs[cfg.FacilityID] = &cp
	return nil
}

func (m *memRepo) CreateMessage(_ context.Context, msg *domain.NotificationMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateMessage"); err != nil {
		return false, err
	}
	for _, existing := range m.messages {
		if existing.IncidentID == msg.IncidentID && existing.MessageType == msg.MessageType && existing.DedupKey == msg.DedupKey {
			*msg = *existing
			return false, nil
		}
	}
	msg.ID = m.newID("msg")
	msg.CreatedAt = fixedNow
	msg.UpdatedAt = fixedNow
	cp := *msg
	m.messages[msg.ID] = &cp
	return true, nil
}

func (m *memRepo) GetMessage(_ context.Context, id string) (*domain.NotificationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetMessage"); err != nil {
		return nil, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memRepo) ListIncidentMessages(_ context.Context, incidentID string) ([]domain.NotificationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListIncidentMessages"); err != nil {
		return nil, err
	}
	result := make([]domain.NotificationMessage, 0)
	for _, msg := range m.messages {
		if msg.IncidentID == incidentID {
			result = append(result, *msg)
		}
	}
	slices.SortFunc(result, func(a, b domain.NotificationMessage) int { return compareIDs(a.ID, b.ID) })
	return result, nil
}

func (m *memRepo) UpdateMessageDelivery(_ context.Context, msg *domain.NotificationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateMessageDelivery"); err != nil {
		return err
	}
	if _, ok := m.messages[msg.ID]; !ok {
		return ErrMessageNotFound
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *memRepo) ClaimMessage(_ context.Context, id string) (*domain.NotificationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ClaimMessage"); err != nil {
		return nil, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	switch msg.Status {
	case domain.MessageStatusPending, domain.MessageStatusQueued, domain.MessageStatusFailed:
	default:
		return nil, nil
	}
	if msg.Status == domain.MessageStatusFailed {
		msg.RetryCount = 0
	}
	msg.Status = domain.MessageStatusSending
	cp := *msg
	return &cp, nil
}

func (m *memRepo) ClaimDueMessages(_ context.Context, now time.Time, limit int) ([]domain.NotificationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ClaimDueMessages"); err != nil {
		return nil, err
	}
	var due []*domain.NotificationMessage
	for _, msg := range m.messages {
		if msg.Status != domain.MessageStatusQueued {
			continue
		}
		if msg.NextAttemptAt != nil && msg.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, msg)
	}
	slices.SortFunc(due, func(a, b *domain.NotificationMessage) int { return compareIDs(a.ID, b.ID) })
	if len(due) > limit {
		due = due[:limit]
	}

	result := make([]domain.NotificationMessage, 0, len(due))
	for _, msg := range due {
		msg.Status = domain.MessageStatusSending
		result = append(result, *msg)
	}
	return result, nil
}

func (m *memRepo) CreateEmailAlert(_ context.Context, alert *domain.EmailAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateEmailAlert"); err != nil {
		return err
	}
	alert.ID = m.newID("alert")
	alert.CreatedAt = fixedNow
	alert.UpdatedAt = fixedNow
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *memRepo) ClaimDueEmailAlerts(_ context.Context, now time.Time, limit int) ([]domain.EmailAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ClaimDueEmailAlerts"); err != nil {
		return nil, err
	}
	var due []*domain.EmailAlert
	for _, alert := range m.alerts {
		if alert.Status == domain.MessageStatusQueued && !alert.ScheduledFor.After(now) {
			due = append(due, alert)
		}
	}
	slices.SortFunc(due, func(a, b *domain.EmailAlert) int {
		if a.Priority.Rank() != b.Priority.Rank() {
			return b.Priority.Rank() - a.Priority.Rank()
		}
		return a.ScheduledFor.Compare(b.ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	result := make([]domain.EmailAlert, 0, len(due))
	for _, alert := range due {
		alert.Status = domain.MessageStatusSending
		result = append(result, *alert)
	}
	return result, nil
}

func (m *memRepo) UpdateEmailAlertDelivery(_ context.Context, alert *domain.EmailAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateEmailAlertDelivery"); err != nil {
		return err
	}
	if _, ok := m.alerts[alert.ID]; !ok {
		return fmt.Errorf("email alert %w", domain.ErrNotFound)
	}
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *memRepo) RecordAttempt(_ context.Context, attempt *domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecordAttempt"); err != nil {
		return err
	}
	attempt.ID = m.newID("attempt")
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *memRepo) ListAttempts(_ context.Context, messageID string) ([]domain.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListAttempts"); err != nil {
		return nil, err
	}
	result := make([]domain.DeliveryAttempt, 0)
	for _, a := range m.attempts {
		if a.MessageID != nil && *a.MessageID == messageID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *memRepo) RecoverStuck(_ context.Context, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecoverStuck"); err != nil {
		return 0, err
	}
	var n int64
	for _, msg := range m.messages {
		if msg.Status == domain.MessageStatusSending || msg.Status == domain.MessageStatusPending {
			msg.Status = domain.MessageStatusQueued
			n++
		}
	}
	for _, alert := range m.alerts {
		if alert.Status == domain.MessageStatusSending {
			alert.Status = domain.MessageStatusQueued
			n++
		}
	}
	return n, nil
}

func (m *memRepo) QueueStats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("QueueStats"); err != nil {
		return nil, err
	}
	stats := &QueueStats{}
	count := func(status domain.MessageStatus) {
		switch status {
		case domain.MessageStatusPending:
			stats.Pending++
		case domain.MessageStatusQueued:
			stats.Queued++
		case domain.MessageStatusSending:
			stats.Sending++
		case domain.MessageStatusSent, domain.MessageStatusDelivered:
			stats.Sent++
		case domain.MessageStatusFailed:
			stats.Failed++
		}
	}
	for _, msg := range m.messages {
		count(msg.Status)
	}
	for _, alert := range m.alerts {
		count(alert.Status)
	}
	return stats, nil
}

// compareIDs orders "msg-2" before "msg-10".
func compareIDs(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// fakeSender records notifications and returns queued errors.
type fakeSender struct {
	mu      sync.Mutex
	channel domain.ChannelType
	errs    []error
	sent    []Notification
	calls   int
}

func newFakeSender(channel domain.ChannelType, errs ...error) *fakeSender {
	return &fakeSender{channel: channel, errs: errs}
}

func (s *fakeSender) Type() domain.ChannelType {
	return s.channel
}

func (s *fakeSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// noRetry runs every channel send exactly once.
var noRetry = retry.Policy{Name: "test", MaxAttempts: 1}

func newTestRouter(repo Repository) *Router {
	renderer, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return NewRouter(repo, renderer, RouterConfig{
		DefaultRegulators: []string{"regulator@health.example"},
		BaseURL:           "https://sterility.example/",
	})
}

func newTestDispatcher(repo Repository, senders ...Sender) *Dispatcher {
	d := NewDispatcher(repo, DispatcherConfig{BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}, noRetry, senders...)
	d.now = func() time.Time { return fixedNow }
	return d
}

func facilityConfig() *domain.FacilityNotificationConfig {
	return &domain.FacilityNotificationConfig{
		FacilityID:              "facility-1",
		AutoNotificationEnabled: true,
		Regulators:              []string{"regulator@health.example"},
		ClinicManagerName:       "Dr. Rivera",
		ClinicManagerEmail:      "manager@clinic.example",
		WebhookURL:              "https://hooks.clinic.example/bi",
		Channels:                []domain.ChannelType{domain.ChannelTypeEmail, domain.ChannelTypeWebhook},
		DefaultDelay:            15 * time.Minute,
		Escalation: domain.EscalationContacts{
			Supervisor: []string{"supervisor@clinic.example"},
			Manager:    []string{"ops@clinic.example"},
			Director:   []string{"director@clinic.example"},
			Executive:  []string{"ceo@clinic.example", "ops@clinic.example"},
		},
	}
}

func testIncident(severity domain.Severity) *domain.Incident {
	reason := "chamber temperature drop"
	return &domain.Incident{
		ID:                 "inc-1",
		IncidentNumber:     "BI-FAIL-20260314-001",
		FacilityID:         "facility-1",
		FailureDate:        fixedNow,
		AffectedToolsCount: 12,
		AffectedBatchIDs:   []string{"B-100", "B-101"},
		FailureReason:      &reason,
		SeverityLevel:      severity,
		Status:             domain.IncidentStatusActive,
	}
}
