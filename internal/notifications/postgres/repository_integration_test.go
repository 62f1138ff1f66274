//go:build integration

package postgres_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/incidents"
	incidentspg "github.com/bissquit/sterility-garden/internal/incidents/postgres"
	"github.com/bissquit/sterility-garden/internal/notifications"
	notificationspg "github.com/bissquit/sterility-garden/internal/notifications/postgres"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
	"github.com/bissquit/sterility-garden/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, pool, err := testutil.NewMigratedPostgres(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	testDB = pool

	code := m.Run()

	pool.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

type fixture struct {
	repo  *notificationspg.Repository
	store *incidents.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, testutil.TruncateAll(context.Background(), testDB))

	return &fixture{
		repo: notificationspg.NewRepository(testDB),
		store: incidents.NewStore(incidentspg.NewRepository(testDB),
			incidents.NewNumberer(incidents.NumberFormatDaily),
			retry.StorePolicy(retry.DefaultStoreConfig()), nil),
	}
}

func (f *fixture) incident(t *testing.T, severity domain.Severity) *domain.Incident {
	t.Helper()

	incident, err := f.store.CreateIncident(context.Background(), incidents.CreateIncidentParams{
		FacilityID:         "facility-1",
		AffectedToolsCount: 5,
		AffectedBatchIDs:   []string{"B-1"},
		SeverityLevel:      severity,
	})
	require.NoError(t, err)
	return incident
}

func (f *fixture) message(t *testing.T, incident *domain.Incident, msgType domain.MessageType, status domain.MessageStatus) *domain.NotificationMessage {
	t.Helper()

	msg := &domain.NotificationMessage{
		IncidentID:  incident.ID,
		FacilityID:  incident.FacilityID,
		Severity:    incident.SeverityLevel,
		MessageType: msgType,
		Recipients:  []string{"regulator@health.example"},
		Channels:    []domain.ChannelType{domain.ChannelTypeEmail},
		Subject:     "BI failure " + incident.IncidentNumber,
		Body:        "body",
		Status:      status,
		MaxRetries:  domain.DefaultMaxRetries,
	}
	created, err := f.repo.CreateMessage(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, created)
	return msg
}

func TestRepository_FacilityConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.repo.GetFacilityConfig(ctx, "facility-1")
	assert.ErrorIs(t, err, notifications.ErrConfigNotFound)

	cfg := &domain.FacilityNotificationConfig{
		FacilityID:              "facility-1",
		AutoNotificationEnabled: true,
		Regulators:              []string{"regulator@health.example"},
		ClinicManagerEmail:      "manager@clinic.example",
		Channels:                []domain.ChannelType{domain.ChannelTypeEmail, domain.ChannelTypeWebhook},
		WebhookURL:              "https://hooks.example/bi",
		DefaultDelay:            15 * time.Minute,
		Escalation:              domain.EscalationContacts{Supervisor: []string{"sup@clinic.example"}},
	}
	require.NoError(t, f.repo.UpsertFacilityConfig(ctx, cfg))
	assert.False(t, cfg.UpdatedAt.IsZero())

	got, err := f.repo.GetFacilityConfig(ctx, "facility-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.Regulators, got.Regulators)
	assert.Equal(t, cfg.Channels, got.Channels)
	assert.Equal(t, 15*time.Minute, got.DefaultDelay)
	assert.Equal(t, []string{"sup@clinic.example"}, got.Escalation.Supervisor)

	cfg.AutoNotificationEnabled = false
	cfg.Regulators = nil
	require.NoError(t, f.repo.UpsertFacilityConfig(ctx, cfg))

	got, err = f.repo.GetFacilityConfig(ctx, "facility-1")
	require.NoError(t, err)
	assert.False(t, got.AutoNotificationEnabled)
	assert.Empty(t, got.Regulators)
}

func TestRepository_CreateMessageIsIdempotentPerType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	incident := f.incident(t, domain.SeverityHigh)

	first := f.message(t, incident, domain.MessageTypeRegulatory, domain.MessageStatusQueued)

	dup := &domain.NotificationMessage{
		IncidentID:  incident.ID,
		FacilityID:  incident.FacilityID,
		Severity:    incident.SeverityLevel,
		MessageType: domain.MessageTypeRegulatory,
		Channels:    []domain.ChannelType{domain.ChannelTypeWebhook},
		Subject:     "other",
		Body:        "other",
		Status:      domain.MessageStatusPending,
		MaxRetries:  domain.DefaultMaxRetries,
	}
	created, err := f.repo.CreateMessage(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, first.Subject, dup.Subject)
	assert.Equal(t, domain.MessageStatusQueued, dup.Status)

	f.message(t, incident, domain.MessageTypeClinicManager, domain.MessageStatusQueued)

	messages, err := f.repo.ListIncidentMessages(ctx, incident.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	messages, err = f.repo.ListIncidentMessages(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestRepository_CreateMessageDedupKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	incident := f.incident(t, domain.SeverityMedium)

	resolution := func(key string) *domain.NotificationMessage {
		return &domain.NotificationMessage{
			IncidentID:  incident.ID,
			FacilityID:  incident.FacilityID,
			Severity:    incident.SeverityLevel,
			MessageType: domain.MessageTypeResolution,
			DedupKey:    key,
			Recipients:  []string{"manager@clinic.example"},
			Channels:    []domain.ChannelType{domain.ChannelTypeEmail},
			Subject:     "resolved",
			Body:        "body",
			Status:      domain.MessageStatusPending,
			MaxRetries:  domain.DefaultMaxRetries,
		}
	}

	first := resolution("2026-03-14T10:00:00Z")
	created, err := f.repo.CreateMessage(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	again := resolution("2026-03-14T10:00:00Z")
	created, err = f.repo.CreateMessage(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.DedupKey, again.DedupKey)

	second := resolution("2026-03-15T08:30:00Z")
	created, err = f.repo.CreateMessage(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	messages, err := f.repo.ListIncidentMessages(ctx, incident.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestRepository_GetMessageMissing(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"not-a-uuid", "3f0c3c52-8f1e-4c1a-9d55-000000000000"} {
		_, err := f.repo.GetMessage(context.Background(), id)
		assert.ErrorIs(t, err, notifications.ErrMessageNotFound, id)
	}
}

func TestRepository_ClaimDueMessagesOrdersBySeverity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	low := f.message(t, f.incident(t, domain.SeverityLow), domain.MessageTypeRegulatory, domain.MessageStatusQueued)
	critical := f.message(t, f.incident(t, domain.SeverityCritical), domain.MessageTypeRegulatory, domain.MessageStatusQueued)
	medium := f.message(t, f.incident(t, domain.SeverityMedium), domain.MessageTypeRegulatory, domain.MessageStatusQueued)

	future := time.Now().Add(time.Hour)
	later := f.message(t, f.incident(t, domain.SeverityCritical), domain.MessageTypeRegulatory, domain.MessageStatusQueued)
	later.NextAttemptAt = &future
	require.NoError(t, f.repo.UpdateMessageDelivery(ctx, later))

	f.message(t, f.incident(t, domain.SeverityHigh), domain.MessageTypeRegulatory, domain.MessageStatusPending)

	claimed, err := f.repo.ClaimDueMessages(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, critical.ID, claimed[0].ID)
	assert.Equal(t, medium.ID, claimed[1].ID)
	assert.Equal(t, low.ID, claimed[2].ID)
	for _, msg := range claimed {
		assert.Equal(t, domain.MessageStatusSending, msg.Status)
	}

	again, err := f.repo.ClaimDueMessages(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRepository_ClaimMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.message(t, f.incident(t, domain.SeverityHigh), domain.MessageTypeRegulatory, domain.MessageStatusPending)

	claimed, err := f.repo.ClaimMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, domain.MessageStatusSending, claimed.Status)

	held, err := f.repo.ClaimMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, held)

	claimed.Status = domain.MessageStatusFailed
	claimed.RetryCount = claimed.MaxRetries
	claimed.LastError = "smtp: connection refused"
	require.NoError(t, f.repo.UpdateMessageDelivery(ctx, claimed))

	resend, err := f.repo.ClaimMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, resend)
	assert.Equal(t, 0, resend.RetryCount)

	_, err = f.repo.ClaimMessage(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, notifications.ErrMessageNotFound)
}

func TestRepository_UpdateMessageDeliveryKeepsFirstSentAt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.message(t, f.incident(t, domain.SeverityHigh), domain.MessageTypeRegulatory, domain.MessageStatusSending)

	first := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	msg.Status = domain.MessageStatusSent
	msg.SentAt = &first
	require.NoError(t, f.repo.UpdateMessageDelivery(ctx, msg))

	second := first.Add(time.Hour)
	msg.SentAt = &second
	require.NoError(t, f.repo.UpdateMessageDelivery(ctx, msg))
	require.NotNil(t, msg.SentAt)
	assert.True(t, first.Equal(*msg.SentAt))

	missing := *msg
	missing.ID = "3f0c3c52-8f1e-4c1a-9d55-000000000000"
	assert.ErrorIs(t, f.repo.UpdateMessageDelivery(ctx, &missing), notifications.ErrMessageNotFound)
}

func TestRepository_EmailAlertQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()

	alert := func(priority domain.AlertPriority, scheduled time.Time) *domain.EmailAlert {
		a := &domain.EmailAlert{
			FacilityID:     "facility-1",
			RecipientEmail: "manager@clinic.example",
			Subject:        "alert",
			Body:           "body",
			Priority:       priority,
			ScheduledFor:   scheduled,
			Status:         domain.MessageStatusQueued,
			MaxRetries:     domain.DefaultMaxRetries,
		}
		require.NoError(t, f.repo.CreateEmailAlert(ctx, a))
		return a
	}

	low := alert(domain.AlertPriorityLow, now.Add(-2*time.Minute))
	urgent := alert(domain.AlertPriorityUrgent, now.Add(-time.Minute))
	alert(domain.AlertPriorityUrgent, now.Add(time.Hour))

	claimed, err := f.repo.ClaimDueEmailAlerts(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, urgent.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)

	sentAt := now
	claimed[0].Status = domain.MessageStatusSent
	claimed[0].SentAt = &sentAt
	require.NoError(t, f.repo.UpdateEmailAlertDelivery(ctx, &claimed[0]))

	bogus := "not-a-uuid"
	err = f.repo.CreateEmailAlert(ctx, &domain.EmailAlert{
		FacilityID:     "facility-1",
		IncidentID:     &bogus,
		RecipientEmail: "manager@clinic.example",
		Subject:        "alert",
		Body:           "body",
		Priority:       domain.AlertPriorityLow,
		ScheduledFor:   now,
		Status:         domain.MessageStatusQueued,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRepository_AttemptsAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := f.message(t, f.incident(t, domain.SeverityHigh), domain.MessageTypeRegulatory, domain.MessageStatusQueued)

	base := time.Now().UTC()
	for i, ok := range []bool{false, true} {
		require.NoError(t, f.repo.RecordAttempt(ctx, &domain.DeliveryAttempt{
			MessageID:   &msg.ID,
			Channel:     domain.ChannelTypeEmail,
			Success:     ok,
			Actor:       "system",
			AttemptedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	attempts, err := f.repo.ListAttempts(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].Success)
	assert.True(t, attempts[1].Success)

	f.message(t, f.incident(t, domain.SeverityLow), domain.MessageTypeRegulatory, domain.MessageStatusPending)

	stats, err := f.repo.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Zero(t, stats.Sent)
}

func TestRepository_RecoverStuck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending := f.message(t, f.incident(t, domain.SeverityHigh), domain.MessageTypeRegulatory, domain.MessageStatusPending)
	f.message(t, f.incident(t, domain.SeverityHigh), domain.MessageTypeRegulatory, domain.MessageStatusQueued)
	_, err := f.repo.ClaimDueMessages(ctx, time.Now(), 10)
	require.NoError(t, err)

	n, err := f.repo.RecoverStuck(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.repo.RecoverStuck(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := f.repo.GetMessage(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusQueued, got.Status)

	stats, err := f.repo.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Queued)
	assert.Zero(t, stats.Sending)
}
