package incidents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/bissquit/sterility-garden/internal/pkg/retry"
)

// memRepo is an in-memory Repository with injectable failures.
type memRepo struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident
	steps     map[string][]domain.WorkflowStep
	seq       map[string]int
	nextID    int

	// errs holds errors returned by the next calls of a method, in order.
	errs  map[string][]error
	calls map[string]int

	// beforeUpdate runs inside UpdateWorkflow before the version check.
	beforeUpdate func(incidentID string)
	// lostCommits makes the next CreateIncident calls store the incident
	// and still return an error, like a commit whose reply never arrived.
	lostCommits []error
}

func (m *memRepo) loseNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostCommits = append(m.lostCommits, err)
}

func newMemRepo() *memRepo {
	return &memRepo{
		incidents: make(map[string]*domain.Incident),
		steps:     make(map[string][]domain.WorkflowStep),
		seq:       make(map[string]int),
		errs:      make(map[string][]error),
		calls:     make(map[string]int),
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

func (m *memRepo) CreateIncident(_ context.Context, incident *domain.Incident, stepNames []string, number NumberFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateIncident"); err != nil {
		return err
	}
	if stored, ok := m.incidents[incident.ID]; ok {
		*incident = *stored
		return nil
	}

	key := incident.FacilityID + "|" + incident.CreatedAt.UTC().Format("2006-01-02")
	m.seq[key]++
	m.nextID++

	if incident.ID == "" {
		incident.ID = fmt.Sprintf("inc-%d", m.nextID)
	}
	incident.IncidentNumber = number(m.seq[key])
	stored := *incident
	m.incidents[incident.ID] = &stored

	steps := make([]domain.WorkflowStep, 0, len(stepNames))
	for i, name := range stepNames {
		steps = append(steps, domain.WorkflowStep{
			ID:         fmt.Sprintf("%s-step-%d", incident.ID, i),
			IncidentID: incident.ID,
			Position:   i,
			StepName:   name,
			Status:     domain.StepStatusPending,
			CreatedAt:  incident.CreatedAt,
			UpdatedAt:  incident.CreatedAt,
		})
	}
	m.steps[incident.ID] = steps

	if len(m.lostCommits) > 0 {
		err := m.lostCommits[0]
		m.lostCommits = m.lostCommits[1:]
		return err
	}
	return nil
}

func (m *memRepo) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetIncident"); err != nil {
		return nil, err
	}
	incident, ok := m.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	cp := *incident
	return &cp, nil
}

func (m *memRepo) ListIncidents(_ context.Context, filter IncidentFilter) ([]domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListIncidents"); err != nil {
		return nil, err
	}

	result := make([]domain.Incident, 0)
	for _, incident := range m.incidents {
		if incident.FacilityID != filter.FacilityID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, incident.Status) {
			continue
		}
		result = append(result, *incident)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].FailureDate.Equal(result[j].FailureDate) {
			return result[i].FailureDate.After(result[j].FailureDate)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, status domain.IncidentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateStatus"); err != nil {
		return err
	}
	incident, ok := m.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	incident.Status = status
	incident.WorkflowVersion++
	return nil
}

func (m *memRepo) TransitionStatus(_ context.Context, id string, from []domain.IncidentStatus, change StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransitionStatus"); err != nil {
		return err
	}
	incident, ok := m.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	if !containsStatus(from, incident.Status) {
		return fmt.Errorf("%w: incident is %s", ErrInvalidTransition, incident.Status)
	}
	incident.Status = change.Status
	if change.Notes != nil {
		incident.ResolutionNotes = change.Notes
	}
	if change.Resolve {
		by := change.OperatorID
		at := change.At
		incident.ResolvedByOperatorID = &by
		incident.ResolvedAt = &at
	}
	incident.WorkflowVersion++
	return nil
}

func (m *memRepo) MarkRegulatoryNotificationSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MarkRegulatoryNotificationSent"); err != nil {
		return err
	}
	incident, ok := m.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	incident.RegulatoryNotificationSent = true
	incident.RegulatoryNotificationDate = &at
	return nil
}

func (m *memRepo) ListSteps(_ context.Context, incidentID string) ([]domain.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListSteps"); err != nil {
		return nil, err
	}
	steps := m.steps[incidentID]
	cp := make([]domain.WorkflowStep, len(steps))
	copy(cp, steps)
	return cp, nil
}

func (m *memRepo) UpdateWorkflow(_ context.Context, update WorkflowUpdate) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(update.IncidentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateWorkflow"); err != nil {
		return err
	}
	incident, ok := m.incidents[update.IncidentID]
	if !ok {
		return ErrIncidentNotFound
	}
	if incident.WorkflowVersion != update.ExpectedVersion {
		return ErrVersionConflict
	}

	steps := m.steps[update.IncidentID]
	for _, changed := range update.Steps {
		for i := range steps {
			if steps[i].ID == changed.ID {
				steps[i] = changed
			}
		}
	}

	inProgress := 0
	for _, s := range steps {
		if s.Status == domain.StepStatusInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("more than one step in progress")
	}

	if update.Status != nil {
		incident.Status = *update.Status
	}
	if update.Notes != nil {
		incident.ResolutionNotes = update.Notes
	}
	incident.WorkflowVersion++
	return nil
}

// bumpVersion simulates a concurrent writer.
func (m *memRepo) bumpVersion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[id].WorkflowVersion++
}

type fakeNotifier struct {
	mu          sync.Mutex
	created     []string
	resolved    []string
	regulatory  []string
	err         error
	panicOnCall bool
	// release, when set, holds IncidentCreated until it is closed.
	release chan struct{}
	ctxErr  error
}

func (f *fakeNotifier) IncidentCreated(ctx context.Context, incident *domain.Incident) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnCall {
		panic("notifier exploded")
	}
	f.created = append(f.created, incident.ID)
	f.ctxErr = ctx.Err()
	return f.err
}

func (f *fakeNotifier) IncidentResolved(_ context.Context, incident *domain.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, incident.ID)
	return f.err
}

func (f *fakeNotifier) SendRegulatoryNotice(_ context.Context, incident *domain.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regulatory = append(f.regulatory, incident.ID)
	return f.err
}

type fakeDirectory struct {
	facilityID string
	userID     string
	err        error
}

func (d fakeDirectory) CurrentFacilityID(context.Context) (string, error) {
	return d.facilityID, d.err
}

func (d fakeDirectory) CurrentUserID(context.Context) (string, error) {
	return d.userID, d.err
}

type publishedEvent struct {
	facilityID string
	eventType  string
	data       any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(facilityID, eventType string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{facilityID: facilityID, eventType: eventType, data: data})
}

var fixedNow = time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)

func testPolicy() retry.Policy {
	return retry.StorePolicy(retry.StoreConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
}

func newTestStore(repo Repository) *Store {
	s := NewStore(repo, NewNumberer(NumberFormatDaily), testPolicy(), nil)
	s.now = func() time.Time { return fixedNow }
	return s
}

func newTestEngine(repo Repository) *WorkflowEngine {
	e := NewWorkflowEngine(repo, testPolicy())
	e.now = func() time.Time { return fixedNow }
	return e
}

func validParams() CreateIncidentParams {
	return CreateIncidentParams{
		FacilityID:           "facility-1",
		DetectedByOperatorID: "op-1",
		AffectedToolsCount:   5,
		AffectedBatchIDs:     []string{"BATCH-A1"},
		SeverityLevel:        domain.SeverityMedium,
		FailureDate:          fixedNow.Add(-time.Hour),
	}
}

func containsStatus(list []domain.IncidentStatus, s domain.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
