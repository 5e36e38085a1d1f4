package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/pkg/schema"
)

type enrollCall struct {
	workflowID      string
	contactID       string
	externalEventID string
}

type recordingEnroller struct {
	mu        sync.Mutex
	calls     []enrollCall
	returnNil bool
}

func (e *recordingEnroller) Enroll(ctx context.Context, workflowID string, contact *schema.Contact, payload map[string]any, externalEventID string) (*store.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, enrollCall{workflowID, contact.ID, externalEventID})
	if e.returnNil {
		return nil, nil
	}
	return &store.Execution{ID: "exec-1", WorkflowID: workflowID}, nil
}

func (e *recordingEnroller) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func seedSchedule(t *testing.T, s *store.LibSQLStore, id string, enabled bool, nextRunAt *time.Time) {
	t.Helper()
	require.NoError(t, s.CreateScheduledEnrollment(context.Background(), &store.ScheduledEnrollment{
		ID:             id,
		WorkflowID:     "wf-1",
		TenantID:       "tenant-1",
		ContactID:      "contact-1",
		CronExpression: "0 9 * * *",
		Enabled:        enabled,
		NextRunAt:      nextRunAt,
	}))
}

func newCronFixture(t *testing.T, now time.Time) (*store.LibSQLStore, *recordingEnroller, *CronEnroller) {
	t.Helper()
	s := newTestStore(t)
	provider := contacts.NewStaticProvider()
	provider.Put(&schema.Contact{ID: "contact-1", TenantID: "tenant-1"})
	enroller := &recordingEnroller{}
	cronEnroller := NewCronEnroller(s, enroller, provider, WithCronClock(func() time.Time { return now }))
	return s, enroller, cronEnroller
}

func TestCronTickRunsDueSchedules(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s, enroller, ce := newCronFixture(t, now)
	ctx := context.Background()

	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	seedSchedule(t, s, "sched-due", true, &due)
	seedSchedule(t, s, "sched-fresh", true, nil)
	seedSchedule(t, s, "sched-future", true, &future)
	seedSchedule(t, s, "sched-disabled", false, &due)

	ce.Tick(ctx)

	assert.Equal(t, 2, enroller.callCount(), "due and fresh schedules run, future and disabled do not")

	enabled := true
	schedules, err := s.ListScheduledEnrollments(ctx, store.ScheduledEnrollmentFilter{Enabled: &enabled})
	require.NoError(t, err)
	for _, se := range schedules {
		if se.ID == "sched-future" {
			continue
		}
		require.NotNil(t, se.NextRunAt, "schedule %s", se.ID)
		assert.True(t, se.NextRunAt.After(now), "schedule %s advanced past now", se.ID)
		assert.Equal(t, "success", se.LastRunStatus)
		require.NotNil(t, se.LastRunAt)
	}
}

func TestCronTickDoesNotRerunBeforeNextOccurrence(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s, enroller, ce := newCronFixture(t, now)
	ctx := context.Background()

	seedSchedule(t, s, "sched-1", true, nil)

	ce.Tick(ctx)
	require.Equal(t, 1, enroller.callCount())

	// Same moment again: next_run_at has advanced to tomorrow 09:00.
	ce.Tick(ctx)
	assert.Equal(t, 1, enroller.callCount())
}

func TestCronOccurrenceEventID(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s, enroller, ce := newCronFixture(t, now)
	ctx := context.Background()

	occurrence := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedSchedule(t, s, "sched-1", true, &occurrence)

	ce.Tick(ctx)

	require.Equal(t, 1, enroller.callCount())
	enroller.mu.Lock()
	call := enroller.calls[0]
	enroller.mu.Unlock()
	assert.Equal(t, "wf-1", call.workflowID)
	assert.Equal(t, "contact-1", call.contactID)
	assert.Contains(t, call.externalEventID, "cron:sched-1:")
}

func TestCronSuppressedEnrollmentMarkedSkipped(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	s, enroller, ce := newCronFixture(t, now)
	enroller.returnNil = true
	ctx := context.Background()

	seedSchedule(t, s, "sched-1", true, nil)
	ce.Tick(ctx)

	enabled := true
	schedules, err := s.ListScheduledEnrollments(ctx, store.ScheduledEnrollmentFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "skipped", schedules[0].LastRunStatus)
}

func TestNextRun(t *testing.T) {
	ce := NewCronEnroller(nil, nil, nil)
	from := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	next, err := ce.NextRun("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), next)

	_, err = ce.NextRun("not a cron", from)
	assert.Error(t, err)
}
