package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/karsvo/journey/internal/contacts"
	"github.com/karsvo/journey/internal/store"
	"github.com/karsvo/journey/pkg/schema"
)

// Enroller is the slice of the coordinator the cron enroller needs.
type Enroller interface {
	Enroll(ctx context.Context, workflowID string, contact *schema.Contact, payload map[string]any, externalEventID string) (*store.Execution, error)
}

const defaultCronInterval = 60 * time.Second

// CronEnroller polls the store for due scheduled enrollments and enrolls
// their contacts. The external event ID it derives from the schedule and the
// due time flows into the enrollment ledger, so a crashed-and-restarted
// enroller cannot double-enroll the same occurrence.
type CronEnroller struct {
	store    store.Store
	enroller Enroller
	provider contacts.AttributeProvider
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// CronOption configures a CronEnroller.
type CronOption func(*CronEnroller)

// WithCronInterval sets the polling interval.
func WithCronInterval(d time.Duration) CronOption {
	return func(c *CronEnroller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCronClock sets an alternate time source.
func WithCronClock(nowFn func() time.Time) CronOption {
	return func(c *CronEnroller) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

// WithCronLogger sets the enroller logger.
func WithCronLogger(l *slog.Logger) CronOption {
	return func(c *CronEnroller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCronEnroller creates a cron enroller using standard 5-field expressions.
func NewCronEnroller(st store.Store, enroller Enroller, provider contacts.AttributeProvider, opts ...CronOption) *CronEnroller {
	c := &CronEnroller{
		store:    st,
		enroller: enroller,
		provider: provider,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: defaultCronInterval,
		logger:   slog.Default(),
		nowFn:    time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background polling loop.
func (c *CronEnroller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("cron enroller already started")
	}

	cronCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(cronCtx)
	c.logger.Info("cron enroller started", "interval", c.interval)
	return nil
}

func (c *CronEnroller) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick checks all enabled schedules and runs those that are due. A schedule
// with no next_run_at yet (freshly created) is due immediately.
func (c *CronEnroller) Tick(ctx context.Context) {
	enabled := true
	schedules, err := c.store.ListScheduledEnrollments(ctx, store.ScheduledEnrollmentFilter{Enabled: &enabled})
	if err != nil {
		c.logger.Error("failed to list scheduled enrollments", "error", err)
		return
	}

	now := c.nowFn().UTC()
	for _, se := range schedules {
		if se.NextRunAt != nil && se.NextRunAt.After(now) {
			continue
		}
		if !c.tryAcquire(se.ID) {
			continue
		}
		if err := c.run(ctx, se, now); err != nil {
			c.logger.Error("scheduled enrollment failed",
				"schedule_id", se.ID, "workflow_id", se.WorkflowID, "error", err)
		}
		c.release(se.ID)
	}
}

// run enrolls the schedule's contact for the current occurrence and advances
// the schedule's timestamps.
func (c *CronEnroller) run(ctx context.Context, se *store.ScheduledEnrollment, now time.Time) error {
	occurrence := now
	if se.NextRunAt != nil {
		occurrence = se.NextRunAt.UTC()
	}

	status := "success"
	contact, err := c.provider.GetContact(ctx, se.TenantID, se.ContactID)
	if err != nil {
		status = "error"
	} else {
		exec, err := c.enroller.Enroll(ctx, se.WorkflowID, contact,
			map[string]any{"schedule_id": se.ID, "occurrence": occurrence.Format(time.RFC3339)},
			fmt.Sprintf("cron:%s:%d", se.ID, occurrence.Unix()))
		switch {
		case err != nil:
			status = "error"
			c.logger.Error("cron enrollment failed",
				"schedule_id", se.ID, "workflow_id", se.WorkflowID, "error", err)
		case exec == nil:
			status = "skipped"
		default:
			c.logger.Info("cron enrollment created",
				"schedule_id", se.ID, "workflow_id", se.WorkflowID, "execution_id", exec.ID)
		}
	}

	nextRun, err := c.NextRun(se.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", se.ID, err)
	}

	return c.store.UpdateScheduledEnrollment(ctx, se.ID, store.ScheduledEnrollmentUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

func (c *CronEnroller) tryAcquire(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *CronEnroller) release(id string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, id)
}

// NextRun computes the next occurrence of a cron expression after from.
func (c *CronEnroller) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := c.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the polling loop.
func (c *CronEnroller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("cron enroller stopped")
	return nil
}
