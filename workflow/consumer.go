package workflow

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Why a tenant's turn ended.
const (
	StopDrained    = "drained"
	StopBudget     = "budget"
	StopHold       = "max_hold"
	StopRetryWait  = "retry_wait"
	StopCanceled   = "canceled"
	StopFetchError = "fetch_error"
)

// TenantCycle is what one lease-holding turn on a tenant did.
type TenantCycle struct {
	TenantId       models.TenantID
	WorkerId       string
	StartedAt      time.Time
	FinishedAt     time.Time
	Attempted      int
	Applied        int
	AlreadyApplied int
	Quarantined    int
	Invariant      int
	RetryLater     int
	StopReason     string
	// LastError is the most recent quarantine or retry reason of the turn.
	LastError *ProcessingError
}

// Failed reports whether the turn hit anything an operator should see.
// A turn stopped behind a retrying head has not recovered, even when it
// attempted nothing.
func (t *TenantCycle) Failed() bool {
	return t.Quarantined > 0 || t.RetryLater > 0 ||
		t.StopReason == StopFetchError || t.StopReason == StopRetryWait
}

// Consumer is the scheduler. Each cycle lists tenants with due work and lets
// a small pool of workers take them one lease at a time. Workers hold no
// state between tenants.
type Consumer struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	WorkerID string
	Settings config.ConsumerSettings
	Leaser   TenantLeaser
	Pipeline *Pipeline
	Reporter *Reporter
	Now      func() time.Time

	nudge chan struct{}
}

func NewConsumer(db *gorm.DB, logger *logrus.Logger, workerId string, settings config.ConsumerSettings, leaser TenantLeaser, pipeline *Pipeline) *Consumer {
	return &Consumer{
		DB:       db,
		Logger:   logger,
		WorkerID: workerId,
		Settings: settings.Normalize(),
		Leaser:   leaser,
		Pipeline: pipeline,
		Reporter: &Reporter{DB: db, Logger: logger},
		nudge:    make(chan struct{}, 1),
	}
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Nudge wakes the loop early, e.g. when ingestion announces new events.
// Extra nudges while one is pending are dropped.
func (c *Consumer) Nudge() {
	if c == nil || c.nudge == nil {
		return
	}
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

func (c *Consumer) Run(ctx context.Context) {
	if c == nil || c.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-c.nudge:
		case <-time.After(c.Settings.PollInterval):
		}
	}
}

// RunCycle runs one scheduling pass and returns the turns that held a lease.
// Tenants whose lease is held elsewhere are skipped silently.
func (c *Consumer) RunCycle(ctx context.Context) []TenantCycle {
	tenants, err := models.ListTenantsWithPendingEvents(ctx, c.DB, c.now(), 0)
	if err != nil {
		config.LogError(c.Logger, "consumer.go", "RunCycle", "Listing tenants with pending events", nil, err)
		return nil
	}
	if len(tenants) == 0 {
		return nil
	}

	jobs := make(chan models.TenantID)
	var (
		mu      sync.Mutex
		results []TenantCycle
		wg      sync.WaitGroup
	)
	workers := min(c.Settings.Workers, len(tenants))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tenantId := range jobs {
				if turn, ok := c.runTenant(ctx, tenantId); ok {
					mu.Lock()
					results = append(results, turn)
					mu.Unlock()
				}
			}
		}()
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	return results
}

func (c *Consumer) runTenant(ctx context.Context, tenantId models.TenantID) (TenantCycle, bool) {
	lease, err := c.Leaser.TryAcquire(ctx, tenantId, c.WorkerID, c.Settings.LeaseTTL)
	if err != nil {
		config.LogError(c.Logger, "consumer.go", "runTenant", "Acquiring tenant lease", tenantId, err)
		return TenantCycle{}, false
	}
	if lease == nil {
		return TenantCycle{}, false
	}
	defer func() {
		if err := c.Leaser.Release(context.WithoutCancel(ctx), lease); err != nil {
			config.LogError(c.Logger, "consumer.go", "runTenant", "Releasing tenant lease", tenantId, err)
		}
	}()

	turn := c.processTenant(ctx, lease)
	if c.Reporter != nil {
		if err := c.Reporter.Record(context.WithoutCancel(ctx), turn); err != nil {
			config.LogError(c.Logger, "consumer.go", "runTenant", "Recording heartbeat", tenantId, err)
		}
	}
	return turn, true
}

// processTenant applies the tenant's queue strictly in order until it is
// drained, the budget or hold time runs out, or the head event must wait.
func (c *Consumer) processTenant(ctx context.Context, lease *Lease) TenantCycle {
	tenantId := lease.TenantId
	ctx = appctx.WithTenant(ctx, string(tenantId))
	ctx = appctx.Set(ctx, appctx.ContextKeyWorkerId, c.WorkerID)
	ctx, span := tracer.Start(ctx, "reconciler.tenant_turn", trace.WithAttributes(
		attribute.String("tenant_id", string(tenantId)),
	))
	defer span.End()

	turn := TenantCycle{TenantId: tenantId, WorkerId: c.WorkerID, StartedAt: c.now()}
	holdUntil := turn.StartedAt.Add(c.Settings.MaxHold)
	if lease.ExpiresAt.Before(holdUntil) {
		holdUntil = lease.ExpiresAt
	}

	events, err := models.ListPendingEvents(ctx, c.DB, tenantId, c.Settings.EventBudget)
	if err != nil {
		config.LogError(c.Logger, "consumer.go", "processTenant", "Listing pending events", tenantId, err)
		turn.StopReason = StopFetchError
		turn.LastError = Classify(err)
		turn.FinishedAt = c.now()
		return turn
	}

	turn.StopReason = StopDrained
	if len(events) >= c.Settings.EventBudget {
		turn.StopReason = StopBudget
	}
loop:
	for i := range events {
		ev := &events[i]
		now := c.now()
		switch {
		case ctx.Err() != nil:
			turn.StopReason = StopCanceled
			break loop
		case !now.Before(holdUntil):
			turn.StopReason = StopHold
			break loop
		case ev.NextAttemptAt != nil && ev.NextAttemptAt.After(now):
			// Later events must not overtake one that is waiting to retry.
			turn.StopReason = StopRetryWait
			break loop
		}

		turn.Attempted++
		out := c.Pipeline.Process(ctx, tenantId, ev, c.WorkerID)
		switch out.Status {
		case OutcomeApplied:
			turn.Applied++
		case OutcomeAlreadyApplied:
			turn.AlreadyApplied++
		case OutcomeQuarantined:
			turn.Quarantined++
			if out.Err != nil && out.Err.Kind == ErrorKindInvariant {
				turn.Invariant++
			}
			turn.LastError = out.Err
		case OutcomeRetryLater:
			turn.RetryLater++
			turn.LastError = out.Err
			turn.StopReason = StopRetryWait
			break loop
		}
	}

	turn.FinishedAt = c.now()
	span.SetAttributes(
		attribute.Int("applied", turn.Applied),
		attribute.Int("quarantined", turn.Quarantined),
		attribute.String("stop_reason", turn.StopReason),
	)
	if c.Logger != nil && turn.Attempted > 0 {
		c.Logger.WithFields(logrus.Fields{
			"field":           "Consumer",
			"tenant_id":       tenantId,
			"worker_id":       c.WorkerID,
			"attempted":       turn.Attempted,
			"applied":         turn.Applied,
			"already_applied": turn.AlreadyApplied,
			"quarantined":     turn.Quarantined,
			"retry_later":     turn.RetryLater,
			"stop_reason":     turn.StopReason,
		}).Info("tenant turn finished")
	}
	return turn
}
