package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"runtime/debug"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/pos_reconciler/workflow")

// Pipeline applies one event end to end in a single transaction: claim,
// materialize, cost, post, mark applied. Either all of it commits or none.
type Pipeline struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Materializer *Materializer
	Costing      *Costing
	Ledger       *LedgerPoster
	Settings     config.ConsumerSettings
	Now          func() time.Time

	// afterMaterialize runs inside the transaction once the draft is built.
	// Tests use it to inject slow or failing steps.
	afterMaterialize func(ctx context.Context, draft *Draft) error
}

func NewPipeline(db *gorm.DB, logger *logrus.Logger, settings config.ConsumerSettings, tenantConfig *TenantConfig) *Pipeline {
	return &Pipeline{
		DB:           db,
		Logger:       logger,
		Materializer: &Materializer{Logger: logger},
		Costing:      &Costing{Config: tenantConfig},
		Ledger:       &LedgerPoster{Config: tenantConfig},
		Settings:     settings.Normalize(),
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Process attempts one pending event and reports what happened. It never
// returns an error: every failure is classified into the outcome and the
// event row is updated accordingly.
func (p *Pipeline) Process(ctx context.Context, tenantId models.TenantID, ev *models.InboundEvent, holder string) Outcome {
	ctx = appctx.WithTenant(ctx, string(tenantId))
	ctx, span := tracer.Start(ctx, "reconciler.process_event", trace.WithAttributes(
		attribute.String("tenant_id", string(tenantId)),
		attribute.Int("event_id", ev.ID),
		attribute.String("event_kind", string(ev.Kind)),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, p.Settings.EventTimeout)
	defer cancel()

	result, docId, err := p.apply(attemptCtx, tenantId, ev, holder)
	if err == nil {
		span.SetAttributes(attribute.String("outcome", string(result)))
		if result == ClaimClaimed {
			return applied(ev.ID, docId)
		}
		return alreadyApplied(ev.ID)
	}

	perr := Classify(err)
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && perr.Kind == ErrorKindTransient {
		perr = Timeout(err)
	}
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Code)

	// The attempt's transaction is gone; bookkeeping must survive its deadline.
	bookCtx := context.WithoutCancel(ctx)
	if perr.IsQuarantine() {
		return p.quarantine(bookCtx, tenantId, ev, perr)
	}
	return p.retry(bookCtx, tenantId, ev, perr)
}

func (p *Pipeline) apply(ctx context.Context, tenantId models.TenantID, ev *models.InboundEvent, holder string) (result ClaimResult, docId int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Invariant(CodePanic, "panic while applying event %d: %v", ev.ID, r)
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "Pipeline",
					"tenant_id": tenantId,
					"event_id":  ev.ID,
					"stack":     string(debug.Stack()),
				}).Error(err.Error())
			}
		}
	}()

	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := p.now()
		res, claim, err := ClaimEvent(tx, tenantId, ev.IdempotencyKey, holder, now)
		if err != nil {
			return err
		}
		result = res
		if res != ClaimClaimed {
			return nil
		}

		draft, err := p.Materializer.Materialize(tx, tenantId, &claim.Event)
		if err != nil {
			return err
		}
		if p.afterMaterialize != nil {
			if err := p.afterMaterialize(ctx, draft); err != nil {
				return err
			}
		}

		doc, err := p.persist(tx, tenantId, &claim.Event, draft, now)
		if err != nil {
			return err
		}
		docId = doc.ID

		return MarkApplied(tx, tenantId, claim, now)
	})
	return result, docId, err
}

// persist costs the draft's stock effects, writes the document with its
// lines, moves and allocations, and posts the journal.
func (p *Pipeline) persist(tx *gorm.DB, tenantId models.TenantID, ev *models.InboundEvent, draft *Draft, now time.Time) (*models.Document, error) {
	doc := draft.Document
	costs := make([]*CostResult, len(draft.Stock))
	for i, op := range draft.Stock {
		var (
			res *CostResult
			err error
		)
		switch op.Kind {
		case stockOpInbound:
			res, err = p.Costing.Receive(tx, tenantId, InboundRequest{
				Item: op.Item, Warehouse: op.Warehouse, Qty: op.Qty,
				UnitCostUsd: op.UnitCostUsd, UnitCostLocal: op.UnitCostLocal,
				LotCode: op.LotCode, ExpiryDate: op.ExpiryDate, EventId: ev.ID,
			})
		case stockOpOutbound:
			res, err = p.Costing.Issue(tx, tenantId, OutboundRequest{
				Item: op.Item, Warehouse: op.Warehouse, Qty: op.Qty, EventId: ev.ID,
			})
		case stockOpRestock:
			res, err = p.Costing.Restock(tx, tenantId, RestockRequest{
				Item: op.Item, Warehouse: op.Warehouse, Sources: op.Sources, EventId: ev.ID,
			})
		default:
			err = Invariant(CodeInvalidPayload, "unknown stock operation %q", op.Kind)
		}
		if err != nil {
			return nil, err
		}
		costs[i] = res

		line := &doc.Lines[op.LineIndex]
		line.UnitCostUsd = res.UnitCostUsd
		line.UnitCostLocal = res.UnitCostLocal
		line.LotId = res.LotId
		if draft.ValueAtCost {
			signed := signedQty(op)
			line.UnitPriceUsd = res.UnitCostUsd
			line.UnitPriceLocal = res.UnitCostLocal
			line.AmountUsd = utils.RoundUsd(signed.Mul(res.UnitCostUsd))
			line.AmountLocal = utils.RoundLocal(signed.Mul(res.UnitCostLocal))
		}
	}
	if draft.ValueAtCost {
		sumHeader(doc)
	}

	if draft.Effects != nil {
		if err := draft.Effects(tx, doc); err != nil {
			return nil, err
		}
	}

	doc.Status = models.DocumentStatusPosted
	doc.PostedAt = &now
	if err := tx.Create(doc).Error; err != nil {
		if errors.Is(err, models.ErrDocumentTotalsMismatch) {
			return nil, Invariant(CodeTotalsMismatch, "document for event %d: %v", ev.ID, err)
		}
		return nil, err
	}

	moves := make([]models.StockMove, 0, len(draft.Stock))
	for i, op := range draft.Stock {
		res := costs[i]
		line := doc.Lines[op.LineIndex]
		move := models.StockMove{
			TenantId:       tenantId,
			ItemId:         op.Item.ID,
			WarehouseId:    op.Warehouse.ID,
			Qty:            signedQty(op),
			UnitCostUsd:    res.UnitCostUsd,
			UnitCostLocal:  res.UnitCostLocal,
			LotId:          res.LotId,
			DocumentId:     doc.ID,
			DocumentLineId: line.ID,
			SourceEventId:  ev.ID,
			MoveDate:       ev.CapturedAt,
			Allocations:    res.Allocations,
		}
		if err := tx.Create(&move).Error; err != nil {
			return nil, err
		}
		moves = append(moves, move)
	}

	if _, err := p.Ledger.Post(tx, tenantId, doc, moves, ev.CapturedAt); err != nil {
		return nil, err
	}
	return doc, nil
}

func signedQty(op stockOp) decimal.Decimal {
	if op.Kind == stockOpOutbound {
		return op.Qty.Neg()
	}
	return op.Qty
}

func (p *Pipeline) quarantine(ctx context.Context, tenantId models.TenantID, ev *models.InboundEvent, perr *ProcessingError) Outcome {
	fields := logrus.Fields{
		"field":      "Pipeline",
		"tenant_id":  tenantId,
		"event_id":   ev.ID,
		"key":        ev.IdempotencyKey,
		"kind":       ev.Kind,
		"error_kind": perr.Kind,
		"code":       perr.Code,
	}
	ok, err := MarkQuarantined(p.DB.WithContext(ctx), tenantId, ev.ID, perr, p.now())
	if err != nil {
		// Could not record the verdict; leave the row pending for the next cycle.
		if p.Logger != nil {
			p.Logger.WithFields(fields).Error("recording quarantine failed: " + err.Error())
		}
		return retryLater(ev.ID, Transient(CodeStoreUnavailable, err), p.now().Add(p.Settings.RetryBase))
	}
	if !ok {
		// Another holder settled the row first.
		return alreadyApplied(ev.ID)
	}
	if p.Logger != nil {
		entry := p.Logger.WithFields(fields)
		if perr.Kind == ErrorKindInvariant {
			entry.Error("event quarantined on invariant violation: " + perr.Error())
		} else {
			entry.Warn("event quarantined: " + perr.Error())
		}
	}
	return quarantined(ev.ID, perr)
}

func (p *Pipeline) retry(ctx context.Context, tenantId models.TenantID, ev *models.InboundEvent, perr *ProcessingError) Outcome {
	attempts := ev.Attempts + 1
	if limit := p.Settings.MaxTransientAttempts; limit > 0 && attempts >= limit {
		// Parked as a conflict so operators see it next to stock and shift problems.
		exhausted := &ProcessingError{
			Kind:    ErrorKindConflict,
			Code:    CodeRetriesExhausted,
			Message: fmt.Sprintf("gave up after %d transient failures", attempts),
			Err:     perr,
		}
		return p.quarantine(ctx, tenantId, ev, exhausted)
	}

	next := p.now().Add(RetryDelay(ev.ID, attempts, p.Settings.RetryBase, p.Settings.RetryMax))
	if err := ScheduleRetry(p.DB.WithContext(ctx), tenantId, ev.ID, attempts, next, perr); err != nil && p.Logger != nil {
		config.LogError(p.Logger, "pipeline.go", "retry", "Scheduling retry", ev.ID, err)
	}
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":     "Pipeline",
			"tenant_id": tenantId,
			"event_id":  ev.ID,
			"attempts":  attempts,
			"next_at":   next,
			"code":      perr.Code,
		}).Info("event will be retried: " + perr.Error())
	}
	return retryLater(ev.ID, perr, next)
}

// RetryDelay is base * 2^(attempt-1), capped at maxDelay, plus up to 20% jitter
// derived from the event id so the schedule is reproducible.
func RetryDelay(eventId, attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d:%d", eventId, attempt)
	jitter := time.Duration(int64(delay) / 5 * int64(h.Sum32()%1000) / 1000)
	return delay + jitter
}
