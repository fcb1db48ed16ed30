package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ClaimResult string

const (
	ClaimClaimed        ClaimResult = "claimed"
	ClaimAlreadyApplied ClaimResult = "already_applied"
	// ClaimAlreadyTerminal means the key was quarantined earlier. It is
	// skipped like an applied one; only a resubmission with a new key retries it.
	ClaimAlreadyTerminal ClaimResult = "already_terminal"
)

// Claim is a successful claim. Token must be presented to MarkApplied.
type Claim struct {
	Event models.InboundEvent
	Token string
}

// ClaimEvent atomically claims (tenant, key) inside the caller's transaction.
//
// The claim is a single conditional UPDATE on the pending row, so concurrent
// claimers serialize on the row: the loser sees the committed terminal status
// and gets ClaimAlreadyApplied. A claim never outlives its transaction, so a
// crashed worker leaves the row pending and claimable again.
func ClaimEvent(tx *gorm.DB, tenantId models.TenantID, key string, holder string, now time.Time) (ClaimResult, *Claim, error) {
	token := uuid.NewString()
	res := tx.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND idempotency_key = ? AND status = ?", tenantId, key, models.EventStatusPending).
		Updates(map[string]interface{}{
			"claim_token": token,
			"claimed_by":  holder,
			"claimed_at":  now,
		})
	if res.Error != nil {
		return "", nil, res.Error
	}

	var ev models.InboundEvent
	if err := tx.Where("tenant_id = ? AND idempotency_key = ?", tenantId, key).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, Validation(CodeRecordNotFound, "no inbound event for key %q", key)
		}
		return "", nil, err
	}

	if res.RowsAffected == 1 {
		return ClaimClaimed, &Claim{Event: ev, Token: token}, nil
	}
	switch ev.Status {
	case models.EventStatusApplied:
		return ClaimAlreadyApplied, nil, nil
	case models.EventStatusQuarantined:
		return ClaimAlreadyTerminal, nil, nil
	default:
		return "", nil, Transient(CodeConcurrentUpdate, errors.New("pending event could not be claimed"))
	}
}

// MarkApplied is the last write of the event transaction. It only succeeds
// for the holder of the claim token.
func MarkApplied(tx *gorm.DB, tenantId models.TenantID, claim *Claim, now time.Time) error {
	res := tx.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND id = ? AND status = ? AND claim_token = ?",
			tenantId, claim.Event.ID, models.EventStatusPending, claim.Token).
		Updates(map[string]interface{}{
			"status":     models.EventStatusApplied,
			"applied_at": now,
			"last_error": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return Invariant(CodeConcurrentUpdate, "claim on event %d lost before commit", claim.Event.ID)
	}
	return nil
}

// MarkQuarantined terminates a pending event with no derived rows. It runs
// after the processing transaction rolled back. A row that is no longer
// pending is left alone.
func MarkQuarantined(db *gorm.DB, tenantId models.TenantID, eventId int, perr *ProcessingError, now time.Time) (bool, error) {
	kind := string(perr.Kind)
	code := perr.Code
	reason := utils.Truncate(perr.Error(), 4000)
	res := db.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantId, eventId, models.EventStatusPending).
		Updates(map[string]interface{}{
			"status":            models.EventStatusQuarantined,
			"quarantined_at":    now,
			"quarantine_kind":   kind,
			"quarantine_code":   code,
			"quarantine_reason": reason,
			"claim_token":       nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ScheduleRetry records a transient failure. The event stays pending and
// becomes eligible again at nextAt.
func ScheduleRetry(db *gorm.DB, tenantId models.TenantID, eventId int, attempts int, nextAt time.Time, perr *ProcessingError) error {
	msg := utils.Truncate(perr.Error(), 4000)
	return db.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantId, eventId, models.EventStatusPending).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"next_attempt_at": nextAt,
			"last_error":      msg,
		}).Error
}
