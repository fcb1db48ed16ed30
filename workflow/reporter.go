package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reporter keeps one heartbeat row per tenant: when it last ran, when it last
// made progress, and how many turns in a row have failed.
type Reporter struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func (r *Reporter) Record(ctx context.Context, turn TenantCycle) error {
	ctx = appctx.WithTenant(ctx, string(turn.TenantId))
	db := r.DB.WithContext(ctx)

	var hb models.TenantHeartbeat
	err := db.Where("tenant_id = ?", turn.TenantId).First(&hb).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	hb.TenantId = turn.TenantId
	hb.WorkerId = turn.WorkerId
	hb.LastCycleAt = turn.FinishedAt

	if turn.Applied+turn.AlreadyApplied > 0 {
		at := turn.FinishedAt
		hb.LastProgressAt = &at
	}
	if turn.Failed() {
		hb.ConsecutiveFailures++
		at := turn.FinishedAt
		hb.LastErrorAt = &at
		if turn.LastError != nil {
			msg := utils.Truncate(turn.LastError.Error(), 4000)
			kind := string(turn.LastError.Kind)
			hb.LastError = &msg
			hb.LastErrorKind = &kind
		}
	} else {
		hb.ConsecutiveFailures = 0
		at := turn.FinishedAt
		hb.LastSuccessAt = &at
	}
	hb.TotalApplied += int64(turn.Applied)
	hb.TotalQuarantined += int64(turn.Quarantined)
	hb.TotalInvariant += int64(turn.Invariant)
	hb.LastCycle = datatypes.JSONMap{
		"started_at":      turn.StartedAt,
		"finished_at":     turn.FinishedAt,
		"attempted":       turn.Attempted,
		"applied":         turn.Applied,
		"already_applied": turn.AlreadyApplied,
		"quarantined":     turn.Quarantined,
		"invariant":       turn.Invariant,
		"retry_later":     turn.RetryLater,
		"stop_reason":     turn.StopReason,
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		UpdateAll: true,
	}).Create(&hb).Error; err != nil {
		return err
	}

	if r.Logger != nil && turn.Invariant > 0 {
		r.Logger.WithFields(logrus.Fields{
			"field":                "Heartbeat",
			"tenant_id":            turn.TenantId,
			"invariant_violations": turn.Invariant,
			"alert":                "reconciler_invariant",
		}).Error("invariant violations quarantined events")
	}
	return nil
}
