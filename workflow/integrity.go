package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// IntegrityIssue is one broken invariant found in committed data.
type IntegrityIssue struct {
	Check  string `json:"check"`
	Ref    string `json:"ref"`
	Detail string `json:"detail"`
}

const (
	CheckJournalBalance  = "journal_balance"
	CheckDocumentTotals  = "document_totals"
	CheckAppliedDocument = "applied_event_document"
	CheckOnHandMatches   = "on_hand_matches_moves"
	CheckNegativeOnHand  = "negative_on_hand"
	CheckLotBounds       = "lot_bounds"
)

// CheckTenantIntegrity re-verifies the engine's invariants over one tenant's
// committed rows. It only reads.
func CheckTenantIntegrity(ctx context.Context, db *gorm.DB, tenantId models.TenantID, tc *TenantConfig) ([]IntegrityIssue, error) {
	tx := db.WithContext(appctx.WithTenant(ctx, string(tenantId)))
	var issues []IntegrityIssue
	add := func(check, ref, format string, args ...any) {
		issues = append(issues, IntegrityIssue{Check: check, Ref: ref, Detail: fmt.Sprintf(format, args...)})
	}

	var entries []models.JournalEntry
	if err := tx.Where("tenant_id = ?", tenantId).Preload("Lines").Find(&entries).Error; err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsBalanced() {
			dUsd, cUsd, dLocal, cLocal := e.Sums()
			add(CheckJournalBalance, fmt.Sprintf("journal_entry:%d", e.ID),
				"usd %s/%s local %s/%s", dUsd, cUsd, dLocal, cLocal)
		}
	}

	var docs []models.Document
	if err := tx.Where("tenant_id = ?", tenantId).Preload("Lines").Find(&docs).Error; err != nil {
		return nil, err
	}
	docByEvent := make(map[int]bool, len(docs))
	for i := range docs {
		docByEvent[docs[i].SourceEventId] = true
		if len(docs[i].Lines) == 0 {
			continue
		}
		if err := docs[i].CheckTotals(); err != nil {
			add(CheckDocumentTotals, fmt.Sprintf("document:%d", docs[i].ID), "%v", err)
		}
	}

	var appliedIds []int
	if err := tx.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND status = ?", tenantId, models.EventStatusApplied).
		Pluck("id", &appliedIds).Error; err != nil {
		return nil, err
	}
	for _, id := range appliedIds {
		if !docByEvent[id] {
			add(CheckAppliedDocument, fmt.Sprintf("inbound_event:%d", id), "applied event has no document")
		}
	}

	var moves []models.StockMove
	if err := tx.Where("tenant_id = ?", tenantId).Find(&moves).Error; err != nil {
		return nil, err
	}
	sums := map[[2]int]decimal.Decimal{}
	for _, m := range moves {
		k := [2]int{m.ItemId, m.WarehouseId}
		sums[k] = sums[k].Add(m.Qty)
	}

	var costs []models.ItemWarehouseCost
	if err := tx.Where("tenant_id = ?", tenantId).Find(&costs).Error; err != nil {
		return nil, err
	}
	for _, c := range costs {
		ref := fmt.Sprintf("item:%d/warehouse:%d", c.ItemId, c.WarehouseId)
		if moved := sums[[2]int{c.ItemId, c.WarehouseId}]; !moved.Equal(c.OnHand) {
			add(CheckOnHandMatches, ref, "on_hand %s but moves sum to %s", c.OnHand, moved)
		}
		if !c.OnHand.IsNegative() {
			continue
		}
		var item models.Item
		var wh models.Warehouse
		if err := tx.Where("tenant_id = ? AND id = ?", tenantId, c.ItemId).First(&item).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("tenant_id = ? AND id = ?", tenantId, c.WarehouseId).First(&wh).Error; err != nil {
			return nil, err
		}
		allow, err := tc.AllowNegativeStock(tx, tenantId, &item, &wh)
		if err != nil {
			return nil, err
		}
		if !allow {
			add(CheckNegativeOnHand, ref, "on_hand %s where policy forbids negative stock", c.OnHand)
		}
	}

	var lots []models.Lot
	if err := tx.Where("tenant_id = ?", tenantId).Find(&lots).Error; err != nil {
		return nil, err
	}
	for _, l := range lots {
		if l.RemainingQty.IsNegative() || l.RemainingQty.GreaterThan(l.ReceivedQty) {
			add(CheckLotBounds, fmt.Sprintf("lot:%d", l.ID), "remaining %s outside [0, %s]", l.RemainingQty, l.ReceivedQty)
		}
		if l.Status == models.LotStatusExhausted && !l.RemainingQty.IsZero() {
			add(CheckLotBounds, fmt.Sprintf("lot:%d", l.ID), "exhausted with %s remaining", l.RemainingQty)
		}
	}
	return issues, nil
}
