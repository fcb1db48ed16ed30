package models

import (
	"log"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Migrate creates or updates every table the engine reads or writes.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Tenant{}, &Item{}, &Warehouse{}, &Device{}, &ExchangeRate{}, &TenantAccountDefault{}, &AccountingPeriodLock{},
		&InboundEvent{},
		&Document{}, &DocumentLine{},
		&StockMove{}, &StockMoveAllocation{},
		&Lot{}, &ItemWarehouseCost{},
		&JournalEntry{}, &JournalLine{},
		&PosShift{},
		&TenantHeartbeat{}, &TenantLease{},
	)
}
