// seed-tenant creates or updates a development tenant with a warehouse, a POS
// device and the full account role mapping, so events can be imported and
// reconciled end to end.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-tenant -tenant-id=acme -device=dev1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var defaultAccounts = map[models.AccountRole]string{
	models.AccountRoleCash:          "1000",
	models.AccountRoleBank:          "1010",
	models.AccountRoleAR:            "1100",
	models.AccountRoleInventory:     "1200",
	models.AccountRoleCashClearing:  "1090",
	models.AccountRoleVatPayable:    "2100",
	models.AccountRoleGrni:          "2150",
	models.AccountRoleSales:         "4000",
	models.AccountRoleSalesReturns:  "4010",
	models.AccountRoleCogs:          "5000",
	models.AccountRoleInvAdjustment: "5100",
	models.AccountRoleRounding:      "5900",
	models.AccountRoleRestockFees:   "4900",
}

func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	name := flag.String("name", "", "Tenant display name (defaults to tenant id)")
	deviceCode := flag.String("device", "POS-1", "Device code to register")
	allowNegative := flag.Bool("allow-negative-stock", false, "Tenant default negative stock policy")
	flag.Parse()

	tid := strings.TrimSpace(*tenantID)
	if tid == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		os.Exit(1)
	}
	if strings.TrimSpace(*name) == "" {
		*name = tid
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if err := models.Migrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	ctx := appctx.WithTenant(context.Background(), tid)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant := models.Tenant{ID: models.TenantID(tid), Name: *name, AllowNegativeStock: *allowNegative, IsActive: true}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&tenant).Error; err != nil {
			return fmt.Errorf("tenant: %w", err)
		}

		var wh models.Warehouse
		if err := tx.Where("tenant_id = ? AND name = ?", tid, "Main").
			Attrs(models.Warehouse{TenantId: models.TenantID(tid), Name: "Main", IsActive: true}).
			FirstOrCreate(&wh).Error; err != nil {
			return fmt.Errorf("warehouse: %w", err)
		}

		var dev models.Device
		if err := tx.Where("tenant_id = ? AND device_code = ?", tid, *deviceCode).
			Attrs(models.Device{TenantId: models.TenantID(tid), DeviceCode: *deviceCode, WarehouseId: wh.ID, IsActive: true}).
			FirstOrCreate(&dev).Error; err != nil {
			return fmt.Errorf("device: %w", err)
		}

		for role, code := range defaultAccounts {
			row := models.TenantAccountDefault{TenantId: models.TenantID(tid), Role: role, AccountCode: code}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "role"}},
				DoUpdates: clause.AssignmentColumns([]string{"account_code"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("account %s: %w", role, err)
			}
		}
		fmt.Printf("tenant=%s warehouse_id=%d device=%s accounts=%d\n", tid, wh.ID, dev.DeviceCode, len(defaultAccounts))
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	// Drop any cached policy/accounts for the tenant.
	_ = config.RemoveRedisKey(fmt.Sprintf("reconciler:tenant:%s:policy", tid), fmt.Sprintf("reconciler:tenant:%s:accounts", tid))
}
