package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/workflow"
)

// integrity-check re-verifies committed reconciler output: balanced journals,
// document totals, a document per applied event, on-hand equal to the sum of
// stock moves, no forbidden negative stock, and lot quantities in bounds.
//
// Example:
//
//	go run ./cmd/integrity-check/ -tenant-id=acme
//	go run ./cmd/integrity-check/ -all -json
func main() {
	tenantID := flag.String("tenant-id", "", "Tenant to check")
	all := flag.Bool("all", false, "Check every tenant")
	asJSON := flag.Bool("json", false, "Print issues as JSON lines")
	flag.Parse()

	if strings.TrimSpace(*tenantID) == "" && !*all {
		fmt.Fprintln(os.Stderr, "--tenant-id or --all is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()

	var tenants []models.TenantID
	if *all {
		if err := db.WithContext(appctx.WithoutTenantScope(ctx)).
			Model(&models.Tenant{}).Order("id").Pluck("id", &tenants).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list tenants: %v\n", err)
			os.Exit(1)
		}
	} else {
		tenants = []models.TenantID{models.TenantID(strings.TrimSpace(*tenantID))}
	}

	tc := &workflow.TenantConfig{}
	total := 0
	for _, t := range tenants {
		issues, err := workflow.CheckTenantIntegrity(ctx, db, t, tc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tenant %s: %v\n", t, err)
			os.Exit(1)
		}
		total += len(issues)
		for _, is := range issues {
			if *asJSON {
				b, _ := json.Marshal(struct {
					TenantId models.TenantID `json:"tenant_id"`
					workflow.IntegrityIssue
				}{t, is})
				fmt.Println(string(b))
				continue
			}
			fmt.Printf("tenant=%s check=%s ref=%s %s\n", t, is.Check, is.Ref, is.Detail)
		}
		if !*asJSON {
			fmt.Printf("tenant=%s issues=%d\n", t, len(issues))
		}
	}
	if total > 0 {
		os.Exit(2)
	}
}
