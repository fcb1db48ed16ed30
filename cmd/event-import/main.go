package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// event-import appends device events from a JSON-lines file, the way device
// sync does, and nudges the reconciler once per tenant touched. Resent keys
// are skipped.
//
// Each line:
//
//	{"tenant_id":"acme","idempotency_key":"dev1-000042","kind":"sale",
//	 "device_code":"dev1","captured_at":"2025-01-03T10:15:00Z","payload":{...}}
//
// Example:
//
//	go run ./cmd/event-import/ -file=events.jsonl
type importLine struct {
	TenantId       string          `json:"tenant_id" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
	Kind           models.EventKind `json:"kind" validate:"required"`
	DeviceCode     string          `json:"device_code"`
	CapturedAt     time.Time       `json:"captured_at"`
	Payload        datatypes.JSON  `json:"payload" validate:"required"`
}

func main() {
	file := flag.String("file", "", "Required: JSON-lines file of events")
	noNudge := flag.Bool("no-nudge", false, "Do not publish tenant nudges")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()

	touched := map[string]bool{}
	inserted, skipped, lineNo := 0, 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 8<<20)
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var l importLine
		if err := utils.UnmarshalFromJSON([]byte(raw), &l); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			os.Exit(1)
		}
		if err := utils.ValidateStruct(l); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, utils.ProcessValidationErrors(err))
			os.Exit(1)
		}
		ev := &models.InboundEvent{
			TenantId:       models.TenantID(l.TenantId),
			IdempotencyKey: l.IdempotencyKey,
			Kind:           l.Kind,
			DeviceCode:     l.DeviceCode,
			Payload:        l.Payload,
			CapturedAt:     l.CapturedAt,
		}
		ok, err := models.AppendInboundEvent(appctx.WithTenant(ctx, l.TenantId), db, ev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: append: %v\n", lineNo, err)
			os.Exit(1)
		}
		if !ok {
			skipped++
			continue
		}
		inserted++
		touched[l.TenantId] = true
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("inserted=%d skipped=%d\n", inserted, skipped)

	if *noNudge || config.NudgeTopicName() == "" {
		return
	}
	for tenant := range touched {
		id, err := config.PublishTenantNudge(ctx, config.NudgeMessage{
			TenantId:      tenant,
			AppendedAt:    time.Now().UTC(),
			CorrelationId: uuid.NewString(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "nudge %s: %v\n", tenant, err)
			continue
		}
		fmt.Printf("nudged tenant=%s message_id=%s\n", tenant, id)
	}
}
