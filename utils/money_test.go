package utils

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func TestRounding(t *testing.T) {
	tests := []struct {
		in, usd, local string
	}{
		{"2.345", "2.35", "2"},
		{"-2.345", "-2.35", "-2"},
		{"1999.5", "1999.5", "2000"},
		{"0.004", "0", "0"},
	}
	for _, tt := range tests {
		d := decimal.RequireFromString(tt.in)
		if got := RoundUsd(d); !got.Equal(decimal.RequireFromString(tt.usd)) {
			t.Errorf("RoundUsd(%s) = %s, want %s", tt.in, got, tt.usd)
		}
		if got := RoundLocal(d); !got.Equal(decimal.RequireFromString(tt.local)) {
			t.Errorf("RoundLocal(%s) = %s, want %s", tt.in, got, tt.local)
		}
	}
}

func TestConversion(t *testing.T) {
	rate := decimal.NewFromInt(4000)
	if got := LocalFromUsd(decimal.RequireFromString("2.2"), rate); !got.Equal(decimal.NewFromInt(8800)) {
		t.Fatalf("LocalFromUsd = %s", got)
	}
	if got := UsdFromLocal(decimal.NewFromInt(10000), decimal.NewFromInt(3)); got.String() != "3333.33333333" {
		t.Fatalf("UsdFromLocal should keep 8 places, got %s", got)
	}
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate(" 2025-01-31 ")
	if err != nil || got == nil || got.Format("2006-01-02T15:04:05Z07:00") != "2025-01-31T00:00:00Z" {
		t.Fatalf("unexpected %v %v", got, err)
	}
	if got, err := ParseDate(""); got != nil || err != nil {
		t.Fatalf("empty date should be nil, nil")
	}
	if _, err := ParseDate("31/01/2025"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDBErrorClassification(t *testing.T) {
	if !IsDuplicateKeyErr(fmt.Errorf("insert: %w", &mysqlDriver.MySQLError{Number: 1062})) {
		t.Errorf("1062 is a duplicate")
	}
	if !IsDuplicateKeyErr(gorm.ErrDuplicatedKey) {
		t.Errorf("gorm duplicate is a duplicate")
	}
	if !IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: inbound_events.tenant_id")) {
		t.Errorf("sqlite unique violation is a duplicate")
	}
	if IsDuplicateKeyErr(nil) || IsDuplicateKeyErr(errors.New("boom")) {
		t.Errorf("false positive")
	}

	for _, n := range []uint16{1205, 1213} {
		if !IsRetryableDBErr(&mysqlDriver.MySQLError{Number: n}) {
			t.Errorf("%d should be retryable", n)
		}
	}
	if IsRetryableDBErr(&mysqlDriver.MySQLError{Number: 1062}) {
		t.Errorf("duplicate key is not a lock error")
	}
	if !IsRetryableDBErr(errors.New("database is locked")) || IsRetryableDBErr(nil) {
		t.Errorf("sqlite lock handling")
	}
}

func TestNewDocumentNo(t *testing.T) {
	if err := InitIdNode("worker-a"); err != nil {
		t.Fatalf("init node: %v", err)
	}
	a, b := NewDocumentNo("SI"), NewDocumentNo("SI")
	if !strings.HasPrefix(a, "SI-") || a == b {
		t.Fatalf("expected distinct SI- numbers, got %s %s", a, b)
	}
}

func TestTruncate(t *testing.T) {
	if Truncate("abcdef", 3) != "abc" || Truncate("ab", 3) != "ab" {
		t.Fatalf("truncate")
	}
}
