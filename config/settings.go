package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ConsumerSettings tunes the reconciliation scheduler.
//
// Env overrides:
//   - RECONCILER_WORKERS (default 4)
//   - RECONCILER_POLL_INTERVAL_MS (default 2000)
//   - RECONCILER_EVENT_BUDGET (default 200) events per tenant per cycle
//   - RECONCILER_LEASE_TTL_SECONDS (default 60)
//   - RECONCILER_MAX_HOLD_SECONDS (default 30) must stay below the lease TTL
//   - RECONCILER_EVENT_TIMEOUT_SECONDS (default 10)
//   - RECONCILER_MAX_TRANSIENT_ATTEMPTS (default 0, unlimited)
//   - RECONCILER_RETRY_BASE_SECONDS (default 2)
//   - RECONCILER_RETRY_MAX_SECONDS (default 300)
//   - RECONCILER_LEASE_BACKEND (db|redis, default db)
type ConsumerSettings struct {
	Workers              int
	PollInterval         time.Duration
	EventBudget          int
	LeaseTTL             time.Duration
	MaxHold              time.Duration
	EventTimeout         time.Duration
	MaxTransientAttempts int
	RetryBase            time.Duration
	RetryMax             time.Duration
	LeaseBackend         string
}

func LoadConsumerSettings() ConsumerSettings {
	s := ConsumerSettings{
		Workers:              intFromEnv("RECONCILER_WORKERS", 4),
		PollInterval:         time.Duration(intFromEnv("RECONCILER_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		EventBudget:          intFromEnv("RECONCILER_EVENT_BUDGET", 200),
		LeaseTTL:             durationSecondsFromEnv("RECONCILER_LEASE_TTL_SECONDS", 60),
		MaxHold:              durationSecondsFromEnv("RECONCILER_MAX_HOLD_SECONDS", 30),
		EventTimeout:         durationSecondsFromEnv("RECONCILER_EVENT_TIMEOUT_SECONDS", 10),
		MaxTransientAttempts: intFromEnv("RECONCILER_MAX_TRANSIENT_ATTEMPTS", 0),
		RetryBase:            durationSecondsFromEnv("RECONCILER_RETRY_BASE_SECONDS", 2),
		RetryMax:             durationSecondsFromEnv("RECONCILER_RETRY_MAX_SECONDS", 300),
		LeaseBackend:         strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILER_LEASE_BACKEND"))),
	}
	return s.Normalize()
}

// Normalize fills zero values with defaults so tests can build partial settings.
func (s ConsumerSettings) Normalize() ConsumerSettings {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.EventBudget <= 0 {
		s.EventBudget = 200
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 60 * time.Second
	}
	if s.MaxHold <= 0 || s.MaxHold >= s.LeaseTTL {
		s.MaxHold = s.LeaseTTL / 2
	}
	if s.EventTimeout <= 0 {
		s.EventTimeout = 10 * time.Second
	}
	if s.MaxTransientAttempts < 0 {
		s.MaxTransientAttempts = 0
	}
	if s.RetryBase <= 0 {
		s.RetryBase = 2 * time.Second
	}
	if s.RetryMax < s.RetryBase {
		s.RetryMax = s.RetryBase
	}
	if s.LeaseBackend != "redis" {
		s.LeaseBackend = "db"
	}
	return s
}

// TenantGuardStrict makes the tenant guard reject tenant-scoped queries that
// carry neither a tenant filter nor a tenant in context.
//
// Set via env:
// - TENANT_GUARD_STRICT=true
func TenantGuardStrict() bool {
	return boolFromEnv("TENANT_GUARD_STRICT", false)
}

func HttpPort() string {
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return p
	}
	return "8080"
}

// OpsAllowedOrigins lists the dashboard origins allowed to read the ops surface.
func OpsAllowedOrigins() []string {
	raw := strings.TrimSpace(os.Getenv("OPS_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if o := strings.TrimSpace(part); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationSecondsFromEnv(key string, def int) time.Duration {
	return time.Duration(intFromEnv(key, def)) * time.Second
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
