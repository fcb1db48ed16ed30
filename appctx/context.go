package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> workflow).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyTenantId      = ContextKey("TenantId")
	ContextKeyWorkerId      = ContextKey("WorkerId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeySkipTenantScope disables tenant scoping for a single call chain.
	// Only the scheduler's cross-tenant discovery and the ops surface use it.
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func WithTenant(ctx context.Context, tenantId string) context.Context {
	return Set(ctx, ContextKeyTenantId, tenantId)
}

func WithoutTenantScope(ctx context.Context) context.Context {
	return Set(ctx, ContextKeySkipTenantScope, true)
}
