package config

import (
	"context"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrMissingTenantScope = errors.New("tenant guard: tenant-scoped query without tenant_id")

// TenantGuardPlugin enforces multi-tenant isolation by scoping queries,
// updates and deletes to the context's tenant_id when the model has a
// tenant_id column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include tenant_id manually.
// - Cross-tenant access (scheduler discovery, ops surface) is explicit via appctx.WithoutTenantScope.
// - In strict mode a tenant-scoped statement with neither an explicit tenant_id
//   filter nor a tenant in context fails instead of running unscoped.
type TenantGuardPlugin struct {
	strict bool
}

func NewTenantGuardPlugin(strict bool) *TenantGuardPlugin { return &TenantGuardPlugin{strict: strict} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", p.callback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", p.callback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", p.callback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", p.callback); err != nil {
		return err
	}
	return nil
}

func (p *TenantGuardPlugin) callback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	if db.Statement.Schema.LookUpField("tenant_id") == nil {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereHasTenantID(db.Statement.Clauses["WHERE"]) {
		return
	}

	tenantID := tenantIdFromContext(ctx)
	if tenantID == "" {
		if p.strict {
			_ = db.AddError(ErrMissingTenantScope)
		}
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "tenant_id"},
				Value:  tenantID,
			},
		},
	})
}

func tenantIdFromContext(ctx context.Context) string {
	if v, ok := appctx.GetString(ctx, appctx.ContextKeyTenantId); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	v, ok := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope)
	return ok && v
}

func whereHasTenantID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasTenantID(e) {
			return true
		}
	}
	return false
}

func exprHasTenantID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsTenantID(v.Column)
	case clause.Neq:
		return colIsTenantID(v.Column)
	case clause.IN:
		return colIsTenantID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasTenantID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasTenantID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "tenant_id")
	case clause.NamedExpr:
		return strings.Contains(strings.ToLower(v.SQL), "tenant_id")
	default:
		return false
	}
}

func colIsTenantID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "tenant_id") || strings.HasSuffix(strings.ToLower(c), ".tenant_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "tenant_id")
	default:
		return false
	}
}
