package workflow

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"gorm.io/gorm"
)

// TenantConfig reads configuration the engine consumes but does not own:
// negative-stock policy and the account mapping. Tenant-level values are
// cached in Redis when it is configured.
type TenantConfig struct {
	CacheTTL time.Duration
}

type tenantPolicyCache struct {
	AllowNegativeStock bool `json:"allow_negative_stock"`
}

func policyCacheKey(tenantId models.TenantID) string {
	return fmt.Sprintf("reconciler:tenant:%s:policy", tenantId)
}

func accountsCacheKey(tenantId models.TenantID) string {
	return fmt.Sprintf("reconciler:tenant:%s:accounts", tenantId)
}

func (c *TenantConfig) ttl() time.Duration {
	if c == nil || c.CacheTTL <= 0 {
		return 5 * time.Minute
	}
	return c.CacheTTL
}

// AllowNegativeStock resolves the policy: warehouse override, then item
// override, then the tenant default. A tenant without a row disallows.
func (c *TenantConfig) AllowNegativeStock(tx *gorm.DB, tenantId models.TenantID, item *models.Item, warehouse *models.Warehouse) (bool, error) {
	if warehouse != nil && warehouse.AllowNegativeStock != nil {
		return *warehouse.AllowNegativeStock, nil
	}
	if item != nil && item.AllowNegativeStock != nil {
		return *item.AllowNegativeStock, nil
	}

	var cached tenantPolicyCache
	if ok, err := config.GetRedisObject(policyCacheKey(tenantId), &cached); err == nil && ok {
		return cached.AllowNegativeStock, nil
	}

	var tenant models.Tenant
	if err := tx.Where("id = ?", tenantId).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = config.SetRedisObject(policyCacheKey(tenantId), tenantPolicyCache{AllowNegativeStock: tenant.AllowNegativeStock}, c.ttl())
	return tenant.AllowNegativeStock, nil
}

// AccountCodes returns role -> account code for the tenant.
func (c *TenantConfig) AccountCodes(tx *gorm.DB, tenantId models.TenantID) (map[models.AccountRole]string, error) {
	codes := map[models.AccountRole]string{}
	if ok, err := config.GetRedisObject(accountsCacheKey(tenantId), &codes); err == nil && ok && len(codes) > 0 {
		return codes, nil
	}

	var rows []models.TenantAccountDefault
	if err := tx.Where("tenant_id = ?", tenantId).Find(&rows).Error; err != nil {
		return nil, err
	}
	codes = make(map[models.AccountRole]string, len(rows))
	for _, r := range rows {
		codes[r.Role] = r.AccountCode
	}
	if len(codes) > 0 {
		_ = config.SetRedisObject(accountsCacheKey(tenantId), codes, c.ttl())
	}
	return codes, nil
}

// Invalidate drops the cached tenant configuration.
func (c *TenantConfig) Invalidate(tenantId models.TenantID) error {
	return config.RemoveRedisKey(policyCacheKey(tenantId), accountsCacheKey(tenantId))
}
