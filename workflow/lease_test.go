package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/stretchr/testify/require"
)

func TestDBLeaser_ExclusiveUntilExpiry(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	leaser := &DBLeaser{DB: db, Now: clock}
	ctx := context.Background()

	first, err := leaser.TryAcquire(ctx, "acme", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := leaser.TryAcquire(ctx, "acme", "worker-b", time.Minute)
	require.NoError(t, err)
	if second != nil {
		t.Fatalf("lease granted twice: %+v", second)
	}

	// Another tenant is independent.
	other, err := leaser.TryAcquire(ctx, "globex", "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)

	// worker-a crashed; after the TTL the lease is taken over.
	now = now.Add(61 * time.Second)
	takeover, err := leaser.TryAcquire(ctx, "acme", "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, takeover)
	require.NotEqual(t, first.Token, takeover.Token)

	// A stale release must not free the new holder's lease.
	require.NoError(t, leaser.Release(ctx, first))
	var row models.TenantLease
	require.NoError(t, db.Where("tenant_id = ?", "acme").First(&row).Error)
	if row.Token != takeover.Token || row.Holder != "worker-b" {
		t.Fatalf("stale release removed the new lease: %+v", row)
	}

	require.NoError(t, leaser.Release(ctx, takeover))
	again, err := leaser.TryAcquire(ctx, "acme", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
}
