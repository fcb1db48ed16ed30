package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/stretchr/testify/require"
)

// connectIntegrationStack starts throwaway MySQL and Redis containers and
// points the global config handles at them.
func connectIntegrationStack(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "reconciler_test")
	t.Setenv("TENANT_GUARD_STRICT", "false")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	require.NoError(t, models.Migrate(config.GetDB()))
}

func TestIntegration_RedisLeaseIsExclusive(t *testing.T) {
	connectIntegrationStack(t)
	ctx := context.Background()
	leaser := &RedisLeaser{Locker: config.GetRedisLock()}

	first, err := leaser.TryAcquire(ctx, "acme", "worker-a", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := leaser.TryAcquire(ctx, "acme", "worker-b", 5*time.Second)
	require.NoError(t, err)
	require.Nil(t, second, "lease is held by worker-a")

	other, err := leaser.TryAcquire(ctx, "globex", "worker-b", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, other)

	require.NoError(t, leaser.Release(ctx, first))
	require.NoError(t, leaser.Release(ctx, first), "double release is a no-op")

	again, err := leaser.TryAcquire(ctx, "acme", "worker-b", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
}

// Two replicas race over the same tenants; every event is applied once and
// stock ends where a single sequential run would leave it.
func TestIntegration_ConcurrentReplicasApplyOnce(t *testing.T) {
	connectIntegrationStack(t)
	db := config.GetDB()

	tenants := []*fixture{seedTenant(t, db, "acme"), seedTenant(t, db, "globex")}
	for _, f := range tenants {
		f.receive(t, f.tenant.String()+"-rcv", f.plain, "100", "1.50", "", "")
		f.openShift(t, f.tenant.String()+"-shift")
		for i := 0; i < 20; i++ {
			f.appendEvent(t, fmt.Sprintf("%s-sale-%02d", f.tenant, i), models.EventKindSale, f.salePayload(f.plain, "2", "3"))
		}
	}

	leaser := &RedisLeaser{Locker: config.GetRedisLock()}
	tc := &TenantConfig{}
	settings := config.ConsumerSettings{Workers: 2, EventBudget: 7, LeaseTTL: 30 * time.Second, MaxHold: 10 * time.Second, EventTimeout: 10 * time.Second}
	replicas := []*Consumer{
		NewConsumer(db, quietLogger(), "replica-1", settings, leaser, NewPipeline(db, quietLogger(), settings, tc)),
		NewConsumer(db, quietLogger(), "replica-2", settings, leaser, NewPipeline(db, quietLogger(), settings, tc)),
	}
	deadline := time.Now().Add(time.Minute)
	for {
		var wg sync.WaitGroup
		for _, c := range replicas {
			wg.Add(1)
			go func(c *Consumer) {
				defer wg.Done()
				c.RunCycle(context.Background())
			}(c)
		}
		wg.Wait()

		var pending int64
		require.NoError(t, db.Model(&models.InboundEvent{}).Where("status = ?", models.EventStatusPending).Count(&pending).Error)
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d events still pending", pending)
		}
	}

	for _, f := range tenants {
		require.EqualValues(t, 20, f.count(t, &models.Document{}, "tenant_id = ? AND kind = ?", f.tenant, models.DocumentKindSalesInvoice))
		require.EqualValues(t, 0, f.count(t, &models.InboundEvent{}, "tenant_id = ? AND status = ?", f.tenant, models.EventStatusQuarantined))

		var cost models.ItemWarehouseCost
		require.NoError(t, db.Where("tenant_id = ? AND item_id = ? AND warehouse_id = ?", f.tenant, f.plain.ID, f.warehouse.ID).First(&cost).Error)
		require.True(t, cost.OnHand.Equal(dec("60")), "on hand %s", cost.OnHand)
		requireNoIntegrityIssues(t, f)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("reconciler-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("reconciler-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=reconciler_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// e.g. "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
