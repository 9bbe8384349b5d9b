package store_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/db"
	"github.com/thorbis/audit-core/internal/db/migrations"
	"github.com/thorbis/audit-core/internal/dbpool"
	"github.com/thorbis/audit-core/internal/store"
)

// testEnv holds shared test infrastructure (single pool across all tests).
type testEnv struct {
	pool *dbpool.Pool
	log  *logrus.Logger
}

var sharedEnv *testEnv

func getTestEnv(t *testing.T) *testEnv {
	t.Helper()

	if sharedEnv != nil {
		return sharedEnv
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	pool, err := dbpool.NewPool(ctx, dbURL)
	if err != nil {
		t.Fatalf("connecting to test DB: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		t.Fatalf("migrating test DB: %v", err)
	}

	sharedEnv = &testEnv{
		pool: pool,
		log:  log,
	}

	return sharedEnv
}

// setupTestBase creates a Base with a fresh test tenant, cleaned up after the test.
func setupTestBase(t *testing.T) (store.Base, string) {
	t.Helper()

	env := getTestEnv(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	// Insert test tenant directly (no RLS on the tenants table).
	apiKey := testAPIKey(tenantID)
	hash := sha256.Sum256([]byte(apiKey))
	apiKeyHash := hex.EncodeToString(hash[:])

	_, err := env.pool.Exec(ctx,
		"INSERT INTO tenants (id, name, api_key_hash) VALUES ($1, $2, $3)",
		tenantID, fmt.Sprintf("test-tenant-%s", tenantID[:8]), apiKeyHash,
	)
	if err != nil {
		t.Fatalf("creating test tenant: %v", err)
	}

	t.Cleanup(func() {
		cleanCtx := context.Background()
		// Delete in dependency order: events, heads, jobs, idempotency, tenant.
		env.pool.Exec(cleanCtx, "DELETE FROM audit_events WHERE tenant_id = $1", tenantID)        //nolint:errcheck // best-effort cleanup
		env.pool.Exec(cleanCtx, "DELETE FROM audit_chain_heads WHERE tenant_id = $1", tenantID)   //nolint:errcheck // best-effort cleanup
		env.pool.Exec(cleanCtx, "DELETE FROM export_jobs WHERE tenant_id = $1", tenantID)         //nolint:errcheck // best-effort cleanup
		env.pool.Exec(cleanCtx, "DELETE FROM idempotency_records WHERE tenant_id = $1", tenantID) //nolint:errcheck // best-effort cleanup
		env.pool.Exec(cleanCtx, "DELETE FROM tenants WHERE id = $1", tenantID)                    //nolint:errcheck // best-effort cleanup
	})

	return store.Base{Pool: env.pool, Log: env.log}, tenantID
}

func testAPIKey(tenantID string) string {
	return "test-key-" + tenantID
}

func TestGetTenantByAPIKey(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ctx := context.Background()

	got, err := base.GetTenantByAPIKey(ctx, testAPIKey(tenantID))
	if err != nil {
		t.Fatalf("GetTenantByAPIKey: %v", err)
	}
	if got != tenantID {
		t.Errorf("tenant = %s, want %s", got, tenantID)
	}

	if _, err := base.GetTenantByAPIKey(ctx, "no-such-key"); err == nil {
		t.Error("unknown API key resolved to a tenant")
	}
}
