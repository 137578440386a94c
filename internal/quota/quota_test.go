package quota

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Manager, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "skicka.sqlite"))
	require.NoError(t, err)
	lc := tools.LoggerCloner(tools.NewLogger("error"))
	return New(db, lc), db
}

func seedTenant(t *testing.T, db dao.DAO, tenant dao.Tenant) {
	t.Helper()
	require.NoError(t, db.UpsertTenant(tenant))
}

func TestForPlan(t *testing.T) {
	assert.Equal(t, Limits{Daily: 100, Monthly: 3000, BatchSize: 10}, ForPlan("free"))
	assert.Equal(t, Limits{Daily: 167, Monthly: 5000, BatchSize: 15}, ForPlan("starter"))
	assert.Equal(t, Limits{Daily: 600, Monthly: 18000, BatchSize: 20}, ForPlan("pro"))
	assert.Equal(t, Limits{Daily: 1334, Monthly: 40000, BatchSize: 25}, ForPlan("premium"))

	// anything unknown falls back to free
	assert.Equal(t, ForPlan("free"), ForPlan("enterprise"))
	assert.Equal(t, ForPlan("free"), ForPlan(""))
}

func TestAdmit_SyncsLimitsWithPlan(t *testing.T) {
	m, db := setup(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// tenant upgraded to pro but still carries free limits
	seedTenant(t, db, dao.Tenant{
		Id: "t1", Plan: "pro", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		LastResetAt: now,
	})

	ok, err := m.Admit("t1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	tenant, err := db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, 600, tenant.DailyLimit)
	assert.Equal(t, 18000, tenant.MonthlyLimit)
}

func TestAdmit_DailyReset(t *testing.T) {
	m, db := setup(t)
	last := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)

	seedTenant(t, db, dao.Tenant{
		Id: "t1", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 100, MonthlyUsed: 500,
		LastResetAt: last,
	})

	ok, err := m.Admit("t1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	tenant, err := db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, tenant.DailyUsed)
	assert.Equal(t, 500, tenant.MonthlyUsed) // monthly untouched by the daily reset
}

func TestAdmit_MonthlyReset(t *testing.T) {
	m, db := setup(t)
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC) // 35 days later

	seedTenant(t, db, dao.Tenant{
		Id: "t1", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 40, MonthlyUsed: 3000,
		LastResetAt: last,
	})

	ok, err := m.Admit("t1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	tenant, err := db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, tenant.DailyUsed)
	assert.Equal(t, 0, tenant.MonthlyUsed)
	assert.True(t, tenant.LastResetAt.Equal(now))
}

func TestAdmit_ResetIdempotentWithinDay(t *testing.T) {
	m, db := setup(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	seedTenant(t, db, dao.Tenant{
		Id: "t1", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 7, MonthlyUsed: 7,
		LastResetAt: now,
	})

	for i := 0; i < 2; i++ {
		ok, err := m.Admit("t1", now.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	tenant, err := db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, 7, tenant.DailyUsed)
	assert.Equal(t, 7, tenant.MonthlyUsed)
}

func TestAdmit_Boundaries(t *testing.T) {
	m, db := setup(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seedTenant(t, db, dao.Tenant{
		Id: "daily-capped", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 100, MonthlyUsed: 100,
		LastResetAt: now,
	})
	ok, err := m.Admit("daily-capped", now)
	require.NoError(t, err)
	assert.False(t, ok)

	seedTenant(t, db, dao.Tenant{
		Id: "monthly-capped", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 10, MonthlyUsed: 3000,
		LastResetAt: now,
	})
	ok, err = m.Admit("monthly-capped", now)
	require.NoError(t, err)
	assert.False(t, ok)

	seedTenant(t, db, dao.Tenant{
		Id: "one-left", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 99, MonthlyUsed: 99,
		LastResetAt: now,
	})
	ok, err = m.Admit("one-left", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsume(t *testing.T) {
	m, db := setup(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seedTenant(t, db, dao.Tenant{
		Id: "t1", Plan: "free", Status: "active",
		DailyLimit: 100, MonthlyLimit: 3000,
		DailyUsed: 99, MonthlyUsed: 99,
		LastResetAt: now,
	})

	require.NoError(t, m.Consume("t1"))

	tenant, err := db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, 100, tenant.DailyUsed)
	assert.Equal(t, 100, tenant.MonthlyUsed)

	// the tenant is now at its daily limit
	ok, err := m.Admit("t1", now)
	require.NoError(t, err)
	assert.False(t, ok)
}
