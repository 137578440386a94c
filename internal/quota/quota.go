package quota

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/tools"
)

// monthlyWindow is a rolling window from the last reset, not a calendar
// month. Changing this to calendar months would change observable reset
// timing for every tenant.
const monthlyWindow = 30 * 24 * time.Hour

// Manager keeps tenant limit fields in sync with their current plan, applies
// lazy counter resets and answers admission questions for the dispatcher.
type Manager struct {
	db  dao.DAO
	log *logrus.Logger
}

func New(db dao.DAO, lc *tools.Logger) *Manager {
	return &Manager{
		db:  db,
		log: lc.New("quota"),
	}
}

// BatchSize is the fairness cap for one tenant within one dispatch cycle.
func (m *Manager) BatchSize(plan string) int {
	return ForPlan(plan).BatchSize
}

// Admit reports whether the tenant may send one more email right now. It
// loads fresh tenant state, synchronizes limits with the current plan and
// applies any due reset before deciding, so a plan change takes effect on the
// very next cycle.
func (m *Manager) Admit(tenantId string, now time.Time) (bool, error) {
	t, err := m.db.GetTenant(tenantId)
	if err != nil {
		return false, fmt.Errorf("could not load tenant %s, %w", tenantId, err)
	}

	err = m.syncLimits(t)
	if err != nil {
		return false, err
	}

	err = m.maybeReset(t, now)
	if err != nil {
		return false, err
	}

	return t.DailyUsed < t.DailyLimit && t.MonthlyUsed < t.MonthlyLimit, nil
}

// Consume charges one email to both counters. Called only after a confirmed
// transport success, or for a terminal failure that exhausted its attempts
// and so consumed transport capacity anyway.
func (m *Manager) Consume(tenantId string) error {
	err := m.db.IncrementUsage(tenantId)
	if err != nil {
		return fmt.Errorf("could not increment usage for tenant %s, %w", tenantId, err)
	}
	return nil
}

func (m *Manager) syncLimits(t *dao.Tenant) error {
	limits := ForPlan(t.Plan)
	if t.DailyLimit == limits.Daily && t.MonthlyLimit == limits.Monthly {
		return nil
	}
	m.log.WithField("tenant", t.Id).Infof("limits out of sync with plan %s, updating to %d/%d", t.Plan, limits.Daily, limits.Monthly)
	err := m.db.SetTenantLimits(t.Id, limits.Daily, limits.Monthly)
	if err != nil {
		return fmt.Errorf("could not sync limits for tenant %s, %w", t.Id, err)
	}
	t.DailyLimit = limits.Daily
	t.MonthlyLimit = limits.Monthly
	return nil
}

// maybeReset applies the lazy reset policy. The monthly reset, a rolling 30
// day window, supersedes the daily check for that evaluation.
func (m *Manager) maybeReset(t *dao.Tenant, now time.Time) error {

	if now.Sub(t.LastResetAt) >= monthlyWindow {
		m.log.WithField("tenant", t.Id).Info("monthly window elapsed, resetting usage counters")
		err := m.db.ResetAllUsage(t.Id, now)
		if err != nil {
			return fmt.Errorf("could not reset monthly usage for tenant %s, %w", t.Id, err)
		}
		t.DailyUsed = 0
		t.MonthlyUsed = 0
		t.LastResetAt = now
		return nil
	}

	if laterCalendarDay(t.LastResetAt, now) {
		m.log.WithField("tenant", t.Id).Info("new calendar day, resetting daily usage counter")
		err := m.db.ResetDailyUsage(t.Id, now)
		if err != nil {
			return fmt.Errorf("could not reset daily usage for tenant %s, %w", t.Id, err)
		}
		t.DailyUsed = 0
		t.LastResetAt = now
	}

	return nil
}

func laterCalendarDay(last, now time.Time) bool {
	ly, lm, ld := last.In(time.UTC).Date()
	ny, nm, nd := now.In(time.UTC).Date()
	if ny != ly {
		return ny > ly
	}
	if nm != lm {
		return nm > lm
	}
	return nd > ld
}
