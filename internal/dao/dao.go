package dao

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrClaimLost means another worker claimed the email first. Expected under
// concurrent workers, callers should skip the record silently.
var ErrClaimLost = errors.New("email already claimed")

var ErrNotFound = errors.New("not found")

type DAO interface {
	AddEmails(emails []Email) error
	GetEmail(id string) (*Email, error)
	ListEmails(status, tenantId string, limit, offset int) ([]Email, error)
	GetDueEmails(count int, now time.Time) ([]Email, error)

	ClaimEmail(id string, now time.Time) error
	ReleaseEmail(id string) error
	MarkSent(id, messageId string, now time.Time) error
	MarkFailed(id, reason string, now time.Time) error
	ScheduleRetry(id, reason string, at time.Time) error
	ReclaimStuck(olderThan time.Time) (requeued, expired int64, err error)

	GetTenant(id string) (*Tenant, error)
	UpsertTenant(t Tenant) error
	SetTenantLimits(id string, daily, monthly int) error
	ResetDailyUsage(id string, now time.Time) error
	ResetAllUsage(id string, now time.Time) error
	IncrementUsage(id string) error

	AddEmailLogEntry(id, log string) error
	GetEmailLog(id string) ([]LogEntry, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) AddEmails(emails []Email) (err error) {
	q := `
	INSERT INTO emails (id, batch_id, tenant_id, to_addr, subject, html, text, from_name,
	                    status, priority, attempts, max_attempts, scheduled_for, created_at, updated_at)
	VALUES (:id, :batch_id, :tenant_id, :to_addr, :subject, :html, :text, :from_name,
	        :status, :priority, :attempts, :max_attempts, :scheduled_for, :created_at, :updated_at)
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	now := time.Now().In(time.UTC)
	for _, email := range emails {
		email.Status = StatusPending
		email.CreatedAt = now
		email.UpdatedAt = now
		if email.MaxAttempts == 0 {
			email.MaxAttempts = DefaultMaxAttempts
		}
		_, err = tx.NamedExec(q, email)
		if err != nil {
			return fmt.Errorf("failed to insert email %s, %w", email.Id, err)
		}
		err = s.addEmailLogEntryTx(tx, email.Id, "email has been enqueued")
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlite) GetEmail(id string) (*Email, error) {
	q := `SELECT * FROM emails WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var email Email
	err = db.Get(&email, q, id)
	return &email, err
}

func (s *sqlite) ListEmails(status, tenantId string, limit, offset int) (emails []Email, err error) {
	q := `
	SELECT *
	FROM emails
	WHERE (? = '' OR status = ?)
	  AND (? = '' OR tenant_id = ?)
	ORDER BY created_at DESC
	LIMIT ? OFFSET ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&emails, q, status, status, tenantId, tenantId, limit, offset)
	return emails, err
}

// GetDueEmails selects the page of work for one dispatch cycle. The predicate
// unifies first-time scheduling and retry gating; retried records are plain
// pending rows with a next_retry_at in the past.
func (s *sqlite) GetDueEmails(count int, now time.Time) (emails []Email, err error) {
	q := `
	SELECT *
	FROM emails
	WHERE status = 'pending'
	  AND (scheduled_for IS NULL OR scheduled_for <= ?)
	  AND (next_retry_at IS NULL OR next_retry_at <= ?)
	ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
	         created_at
	LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&emails, q, now, now, count)
	return emails, err
}

// ClaimEmail is the sole mechanism preventing double sends across workers.
// The conditional update only succeeds while the persisted status is still
// pending; losing the race returns ErrClaimLost.
func (s *sqlite) ClaimEmail(id string, now time.Time) (err error) {
	q := `
	UPDATE emails
	SET status = 'processing', attempts = attempts + 1, claimed_at = ?, updated_at = ?
	WHERE id = ?
	  AND status = 'pending'
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(q, now, now, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		err = ErrClaimLost
		return
	}
	err = s.addEmailLogEntryTx(tx, id, "claimed by dispatcher")
	return
}

// ReleaseEmail returns a claimed-but-capped email to the queue. No send was
// attempted, so the claim's attempt increment is handed back.
func (s *sqlite) ReleaseEmail(id string) error {
	q := `
	UPDATE emails
	SET status = 'pending', attempts = attempts - 1, claimed_at = NULL, updated_at = ?
	WHERE id = ?
	  AND status = 'processing'
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, time.Now().In(time.UTC), id)
	if err != nil {
		return err
	}
	return s.AddEmailLogEntry(id, "released back to queue, over tenant batch cap")
}

func (s *sqlite) MarkSent(id, messageId string, now time.Time) error {
	q := `
	UPDATE emails
	SET status = 'sent', message_id = ?, error = '', processed_at = ?, updated_at = ?
	WHERE id = ?
	  AND status = 'processing'
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, messageId, now, now, id)
	if err != nil {
		return err
	}
	return s.AddEmailLogEntry(id, fmt.Sprintf("sent, provider message id %s", messageId))
}

func (s *sqlite) MarkFailed(id, reason string, now time.Time) error {
	q := `
	UPDATE emails
	SET status = 'failed', error = ?, processed_at = ?, updated_at = ?
	WHERE id = ?
	  AND status = 'processing'
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, reason, now, now, id)
	if err != nil {
		return err
	}
	return s.AddEmailLogEntry(id, fmt.Sprintf("failed: %s", reason))
}

func (s *sqlite) ScheduleRetry(id, reason string, at time.Time) error {
	q := `
	UPDATE emails
	SET status = 'pending', error = ?, next_retry_at = ?, claimed_at = NULL, updated_at = ?
	WHERE id = ?
	  AND status = 'processing'
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, reason, at, time.Now().In(time.UTC), id)
	if err != nil {
		return err
	}
	return s.AddEmailLogEntry(id, fmt.Sprintf("scheduled for retry at %s: %s", at.Format(time.RFC3339), reason))
}

// ReclaimStuck frees processing records whose claimant never wrote back,
// typically a crashed worker. The attempt the dead claim consumed stays
// consumed, so a record whose claim was its final attempt has no budget left
// and is failed rather than requeued; requeueing it would let the next claim
// push attempts past max_attempts.
func (s *sqlite) ReclaimStuck(olderThan time.Time) (requeued, expired int64, err error) {
	now := time.Now().In(time.UTC)

	db, err := s.getDB()
	if err != nil {
		return 0, 0, err
	}

	q := `
	UPDATE emails
	SET status = 'failed', error = 'claim expired', processed_at = ?, claimed_at = NULL, updated_at = ?
	WHERE status = 'processing'
	  AND claimed_at IS NOT NULL
	  AND claimed_at < ?
	  AND attempts >= max_attempts
	`
	res, err := db.Exec(q, now, now, olderThan)
	if err != nil {
		return 0, 0, err
	}
	expired, err = res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	q = `
	UPDATE emails
	SET status = 'pending', claimed_at = NULL, updated_at = ?
	WHERE status = 'processing'
	  AND claimed_at IS NOT NULL
	  AND claimed_at < ?
	`
	res, err = db.Exec(q, now, olderThan)
	if err != nil {
		return requeued, expired, err
	}
	requeued, err = res.RowsAffected()
	return requeued, expired, err
}

func (s *sqlite) GetTenant(id string) (*Tenant, error) {
	q := `SELECT * FROM tenants WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var tenant Tenant
	err = db.Get(&tenant, q, id)
	return &tenant, err
}

func (s *sqlite) UpsertTenant(t Tenant) error {
	q := `
	INSERT INTO tenants (id, plan, status, daily_limit, monthly_limit, daily_used, monthly_used, last_reset_at, created_at, updated_at)
	VALUES (:id, :plan, :status, :daily_limit, :monthly_limit, :daily_used, :monthly_used, :last_reset_at, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
	    plan = excluded.plan,
	    status = excluded.status,
	    daily_limit = excluded.daily_limit,
	    monthly_limit = excluded.monthly_limit,
	    daily_used = excluded.daily_used,
	    monthly_used = excluded.monthly_used,
	    last_reset_at = excluded.last_reset_at,
	    updated_at = excluded.updated_at
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	now := time.Now().In(time.UTC)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastResetAt.IsZero() {
		t.LastResetAt = now
	}
	t.UpdatedAt = now
	_, err = db.NamedExec(q, t)
	return err
}

func (s *sqlite) SetTenantLimits(id string, daily, monthly int) error {
	q := `UPDATE tenants SET daily_limit = ?, monthly_limit = ?, updated_at = ? WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, daily, monthly, time.Now().In(time.UTC), id)
	return err
}

func (s *sqlite) ResetDailyUsage(id string, now time.Time) error {
	q := `UPDATE tenants SET daily_used = 0, last_reset_at = ?, updated_at = ? WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, now, now, id)
	return err
}

func (s *sqlite) ResetAllUsage(id string, now time.Time) error {
	q := `UPDATE tenants SET daily_used = 0, monthly_used = 0, last_reset_at = ?, updated_at = ? WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, now, now, id)
	return err
}

// IncrementUsage bumps both counters in one statement so concurrent workers
// never lose an increment to a read-modify-write race.
func (s *sqlite) IncrementUsage(id string) error {
	q := `UPDATE tenants SET daily_used = daily_used + 1, monthly_used = monthly_used + 1, updated_at = ? WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, time.Now().In(time.UTC), id)
	return err
}

func (s *sqlite) AddEmailLogEntry(id, log string) error {
	tx, err := s.getTX()
	if err != nil {
		return err
	}
	err = s.addEmailLogEntryTx(tx, id, log)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlite) addEmailLogEntryTx(tx *sqlx.Tx, id, log string) error {
	q := `INSERT INTO email_log (email_id, created_at, log) VALUES (?, ?, ?)`
	_, err := tx.Exec(q, id, time.Now().In(time.UTC), log)
	if err != nil {
		return fmt.Errorf("failed to insert log entry, %v", err)
	}
	return err
}

func (s *sqlite) GetEmailLog(id string) (entries []LogEntry, err error) {
	q := `SELECT * FROM email_log WHERE email_id = ? ORDER BY created_at`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&entries, q, id)
	return entries, err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS emails (
	    id TEXT PRIMARY KEY,
	    batch_id TEXT NOT NULL,
	    tenant_id TEXT NOT NULL,

	    to_addr   TEXT NOT NULL,
	    subject   TEXT NOT NULL,
	    html      TEXT DEFAULT '',
	    text      TEXT DEFAULT '',
	    from_name TEXT DEFAULT '',

	    status   TEXT NOT NULL DEFAULT 'pending', -- pending, processing, sent, failed
	    priority TEXT NOT NULL DEFAULT 'normal',  -- high, normal, low

	    attempts     INT NOT NULL DEFAULT 0,
	    max_attempts INT NOT NULL DEFAULT 3,

	    scheduled_for DATETIME,
	    next_retry_at DATETIME,

	    message_id TEXT DEFAULT '',
	    error      TEXT DEFAULT '',

	    claimed_at   DATETIME,
	    processed_at DATETIME,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_emails_due ON emails(created_at) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_emails_tenant ON emails(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_emails_batch ON emails(batch_id);

	CREATE TABLE IF NOT EXISTS tenants (
	    id     TEXT PRIMARY KEY,
	    plan   TEXT NOT NULL DEFAULT 'free',   -- free, starter, pro, premium
	    status TEXT NOT NULL DEFAULT 'active',

	    daily_limit   INT NOT NULL DEFAULT 0,
	    monthly_limit INT NOT NULL DEFAULT 0,
	    daily_used    INT NOT NULL DEFAULT 0,
	    monthly_used  INT NOT NULL DEFAULT 0,

	    last_reset_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS email_log (
	    email_id TEXT NOT NULL,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    log TEXT NOT NULL,
	    PRIMARY KEY (email_id, created_at, log)
	);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
