package dao

import "time"

const StatusPending = "pending"
const StatusProcessing = "processing"
const StatusSent = "sent"
const StatusFailed = "failed"

const DefaultMaxAttempts = 3

// Email is one queued outbound email, one recipient per record. Records are
// never deleted; terminal ones remain for audit and status queries.
type Email struct {
	Id       string `db:"id" json:"id"`
	BatchId  string `db:"batch_id" json:"batch_id"`
	TenantId string `db:"tenant_id" json:"tenant_id"`

	To       string `db:"to_addr" json:"to"`
	Subject  string `db:"subject" json:"subject"`
	HTML     string `db:"html" json:"html,omitempty"`
	Text     string `db:"text" json:"text,omitempty"`
	FromName string `db:"from_name" json:"from_name,omitempty"`

	Status      string `db:"status" json:"status"`
	Priority    string `db:"priority" json:"priority"`
	Attempts    int    `db:"attempts" json:"attempts"`
	MaxAttempts int    `db:"max_attempts" json:"max_attempts"`

	ScheduledFor *time.Time `db:"scheduled_for" json:"scheduled_for,omitempty"`
	NextRetryAt  *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`

	MessageId string `db:"message_id" json:"message_id,omitempty"`
	Error     string `db:"error" json:"error,omitempty"`

	ClaimedAt   *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Tenant carries the subscription and quota state the dispatcher needs.
// Signup and billing live elsewhere; this subsystem only mutates the counter
// and limit fields.
type Tenant struct {
	Id     string `db:"id" json:"id"`
	Plan   string `db:"plan" json:"plan"`
	Status string `db:"status" json:"status"`

	DailyLimit   int `db:"daily_limit" json:"daily_limit"`
	MonthlyLimit int `db:"monthly_limit" json:"monthly_limit"`
	DailyUsed    int `db:"daily_used" json:"daily_used"`
	MonthlyUsed  int `db:"monthly_used" json:"monthly_used"`

	LastResetAt time.Time `db:"last_reset_at" json:"last_reset_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type LogEntry struct {
	EmailId   string    `db:"email_id" json:"email_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	Log       string    `db:"log" json:"log"`
}
