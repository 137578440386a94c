package skicka

import (
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/modfin/henry/slicez"
)

// Priority decides selection order within the queue. Higher priorities are
// dispatched first, oldest first within a tier.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool {
	return slicez.Contains(priorities, p)
}

// Status is the lifecycle state of a queued email. A record only ever moves
// pending -> processing -> {sent, failed, pending (retry)}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Plan is the subscription tier a tenant is on. Limits and batch sizes are
// derived from it, see internal/quota.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// Email is a submission. One queue record is created per recipient, all
// sharing a batch id.
type Email struct {
	TenantId     string     `json:"tenant_id"`
	To           []string   `json:"to"`
	Subject      string     `json:"subject"`
	HTML         string     `json:"html,omitempty"`
	Text         string     `json:"text,omitempty"`
	FromName     string     `json:"from_name,omitempty"`
	Priority     Priority   `json:"priority,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

func (e *Email) Valid() error {
	return errors.Join(
		validateTenant(e),
		validateRecipients(e),
		validateSubject(e),
		validateContent(e),
		validatePriority(e),
	)
}

func validateTenant(e *Email) error {
	if len(e.TenantId) == 0 {
		return errors.New("a tenant id must be provided")
	}
	return nil
}

func validateRecipients(e *Email) error {
	if len(e.To) == 0 {
		return errors.New("at least one recipient must be provided")
	}
	for _, a := range e.To {
		_, err := mail.ParseAddress(a)
		if err != nil {
			return fmt.Errorf("email %s, is not a valid email address", a)
		}
	}
	return nil
}

func validateSubject(e *Email) error {
	if len(e.Subject) == 0 {
		return errors.New("a subject must be provided")
	}
	return nil
}

func validateContent(e *Email) error {
	if len(e.Text) == 0 && len(e.HTML) == 0 {
		return errors.New("content of the email must be provided")
	}
	return nil
}

func validatePriority(e *Email) error {
	if e.Priority == "" {
		return nil
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("priority %s is not one of high, normal or low", e.Priority)
	}
	return nil
}

// Receipt is returned on a successful submission.
type Receipt struct {
	BatchId string   `json:"batch_id"`
	Ids     []string `json:"ids"`
}

// WorkerStatus mirrors the worker control surface. Running means the periodic
// timer is on; CycleInFlight means a dispatch cycle is executing right now.
type WorkerStatus struct {
	Running       bool `json:"running"`
	CycleInFlight bool `json:"cycle_in_flight"`
}
