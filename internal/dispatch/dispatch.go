package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/internal/quota"
	"github.com/skickahq/skicka/internal/transport"
	"github.com/skickahq/skicka/tools"
)

const cycleKey = "dispatch-cycle"

// ErrBusy is returned when a cycle is requested while one is already running
// in this process. The caller is expected to just try again later; ticks that
// hit a running cycle are skipped entirely.
var ErrBusy = errors.New("a dispatch cycle is already in flight")

type Config struct {
	Interval     time.Duration `cli:"dispatch-interval"`
	PageSize     int           `cli:"dispatch-page-size"`
	ReclaimAfter time.Duration `cli:"dispatch-reclaim-after"`
	MaxWorkers   int           `cli:"dispatch-max-workers"`
	SendTimeout  time.Duration `cli:"dispatch-send-timeout"`
}

// Engine drives the full dispatch cycle: select due work, claim it through
// the conditional update, partition it fairly across tenants, hand records to
// the transport and write back terminal or retry state.
//
// The in-memory guard only prevents overlapping cycles within this process.
// Exclusion across worker processes sharing the queue comes solely from the
// atomic claim in the dao.
type Engine struct {
	cfg       Config
	db        dao.DAO
	quota     *quota.Manager
	transport transport.Transport
	log       *logrus.Logger

	guard *tools.KeyedMutex

	mu       sync.Mutex
	running  bool
	quit     chan struct{}
	inflight sync.WaitGroup

	stats stats
}

type stats struct {
	cycles     prometheus.Counter
	sent       prometheus.Counter
	failed     *prometheus.CounterVec
	retried    prometheus.Counter
	claimsLost prometheus.Counter
	released   prometheus.Counter
	reclaimed  prometheus.Counter
}

func New(cfg Config, db dao.DAO, q *quota.Manager, tr transport.Transport, lc *tools.Logger, prom promauto.Factory) *Engine {

	cfg.Interval = compare.Coalesce(cfg.Interval, 30*time.Second)
	cfg.PageSize = compare.Coalesce(cfg.PageSize, 100)
	cfg.ReclaimAfter = compare.Coalesce(cfg.ReclaimAfter, 15*time.Minute)
	cfg.MaxWorkers = compare.Coalesce(cfg.MaxWorkers, 10)
	cfg.SendTimeout = compare.Coalesce(cfg.SendTimeout, 30*time.Second)

	return &Engine{
		cfg:       cfg,
		db:        db,
		quota:     q,
		transport: tr,
		log:       lc.New("dispatch"),
		guard:     tools.NewKeyedMutex(),
		stats: stats{
			cycles: prom.NewCounter(prometheus.CounterOpts{
				Name: "skicka_dispatch_cycles_total",
				Help: "Number of dispatch cycles run",
			}),
			sent: prom.NewCounter(prometheus.CounterOpts{
				Name: "skicka_emails_sent_total",
				Help: "Number of emails delivered to the transport",
			}),
			failed: prom.NewCounterVec(prometheus.CounterOpts{
				Name: "skicka_emails_failed_total",
				Help: "Number of emails terminally failed, by reason",
			}, []string{"reason"}),
			retried: prom.NewCounter(prometheus.CounterOpts{
				Name: "skicka_emails_retried_total",
				Help: "Number of emails scheduled for a retry",
			}),
			claimsLost: prom.NewCounter(prometheus.CounterOpts{
				Name: "skicka_claims_lost_total",
				Help: "Number of claim attempts lost to another worker",
			}),
			released: prom.NewCounter(prometheus.CounterOpts{
				Name: "skicka_emails_released_total",
				Help: "Number of claimed emails released back, over tenant batch cap",
			}),
			reclaimed: prom.NewCounter(prometheus.CounterOpts{
				Name: "skicka_emails_reclaimed_total",
				Help: "Number of stuck processing emails reclaimed to pending",
			}),
		},
	}
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// CycleInFlight reports whether a cycle is executing right now, regardless of
// whether it came from the timer or a manual trigger.
func (e *Engine) CycleInFlight() bool {
	return e.guard.Locked(cycleKey)
}

// Start begins the periodic timer. Idempotent; a second Start while running
// is a no-op, and Start after Stop begins a new timer.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.quit = make(chan struct{})
	e.log.Infof("starting dispatcher, interval %s, page size %d", e.cfg.Interval, e.cfg.PageSize)
	go e.loop(e.quit)
}

// Stop halts the timer and waits for any in-flight cycle to complete rather
// than aborting sends mid-flight, which would leave records stuck in
// processing.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.quit)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("dispatcher has been shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop(quit chan struct{}) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			err := e.Cycle()
			if errors.Is(err, ErrBusy) {
				e.log.Debug("previous cycle still running, skipping tick")
				continue
			}
			if err != nil {
				e.log.WithError(err).Error("dispatch cycle failed")
			}
		}
	}
}

// Cycle runs one full selection/claim/dispatch/write-back pass. It is the
// manual trigger as well as the timer target, both subject to the same
// single-flight guard.
func (e *Engine) Cycle() error {
	if !e.guard.TryLock(cycleKey) {
		return ErrBusy
	}
	defer e.guard.Unlock(cycleKey)

	e.inflight.Add(1)
	defer e.inflight.Done()

	return e.cycle(time.Now().In(time.UTC))
}

func (e *Engine) cycle(now time.Time) error {
	e.stats.cycles.Inc()

	requeued, expired, err := e.db.ReclaimStuck(now.Add(-e.cfg.ReclaimAfter))
	if err != nil {
		e.log.WithError(err).Error("could not reclaim stuck emails")
	}
	if requeued > 0 {
		e.stats.reclaimed.Add(float64(requeued))
		e.log.Warnf("reclaimed %d emails stuck in processing for over %s", requeued, e.cfg.ReclaimAfter)
	}
	if expired > 0 {
		e.stats.failed.WithLabelValues("expired").Add(float64(expired))
		e.log.Warnf("failed %d stuck emails whose expired claim was their final attempt", expired)
	}

	due, err := e.db.GetDueEmails(e.cfg.PageSize, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	var claimed []dao.Email
	for _, email := range due {
		err = e.db.ClaimEmail(email.Id, now)
		if errors.Is(err, dao.ErrClaimLost) {
			e.stats.claimsLost.Inc()
			continue
		}
		if err != nil {
			e.log.WithError(err).WithField("id", email.Id).Error("could not claim email")
			continue
		}
		email.Status = dao.StatusProcessing
		email.Attempts++
		claimed = append(claimed, email)
	}
	if len(claimed) == 0 {
		return nil
	}

	e.log.Debugf("claimed %d of %d due emails", len(claimed), len(due))

	groups := slicez.GroupBy(claimed, func(email dao.Email) string { return email.TenantId })

	pool := pond.New(e.cfg.MaxWorkers, len(groups))
	for tenantId, emails := range groups {
		tenantId, emails := tenantId, emails
		pool.Submit(func() {
			e.dispatchTenant(tenantId, emails, now)
		})
	}
	pool.StopAndWait()
	return nil
}

// dispatchTenant advances at most the tenant's plan batch size worth of
// claimed records, releasing the overflow back to the queue. Records are
// processed in selection order.
func (e *Engine) dispatchTenant(tenantId string, emails []dao.Email, now time.Time) {
	log := e.log.WithField("tenant", tenantId)

	tenant, err := e.db.GetTenant(tenantId)
	if err != nil {
		log.WithError(err).Error("could not load tenant, failing its claimed emails")
		for _, email := range emails {
			e.fail(email, "unknown tenant", now)
		}
		return
	}

	batch := e.quota.BatchSize(tenant.Plan)
	if len(emails) > batch {
		for _, email := range emails[batch:] {
			err = e.db.ReleaseEmail(email.Id)
			if err != nil {
				log.WithError(err).WithField("id", email.Id).Error("could not release email over batch cap")
				continue
			}
			e.stats.released.Inc()
		}
		log.Debugf("capped slice at plan batch size %d, released %d emails", batch, len(emails)-batch)
		emails = emails[:batch]
	}

	for _, email := range emails {
		e.dispatchOne(email, now)
	}
}

func (e *Engine) dispatchOne(email dao.Email, now time.Time) {
	log := e.log.WithField("id", email.Id).WithField("tenant", email.TenantId)

	if !e.transport.Ready() {
		// Retrying cannot help until someone fixes the credentials, so do
		// not burn the retry budget.
		log.Error("transport is not ready, failing email")
		e.fail(email, "transport not configured", now)
		return
	}

	admitted, err := e.quota.Admit(email.TenantId, now)
	if err != nil {
		log.WithError(err).Error("admission check failed")
		e.retryOrFail(email, "admission check failed: "+err.Error(), false, now)
		return
	}
	if !admitted {
		// A policy rejection, not a transient fault. No retry, no charge.
		log.Info("tenant is over quota, failing email")
		e.fail(email, "rate limit exceeded", now)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()

	messageId, err := e.transport.Send(ctx, &transport.Message{
		To:       email.To,
		Subject:  email.Subject,
		HTML:     email.HTML,
		Text:     email.Text,
		FromName: email.FromName,
	})
	if err != nil {
		log.WithError(err).Warnf("transport send failed, attempt %d of %d", email.Attempts, email.MaxAttempts)
		e.retryOrFail(email, err.Error(), true, now)
		return
	}

	err = e.db.MarkSent(email.Id, messageId, now)
	if err != nil {
		log.WithError(err).Error("could not mark email as sent")
	}
	err = e.quota.Consume(email.TenantId)
	if err != nil {
		log.WithError(err).Error("could not charge quota for sent email")
	}
	e.stats.sent.Inc()
}

func (e *Engine) fail(email dao.Email, reason string, now time.Time) {
	err := e.db.MarkFailed(email.Id, reason, now)
	if err != nil {
		e.log.WithError(err).WithField("id", email.Id).Error("could not mark email as failed")
		return
	}
	e.stats.failed.WithLabelValues(failReason(reason)).Inc()
}

// retryOrFail applies the backoff policy. The claim already incremented
// attempts, so an email failing its final attempt is terminal here. Failed
// final attempts still consumed transport capacity and are charged to quota
// when chargeOnExhaust is set.
func (e *Engine) retryOrFail(email dao.Email, reason string, chargeOnExhaust bool, now time.Time) {
	if email.Attempts >= email.MaxAttempts {
		e.fail(email, reason, now)
		if chargeOnExhaust {
			err := e.quota.Consume(email.TenantId)
			if err != nil {
				e.log.WithError(err).WithField("id", email.Id).Error("could not charge quota for exhausted email")
			}
		}
		return
	}

	at := now.Add(RetryDelay(email.Attempts))
	err := e.db.ScheduleRetry(email.Id, reason, at)
	if err != nil {
		e.log.WithError(err).WithField("id", email.Id).Error("could not schedule retry")
		return
	}
	e.stats.retried.Inc()
}

// RetryDelay is the exponential backoff before the next attempt, 5 minutes
// doubled per attempt already made: 10m, 20m, 40m.
func RetryDelay(attempts int) time.Duration {
	return 5 * time.Minute * time.Duration(int64(1)<<attempts)
}

func failReason(reason string) string {
	switch reason {
	case "rate limit exceeded":
		return "quota"
	case "transport not configured":
		return "config"
	case "unknown tenant":
		return "tenant"
	default:
		return "transport"
	}
}
