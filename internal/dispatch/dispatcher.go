// Package dispatch drains the email queue: it claims a batch of eligible
// rows, checks tenant policy, hands each message to the provider and
// records the outcome. A dispatch cycle is triggered externally (cron
// endpoint or scheduler); the package holds no background goroutines of
// its own.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/circuitbreaker"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/guard"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/sender"
)

// Store is the repository surface the dispatcher depends on.
type Store interface {
	ClaimBatch(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]*db.EmailMessage, error)
	MarkSending(ctx context.Context, id uuid.UUID, now time.Time) (int, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, providerResponse []byte, now time.Time) error
	MarkRetryable(ctx context.Context, id uuid.UUID, errMsg string, errDetails []byte) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, errDetails []byte, now time.Time) error
	InsertLog(ctx context.Context, entry *db.EmailLog) error
	Sweep(ctx context.Context, retention time.Duration, now time.Time) (int64, error)
}

// Policy decides whether a message may be sent at all.
type Policy interface {
	CheckAndReserve(ctx context.Context, msg *db.EmailMessage, now time.Time) (guard.Decision, error)
}

// Config controls one dispatcher instance.
type Config struct {
	// BatchSize is the maximum rows claimed per cycle.
	BatchSize int
	// Lease is how long a claim holds a row before a later cycle may
	// reclaim it (protects against crashed runs).
	Lease time.Duration
	// Concurrency bounds how many sends run in parallel within a cycle.
	Concurrency int
	// SendTimeout bounds each provider call, whatever the sender
	// implementation. Default 30s.
	SendTimeout time.Duration
	// Retention is the age past which terminal-success rows are swept.
	// Zero disables sweeping.
	Retention time.Duration
}

// EmailResult records the outcome of one message within a cycle.
type EmailResult struct {
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	// Denied marks rows failed by tenant policy (blacklist or quota)
	// rather than by the provider.
	Denied bool `json:"denied,omitempty"`
}

// Summary reports what one dispatch cycle did.
type Summary struct {
	Processed int           `json:"processed"`
	Sent      int           `json:"sent"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Denied    int           `json:"denied"`
	Swept     int64         `json:"swept"`
	Results   []EmailResult `json:"results"`
}

// Dispatcher runs delivery cycles against the queue.
type Dispatcher struct {
	store   Store
	policy  Policy
	sender  sender.Sender
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	now func() time.Time
}

// New creates a Dispatcher.
func New(store Store, policy Policy, snd sender.Sender, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	return &Dispatcher{
		store:   store,
		policy:  policy,
		sender:  snd,
		config:  cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes one dispatch cycle: claim, send, record, sweep.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	start := d.now()
	d.metrics.DispatchRuns.Inc()

	batch, err := d.store.ClaimBatch(ctx, d.config.BatchSize, d.config.Lease, start)
	if err != nil {
		return nil, err
	}
	d.metrics.BatchSize.Observe(float64(len(batch)))

	summary := &Summary{
		Processed: len(batch),
		Results:   make([]EmailResult, len(batch)),
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.config.Concurrency)
	)

	for i, msg := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, msg *db.EmailMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			res := d.process(ctx, msg)

			mu.Lock()
			summary.Results[i] = res
			switch res.Status {
			case db.StatusSent:
				summary.Sent++
			case db.StatusPending:
				summary.Retried++
			case db.StatusFailed:
				if res.Denied {
					summary.Denied++
				} else {
					summary.Failed++
				}
			}
			mu.Unlock()
		}(i, msg)
	}
	wg.Wait()

	if d.config.Retention > 0 {
		swept, err := d.store.Sweep(ctx, d.config.Retention, d.now())
		if err != nil {
			d.logger.Error("retention sweep failed", zap.Error(err))
		} else {
			summary.Swept = swept
			d.metrics.EmailsSwept.Add(float64(swept))
		}
	}

	d.metrics.DispatchDuration.Observe(d.now().Sub(start).Seconds())
	if ps, ok := d.sender.(*circuitbreaker.ProtectedSender); ok {
		d.metrics.CircuitBreakerState.Set(float64(ps.Breaker().GetState()))
	}

	d.logger.Info("dispatch cycle complete",
		zap.Int("processed", summary.Processed),
		zap.Int("sent", summary.Sent),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed),
		zap.Int("denied", summary.Denied),
		zap.Int64("swept", summary.Swept),
		zap.Duration("duration", d.now().Sub(start)),
	)

	return summary, nil
}

// process handles one claimed message end to end.
func (d *Dispatcher) process(ctx context.Context, msg *db.EmailMessage) EmailResult {
	now := d.now()
	log := d.logger.With(
		zap.String("email_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("template_type", msg.TemplateType),
	)

	// Policy first. A denied send fails the row without touching its
	// attempt counter, since no delivery was ever tried.
	decision, err := d.policy.CheckAndReserve(ctx, msg, now)
	if err != nil {
		// Policy infrastructure failure, not a verdict. Leave the row
		// claimed; the lease expiry returns it to the pool.
		log.Error("policy check failed", zap.Error(err))
		return EmailResult{ID: msg.ID, Status: db.StatusQueued, Error: err.Error()}
	}
	if !decision.Allowed {
		d.metrics.EmailsDenied.WithLabelValues(decision.Reason).Inc()
		if err := d.store.MarkFailed(ctx, msg.ID, decision.Reason, nil, now); err != nil {
			log.Error("mark failed after denial", zap.Error(err))
		}
		d.writeLog(ctx, msg, db.StatusFailed, nil, nil, decision.Reason, nil)
		log.Info("send denied by policy", zap.String("reason", decision.Reason))
		return EmailResult{ID: msg.ID, Status: db.StatusFailed, Error: decision.Reason, Denied: true}
	}

	attempts, err := d.store.MarkSending(ctx, msg.ID, now)
	if err != nil {
		// Row left the queued state under us (cancelled, or claimed by
		// an overlapping run before the lease landed). Skip it.
		log.Warn("row no longer claimable", zap.Error(err))
		return EmailResult{ID: msg.ID, Status: msg.Status, Error: err.Error()}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	sendStart := d.now()
	result, sendErr := d.sender.Send(sendCtx, msg)
	cancel()
	d.metrics.SendDuration.WithLabelValues(d.sender.Name()).Observe(d.now().Sub(sendStart).Seconds())

	if sendErr == nil {
		sentAt := d.now()
		if err := d.store.MarkSent(ctx, msg.ID, result.ProviderMessageID, result.RawResponse, sentAt); err != nil {
			log.Error("mark sent", zap.Error(err))
			return EmailResult{ID: msg.ID, Status: db.StatusSending, Error: err.Error()}
		}
		d.writeLog(ctx, msg, db.StatusSent, &result.ProviderMessageID, result.RawResponse, "", &sentAt)
		d.metrics.EmailsSent.WithLabelValues(d.sender.Name(), msg.TemplateType).Inc()
		log.Info("email sent",
			zap.String("provider_message_id", result.ProviderMessageID),
			zap.Int("attempts", attempts),
		)
		return EmailResult{ID: msg.ID, Success: true, Status: db.StatusSent}
	}

	kind := sender.Classify(sendErr)
	details := sender.Details(sendErr)

	// Permanent errors will fail identically on every retry, so the row
	// goes terminal immediately regardless of remaining attempts.
	if kind == sender.KindPermanent || attempts >= msg.MaxAttempts {
		failedAt := d.now()
		if err := d.store.MarkFailed(ctx, msg.ID, sendErr.Error(), details, failedAt); err != nil {
			log.Error("mark failed", zap.Error(err))
		}
		d.writeLog(ctx, msg, db.StatusFailed, nil, nil, sendErr.Error(), nil)
		d.metrics.EmailsFailed.WithLabelValues(kind.String()).Inc()
		log.Warn("email failed",
			zap.String("kind", kind.String()),
			zap.Int("attempts", attempts),
			zap.Error(sendErr),
		)
		return EmailResult{ID: msg.ID, Status: db.StatusFailed, Error: sendErr.Error()}
	}

	if err := d.store.MarkRetryable(ctx, msg.ID, sendErr.Error(), details); err != nil {
		log.Error("mark retryable", zap.Error(err))
	}
	d.metrics.EmailsRetried.Inc()
	log.Info("email send failed, will retry",
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", msg.MaxAttempts),
		zap.Error(sendErr),
	)
	return EmailResult{ID: msg.ID, Status: db.StatusPending, Error: sendErr.Error()}
}

// writeLog appends a delivery log row; log failures are reported but do
// not change the message outcome.
func (d *Dispatcher) writeLog(ctx context.Context, msg *db.EmailMessage, status string, providerMessageID *string, providerResponse []byte, errMsg string, sentAt *time.Time) {
	entry := &db.EmailLog{
		ID:                uuid.New(),
		TenantID:          msg.TenantID,
		QueueID:           &msg.ID,
		TemplateType:      msg.TemplateType,
		ToEmail:           msg.ToEmail,
		Subject:           msg.Subject,
		Status:            status,
		ProviderMessageID: providerMessageID,
		ProviderResponse:  providerResponse,
		SentAt:            sentAt,
		CreatedAt:         d.now(),
		CreatedBy:         msg.CreatedBy,
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}

	if err := d.store.InsertLog(ctx, entry); err != nil {
		d.logger.Error("insert delivery log",
			zap.String("email_id", msg.ID.String()),
			zap.Error(err),
		)
	}
}
