package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Sentinel errors surfaced by the repository.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state for requested transition")
)

// Repository handles database operations for the email queue, the
// delivery log, the blacklist and the send-quota counters.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new queue repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const emailColumns = `
	id, tenant_id, template_type, to_email, to_name, cc_emails, bcc_emails,
	subject, html_content, text_content, template_variables,
	from_email, from_name, reply_to,
	status, priority, scheduled_for,
	attempts, max_attempts, last_attempt_at, claimed_at,
	processed_at, error_message, error_details, provider_message_id, provider_response,
	created_at, created_by, related_entity_type, related_entity_id`

func scanEmail(row pgx.Row) (*EmailMessage, error) {
	var m EmailMessage
	err := row.Scan(
		&m.ID, &m.TenantID, &m.TemplateType, &m.ToEmail, &m.ToName, &m.CcEmails, &m.BccEmails,
		&m.Subject, &m.HTMLContent, &m.TextContent, &m.Variables,
		&m.FromEmail, &m.FromName, &m.ReplyTo,
		&m.Status, &m.Priority, &m.ScheduledFor,
		&m.Attempts, &m.MaxAttempts, &m.LastAttemptAt, &m.ClaimedAt,
		&m.ProcessedAt, &m.ErrorMessage, &m.ErrorDetails, &m.ProviderMessageID, &m.ProviderResponse,
		&m.CreatedAt, &m.CreatedBy, &m.RelatedEntityType, &m.RelatedEntityID,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateEmail inserts a new queue row in pending state.
func (r *Repository) CreateEmail(ctx context.Context, m *EmailMessage) error {
	query := `
		INSERT INTO email_queue (
			id, tenant_id, template_type, to_email, to_name, cc_emails, bcc_emails,
			subject, html_content, text_content, template_variables,
			from_email, from_name, reply_to,
			status, priority, scheduled_for,
			attempts, max_attempts,
			created_by, related_entity_type, related_entity_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19,
			$20, $21, $22
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		m.ID, m.TenantID, m.TemplateType, m.ToEmail, m.ToName, m.CcEmails, m.BccEmails,
		m.Subject, m.HTMLContent, m.TextContent, m.Variables,
		m.FromEmail, m.FromName, m.ReplyTo,
		m.Status, m.Priority, m.ScheduledFor,
		m.Attempts, m.MaxAttempts,
		m.CreatedBy, m.RelatedEntityType, m.RelatedEntityID,
	).Scan(&m.CreatedAt)

	if err != nil {
		r.logger.Error("failed to enqueue email",
			zap.Error(err),
			zap.String("email_id", m.ID.String()),
		)
		return fmt.Errorf("insert email: %w", err)
	}

	r.logger.Info("email enqueued",
		zap.String("email_id", m.ID.String()),
		zap.String("tenant_id", m.TenantID.String()),
		zap.String("template_type", m.TemplateType),
		zap.String("priority", m.Priority),
	)

	return nil
}

// GetEmail retrieves a queue row by ID.
func (r *Repository) GetEmail(ctx context.Context, id uuid.UUID) (*EmailMessage, error) {
	query := `SELECT ` + emailColumns + ` FROM email_queue WHERE id = $1`

	m, err := scanEmail(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email: %w", err)
	}
	return m, nil
}

// ListEmailsByTenant retrieves queue rows for a tenant with pagination,
// newest first.
func (r *Repository) ListEmailsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*EmailMessage, error) {
	query := `
		SELECT ` + emailColumns + `
		FROM email_queue
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query emails: %w", err)
	}
	defer rows.Close()

	var emails []*EmailMessage
	for rows.Next() {
		m, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		emails = append(emails, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return emails, nil
}

// ClaimBatch atomically selects up to limit dispatchable rows and marks
// them queued in the same statement, so overlapping dispatch cycles can
// never claim the same row twice. FOR UPDATE SKIP LOCKED makes concurrent
// claims pass over rows another transaction is locking; the claimed_at
// lease recovers rows orphaned by a crashed run. Returned rows are
// re-sorted in Go because RETURNING does not preserve the subselect order.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]*EmailMessage, error) {
	query := `
		UPDATE email_queue
		SET status = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE (status = $3 OR (status = $1 AND claimed_at < $4))
			AND (scheduled_for IS NULL OR scheduled_for <= $2)
			AND attempts < max_attempts
			ORDER BY
				CASE priority
					WHEN 'critical' THEN 0
					WHEN 'high' THEN 1
					WHEN 'normal' THEN 2
					ELSE 3
				END,
				created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + emailColumns

	rows, err := r.db.Pool().Query(ctx, query,
		StatusQueued, now, StatusPending, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []*EmailMessage
	for rows.Next() {
		m, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed email: %w", err)
		}
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		ri, rj := PriorityRank(claimed[i].Priority), PriorityRank(claimed[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	return claimed, nil
}

// MarkSending records the start of a delivery attempt: status sending,
// attempts incremented, last_attempt_at stamped.
func (r *Repository) MarkSending(ctx context.Context, id uuid.UUID, now time.Time) (int, error) {
	query := `
		UPDATE email_queue
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2
		WHERE id = $3 AND status = $4
		RETURNING attempts
	`

	var attempts int
	err := r.db.Pool().QueryRow(ctx, query, StatusSending, now, id, StatusQueued).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("email %s not in claimable state: %w", id, ErrInvalidState)
	}
	if err != nil {
		return 0, fmt.Errorf("mark sending: %w", err)
	}
	return attempts, nil
}

// MarkSent records a successful delivery.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, providerResponse []byte, now time.Time) error {
	query := `
		UPDATE email_queue
		SET status = $1, processed_at = $2, provider_message_id = $3,
		    provider_response = $4, error_message = NULL, error_details = NULL
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusSent, now, providerMessageID, providerResponse, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRetryable puts a row back to pending after a transient failure so a
// later dispatch cycle picks it up again.
func (r *Repository) MarkRetryable(ctx context.Context, id uuid.UUID, errMsg string, errDetails []byte) error {
	return r.setFailureState(ctx, id, StatusPending, errMsg, errDetails, nil)
}

// MarkFailed sets a row to the terminal failed status.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, errDetails []byte, now time.Time) error {
	return r.setFailureState(ctx, id, StatusFailed, errMsg, errDetails, &now)
}

func (r *Repository) setFailureState(ctx context.Context, id uuid.UUID, status, errMsg string, errDetails []byte, processedAt *time.Time) error {
	query := `
		UPDATE email_queue
		SET status = $1, error_message = $2, error_details = $3, processed_at = $4
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, errMsg, errDetails, processedAt, id)
	if err != nil {
		return fmt.Errorf("update email failure state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}

// CancelEmail transitions a pending row to cancelled. Rows that have been
// claimed may already be in flight, so the transition is rejected with
// ErrInvalidState; unknown ids return ErrNotFound.
func (r *Repository) CancelEmail(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE email_queue SET status = $1 WHERE id = $2 AND status = $3`

	result, err := r.db.Pool().Exec(ctx, query, StatusCancelled, id, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel email: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetEmail(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("email %s already dispatched: %w", id, ErrInvalidState)
	}

	r.logger.Info("email cancelled", zap.String("email_id", id.String()))
	return nil
}

// MarkDeliveryEvent promotes a queue row to delivered or bounced from a
// provider webhook event, matched by provider message id.
func (r *Repository) MarkDeliveryEvent(ctx context.Context, providerMessageID, status, errMsg string, errDetails []byte) error {
	query := `
		UPDATE email_queue
		SET status = $1,
		    error_message = COALESCE(NULLIF($2, ''), error_message),
		    error_details = COALESCE($3, error_details)
		WHERE provider_message_id = $4 AND status IN ($5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query, status, errMsg, errDetails, providerMessageID, StatusSent, StatusDelivered)
	if err != nil {
		return fmt.Errorf("mark delivery event: %w", err)
	}
	return nil
}

// Sweep deletes terminal-success rows older than the retention window.
// Failed rows are retained for operator inspection and never swept.
func (r *Repository) Sweep(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	query := `
		DELETE FROM email_queue
		WHERE status IN ($1, $2, $3) AND created_at < $4
	`

	result, err := r.db.Pool().Exec(ctx, query,
		StatusSent, StatusDelivered, StatusCancelled, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sweep email queue: %w", err)
	}

	deleted := result.RowsAffected()
	if deleted > 0 {
		r.logger.Info("swept old queue rows", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// InsertLog appends a delivery log entry.
func (r *Repository) InsertLog(ctx context.Context, entry *EmailLog) error {
	query := `
		INSERT INTO email_logs (
			id, tenant_id, queue_id, template_type, to_email, subject, status,
			provider_message_id, provider_response, sent_at,
			error_message, error_details, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID, entry.TenantID, entry.QueueID, entry.TemplateType, entry.ToEmail,
		entry.Subject, entry.Status, entry.ProviderMessageID, entry.ProviderResponse,
		entry.SentAt, entry.ErrorMessage, entry.ErrorDetails, entry.CreatedBy,
	).Scan(&entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

// ListLogsByTenant retrieves delivery log entries for a tenant, newest
// first, optionally filtered by status and template type.
func (r *Repository) ListLogsByTenant(ctx context.Context, tenantID uuid.UUID, status, templateType string, limit, offset int) ([]*EmailLog, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, tenant_id, queue_id, template_type, to_email, subject, status,
		       provider_message_id, provider_response,
		       sent_at, delivered_at, opened_at, clicked_at, bounced_at,
		       error_message, error_details, created_at, created_by
		FROM email_logs
		WHERE tenant_id = $1`)

	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		fmt.Fprintf(&sb, " AND status = $%d", len(args))
	}
	if templateType != "" {
		args = append(args, templateType)
		fmt.Fprintf(&sb, " AND template_type = $%d", len(args))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query email logs: %w", err)
	}
	defer rows.Close()

	var entries []*EmailLog
	for rows.Next() {
		var e EmailLog
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.QueueID, &e.TemplateType, &e.ToEmail, &e.Subject, &e.Status,
			&e.ProviderMessageID, &e.ProviderResponse,
			&e.SentAt, &e.DeliveredAt, &e.OpenedAt, &e.ClickedAt, &e.BouncedAt,
			&e.ErrorMessage, &e.ErrorDetails, &e.CreatedAt, &e.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scan email log: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// UpdateLogEvent applies a provider lifecycle event to the log entry with
// the given provider message id. Only the columns named in the event are
// touched, so earlier timestamps survive later events.
func (r *Repository) UpdateLogEvent(ctx context.Context, providerMessageID string, event LogEvent) error {
	query := `
		UPDATE email_logs
		SET status = COALESCE(NULLIF($1, ''), status),
		    delivered_at = COALESCE($2, delivered_at),
		    opened_at = COALESCE($3, opened_at),
		    clicked_at = COALESCE($4, clicked_at),
		    bounced_at = COALESCE($5, bounced_at),
		    error_message = COALESCE(NULLIF($6, ''), error_message),
		    error_details = COALESCE($7, error_details),
		    provider_response = COALESCE($8, provider_response)
		WHERE provider_message_id = $9
	`

	result, err := r.db.Pool().Exec(ctx, query,
		event.Status, event.DeliveredAt, event.OpenedAt, event.ClickedAt, event.BouncedAt,
		event.ErrorMessage, event.ErrorDetails, event.ProviderResponse, providerMessageID)
	if err != nil {
		return fmt.Errorf("update email log event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("log for provider message %s: %w", providerMessageID, ErrNotFound)
	}
	return nil
}

// LogEvent carries the columns a provider webhook event may set.
type LogEvent struct {
	Status           string
	DeliveredAt      *time.Time
	OpenedAt         *time.Time
	ClickedAt        *time.Time
	BouncedAt        *time.Time
	ErrorMessage     string
	ErrorDetails     []byte
	ProviderResponse []byte
}

// GetLogByProviderMessageID resolves the tenant and recipient behind a
// provider message id, used to blacklist hard-bounced addresses.
func (r *Repository) GetLogByProviderMessageID(ctx context.Context, providerMessageID string) (*EmailLog, error) {
	query := `
		SELECT id, tenant_id, queue_id, template_type, to_email, subject, status,
		       provider_message_id, provider_response,
		       sent_at, delivered_at, opened_at, clicked_at, bounced_at,
		       error_message, error_details, created_at, created_by
		FROM email_logs
		WHERE provider_message_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var e EmailLog
	err := r.db.Pool().QueryRow(ctx, query, providerMessageID).Scan(
		&e.ID, &e.TenantID, &e.QueueID, &e.TemplateType, &e.ToEmail, &e.Subject, &e.Status,
		&e.ProviderMessageID, &e.ProviderResponse,
		&e.SentAt, &e.DeliveredAt, &e.OpenedAt, &e.ClickedAt, &e.BouncedAt,
		&e.ErrorMessage, &e.ErrorDetails, &e.CreatedAt, &e.CreatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("log for provider message %s: %w", providerMessageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query email log: %w", err)
	}
	return &e, nil
}

// IsBlacklisted reports whether an active (non-expired) blacklist entry
// exists for tenant+email. The reason is returned for logging.
func (r *Repository) IsBlacklisted(ctx context.Context, tenantID uuid.UUID, email string) (bool, string, error) {
	query := `
		SELECT COALESCE(reason, '')
		FROM email_blacklist
		WHERE tenant_id = $1 AND lower(email) = lower($2)
		AND (expires_at IS NULL OR expires_at > NOW())
		LIMIT 1
	`

	var reason string
	err := r.db.Pool().QueryRow(ctx, query, tenantID, email).Scan(&reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("query blacklist: %w", err)
	}
	return true, reason, nil
}

// AddToBlacklist inserts a blacklist entry; an existing tenant+email pair
// is left untouched.
func (r *Repository) AddToBlacklist(ctx context.Context, tenantID uuid.UUID, email, reason string) error {
	query := `
		INSERT INTO email_blacklist (id, tenant_id, email, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, email) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query, uuid.New(), tenantID, strings.ToLower(email), reason)
	if err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}

	r.logger.Info("address blacklisted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("email", email),
		zap.String("reason", reason),
	)
	return nil
}

// ReserveSendQuota atomically reserves one send against a tenant's
// hourly/daily/monthly counters. The counter row is created lazily with
// the given default limits, locked for the duration of the transaction,
// rolled over if any window expired, then incremented or denied.
func (r *Repository) ReserveSendQuota(ctx context.Context, tenantID uuid.UUID, limits QuotaLimits, now time.Time) (QuotaDecision, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO email_rate_limits (
			tenant_id, hourly_limit, daily_limit, monthly_limit,
			hourly_reset_at, daily_reset_at, monthly_reset_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, limits.Hourly, limits.Daily, limits.Monthly,
		now.Add(time.Hour), now.Add(24*time.Hour), now.AddDate(0, 1, 0))
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("ensure rate counter: %w", err)
	}

	var c RateCounter
	err = tx.QueryRow(ctx, `
		SELECT tenant_id, hourly_limit, daily_limit, monthly_limit,
		       hourly_count, daily_count, monthly_count,
		       hourly_reset_at, daily_reset_at, monthly_reset_at
		FROM email_rate_limits
		WHERE tenant_id = $1
		FOR UPDATE
	`, tenantID).Scan(
		&c.TenantID, &c.HourlyLimit, &c.DailyLimit, &c.MonthlyLimit,
		&c.HourlyCount, &c.DailyCount, &c.MonthlyCount,
		&c.HourlyResetAt, &c.DailyResetAt, &c.MonthlyResetAt,
	)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("lock rate counter: %w", err)
	}

	decision := rollQuota(&c, now)

	_, err = tx.Exec(ctx, `
		UPDATE email_rate_limits
		SET hourly_count = $1, daily_count = $2, monthly_count = $3,
		    hourly_reset_at = $4, daily_reset_at = $5, monthly_reset_at = $6,
		    updated_at = NOW()
		WHERE tenant_id = $7
	`, c.HourlyCount, c.DailyCount, c.MonthlyCount,
		c.HourlyResetAt, c.DailyResetAt, c.MonthlyResetAt, tenantID)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("update rate counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return QuotaDecision{}, fmt.Errorf("commit transaction: %w", err)
	}

	return decision, nil
}

// QuotaLimits holds the default send ceilings applied when a tenant's
// counter row is first created.
type QuotaLimits struct {
	Hourly  int
	Daily   int
	Monthly int
}
