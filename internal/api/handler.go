package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/dispatch"
	"github.com/courierhq/courier/internal/redis"
)

// EmailRepository defines the interface for email queue database operations
type EmailRepository interface {
	CreateEmail(ctx context.Context, m *db.EmailMessage) error
	GetEmail(ctx context.Context, id uuid.UUID) (*db.EmailMessage, error)
	ListEmailsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.EmailMessage, error)
	CancelEmail(ctx context.Context, id uuid.UUID) error
	ListLogsByTenant(ctx context.Context, tenantID uuid.UUID, status, templateType string, limit, offset int) ([]*db.EmailLog, error)
}

// DispatchRunner triggers one delivery cycle over the queue.
type DispatchRunner interface {
	Run(ctx context.Context) (*dispatch.Summary, error)
}

// EnqueueRequest represents the incoming enqueue request body
type EnqueueRequest struct {
	TenantID     string          `json:"tenant_id"`
	TemplateType string          `json:"template_type"`
	ToEmail      string          `json:"to_email"`
	ToName       *string         `json:"to_name,omitempty"`
	CcEmails     []string        `json:"cc_emails,omitempty"`
	BccEmails    []string        `json:"bcc_emails,omitempty"`
	Subject      string          `json:"subject"`
	HTMLContent  string          `json:"html_content"`
	TextContent  *string         `json:"text_content,omitempty"`
	Variables    json.RawMessage `json:"template_variables,omitempty"`

	FromEmail *string `json:"from_email,omitempty"`
	FromName  *string `json:"from_name,omitempty"`
	ReplyTo   *string `json:"reply_to,omitempty"`

	Priority     string     `json:"priority,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	MaxAttempts  int        `json:"max_attempts,omitempty"`

	CreatedBy         *string `json:"created_by,omitempty"`
	RelatedEntityType *string `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string `json:"related_entity_id,omitempty"`
}

// EnqueueResponse is returned after accepting an email into the queue
type EnqueueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        EmailRepository
	dispatcher  DispatchRunner
	idempotency *redis.IdempotencyService // nil if Redis not configured

	defaultMaxAttempts int
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithIdempotency enables Idempotency-Key support on enqueue.
func WithIdempotency(svc *redis.IdempotencyService) HandlerOption {
	return func(h *Handler) { h.idempotency = svc }
}

// WithDefaultMaxAttempts sets the retry ceiling applied to enqueued
// emails that do not specify their own.
func WithDefaultMaxAttempts(n int) HandlerOption {
	return func(h *Handler) { h.defaultMaxAttempts = n }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo EmailRepository, dispatcher DispatchRunner, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger:             logger,
		repo:               repo,
		dispatcher:         dispatcher,
		defaultMaxAttempts: 3,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// EnqueueEmail handles POST /v1/emails
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || req.TemplateType == "" || req.ToEmail == "" || req.Subject == "" || req.HTMLContent == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"tenant_id, template_type, to_email, subject, and html_content are required")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	if !db.ValidTemplateType(req.TemplateType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template_type", "")
		return
	}

	if _, err := mail.ParseAddress(req.ToEmail); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to_email", "to_email must be a valid email address")
		return
	}
	for _, cc := range req.CcEmails {
		if _, err := mail.ParseAddress(cc); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid cc_emails", "every cc address must be valid")
			return
		}
	}
	for _, bcc := range req.BccEmails {
		if _, err := mail.ParseAddress(bcc); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid bcc_emails", "every bcc address must be valid")
			return
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = db.PriorityNormal
	}
	if !db.ValidPriority(priority) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority",
			"priority must be one of: critical, high, normal, low")
		return
	}

	if req.Variables != nil && !json.Valid(req.Variables) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template_variables", "template_variables must be valid JSON")
		return
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = h.defaultMaxAttempts
	}

	var createdBy *uuid.UUID
	if req.CreatedBy != nil {
		id, err := uuid.Parse(*req.CreatedBy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_by", "created_by must be a valid UUID")
			return
		}
		createdBy = &id
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.TenantID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			resp := EnqueueResponse{ID: cached.EmailID, Status: db.StatusPending}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	msg := &db.EmailMessage{
		ID:                uuid.New(),
		TenantID:          tenantID,
		TemplateType:      req.TemplateType,
		ToEmail:           req.ToEmail,
		ToName:            req.ToName,
		CcEmails:          req.CcEmails,
		BccEmails:         req.BccEmails,
		Subject:           req.Subject,
		HTMLContent:       req.HTMLContent,
		TextContent:       req.TextContent,
		Variables:         req.Variables,
		FromEmail:         req.FromEmail,
		FromName:          req.FromName,
		ReplyTo:           req.ReplyTo,
		Status:            db.StatusPending,
		Priority:          priority,
		ScheduledFor:      req.ScheduledFor,
		MaxAttempts:       maxAttempts,
		CreatedAt:         time.Now(),
		CreatedBy:         createdBy,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
	}

	if err := h.repo.CreateEmail(ctx, msg); err != nil {
		h.logger.Error("failed to enqueue email",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
			zap.String("template_type", req.TemplateType),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue email", "")
		return
	}

	h.logger.Info("email enqueued",
		zap.String("id", msg.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("template_type", req.TemplateType),
		zap.String("priority", priority),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			EmailID:    msg.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.TenantID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := EnqueueResponse{ID: msg.ID.String(), Status: msg.Status}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetEmail handles GET /v1/emails/{id}
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	emailID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email ID", "ID must be a valid UUID")
		return
	}

	msg, err := h.repo.GetEmail(ctx, emailID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Email not found", "")
			return
		}
		h.logger.Error("failed to get email",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get email", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msg)
}

// ListEmails handles GET /v1/emails?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	limit, offset := parsePagination(r)

	emails, err := h.repo.ListEmailsByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list emails",
			zap.Error(err),
			zap.String("tenant_id", tenantIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list emails", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   emails,
		"limit":  limit,
		"offset": offset,
		"count":  len(emails),
	})
}

// CancelEmail handles POST /v1/emails/{id}/cancel
func (h *Handler) CancelEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	emailID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.CancelEmail(ctx, emailID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Email not found", "")
		case errors.Is(err, db.ErrInvalidState):
			h.writeError(w, http.StatusConflict, "invalid_state", "Email cannot be cancelled",
				"Only pending emails can be cancelled")
		default:
			h.logger.Error("failed to cancel email",
				zap.Error(err),
				zap.String("id", idStr),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel email", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.StatusCancelled,
	})
}

// ListLogs handles GET /v1/logs?tenant_id=xxx&status=sent&template_type=welcome
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	status := r.URL.Query().Get("status")
	templateType := r.URL.Query().Get("template_type")
	limit, offset := parsePagination(r)

	logs, err := h.repo.ListLogsByTenant(ctx, tenantID, status, templateType, limit, offset)
	if err != nil {
		h.logger.Error("failed to list logs",
			zap.Error(err),
			zap.String("tenant_id", tenantIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list logs", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   logs,
		"limit":  limit,
		"offset": offset,
		"count":  len(logs),
	})
}

// TriggerDispatch handles POST /v1/dispatch
// Intended for external schedulers; authenticated with a bearer secret.
func (h *Handler) TriggerDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.dispatcher.Run(ctx)
	if err != nil {
		h.logger.Error("dispatch run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch run failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
