package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/metrics"
)

const maxWebhookBody = 256 << 10 // 256 KB

// WebhookStore is the repository surface the webhook receiver needs.
type WebhookStore interface {
	UpdateLogEvent(ctx context.Context, providerMessageID string, event db.LogEvent) error
	GetLogByProviderMessageID(ctx context.Context, providerMessageID string) (*db.EmailLog, error)
	MarkDeliveryEvent(ctx context.Context, providerMessageID, status, errMsg string, errDetails []byte) error
	AddToBlacklist(ctx context.Context, tenantID uuid.UUID, email, reason string) error
}

// webhookEvent is the provider's delivery event envelope.
type webhookEvent struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID     string   `json:"email_id"`
		From        string   `json:"from"`
		To          []string `json:"to"`
		Subject     string   `json:"subject"`
		DeliveredAt *string  `json:"delivered_at,omitempty"`
		OpenedAt    *string  `json:"opened_at,omitempty"`
		ClickedAt   *string  `json:"clicked_at,omitempty"`
		BouncedAt   *string  `json:"bounced_at,omitempty"`
		Bounce      *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"bounce,omitempty"`
		Complaint *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"complaint,omitempty"`
	} `json:"data"`
}

// WebhookHandler receives provider delivery events and folds them into
// the email logs and queue rows they belong to.
type WebhookHandler struct {
	logger  *zap.Logger
	repo    WebhookStore
	metrics *metrics.Metrics
	secret  string
}

// NewWebhookHandler creates a webhook receiver verifying signatures with secret.
func NewWebhookHandler(logger *zap.Logger, repo WebhookStore, m *metrics.Metrics, secret string) *WebhookHandler {
	return &WebhookHandler{
		logger:  logger,
		repo:    repo,
		metrics: m,
		secret:  secret,
	}
}

// verifySignature checks the provider's `v0=<hex hmac-sha256>` signature
// over the raw request body.
func (h *WebhookHandler) verifySignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(payload)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// mapEventType translates provider event names to internal ones.
func mapEventType(providerType string) string {
	switch providerType {
	case "email.sent":
		return "sent"
	case "email.delivered":
		return "delivered"
	case "email.delivery_delayed":
		return "delayed"
	case "email.complained":
		return "complained"
	case "email.bounced":
		return "bounced"
	case "email.opened":
		return "opened"
	case "email.clicked":
		return "clicked"
	}
	return providerType
}

// HandleEvent handles POST /v1/webhooks/email
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read body", "")
		return
	}

	signature := r.Header.Get("Resend-Signature")
	if signature == "" {
		h.writeError(w, http.StatusUnauthorized, "missing_signature", "Missing webhook signature", "")
		return
	}
	if !h.verifySignature(body, signature) {
		h.logger.Warn("webhook signature verification failed",
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid webhook signature", "")
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed event payload", err.Error())
		return
	}
	if event.Data.EmailID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing email_id", "")
		return
	}

	eventType := mapEventType(event.Type)
	h.metrics.WebhookEvents.WithLabelValues(eventType).Inc()

	h.logger.Info("webhook event received",
		zap.String("event_type", eventType),
		zap.String("provider_message_id", event.Data.EmailID),
	)

	if err := h.applyEvent(ctx, eventType, body, &event); err != nil {
		// Unknown message ids are fine: the event may belong to mail
		// sent outside this queue.
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.Error("failed to apply webhook event",
				zap.Error(err),
				zap.String("event_type", eventType),
				zap.String("provider_message_id", event.Data.EmailID),
			)
			h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process event", "")
			return
		}
		h.logger.Debug("webhook event for unknown message",
			zap.String("provider_message_id", event.Data.EmailID),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"event_type": eventType,
		"message_id": event.Data.EmailID,
	})
}

// applyEvent updates logs, queue rows and the blacklist for one event.
func (h *WebhookHandler) applyEvent(ctx context.Context, eventType string, rawBody []byte, event *webhookEvent) error {
	now := time.Now()
	logEvent := db.LogEvent{ProviderResponse: rawBody}

	switch eventType {
	case "delivered":
		logEvent.Status = db.StatusDelivered
		logEvent.DeliveredAt = eventTime(event.Data.DeliveredAt, now)

	case "bounced":
		logEvent.Status = db.StatusBounced
		logEvent.BouncedAt = eventTime(event.Data.BouncedAt, now)
		if event.Data.Bounce != nil {
			logEvent.ErrorMessage = event.Data.Bounce.Message
			logEvent.ErrorDetails, _ = json.Marshal(event.Data.Bounce)
		}

	case "opened":
		logEvent.OpenedAt = eventTime(event.Data.OpenedAt, now)

	case "clicked":
		logEvent.ClickedAt = eventTime(event.Data.ClickedAt, now)

	case "complained":
		logEvent.ErrorMessage = "Recipient marked email as spam"
		if event.Data.Complaint != nil {
			logEvent.ErrorDetails, _ = json.Marshal(event.Data.Complaint)
		}

	default:
		// sent, delayed and unknown events just record the payload
	}

	if err := h.repo.UpdateLogEvent(ctx, event.Data.EmailID, logEvent); err != nil {
		return err
	}

	// Promote the queue row for events that change delivery outcome.
	switch eventType {
	case "delivered":
		if err := h.repo.MarkDeliveryEvent(ctx, event.Data.EmailID, db.StatusDelivered, "", nil); err != nil {
			return err
		}
	case "bounced":
		errMsg := ""
		var details []byte
		if event.Data.Bounce != nil {
			errMsg = event.Data.Bounce.Message
			details, _ = json.Marshal(event.Data.Bounce)
		}
		if err := h.repo.MarkDeliveryEvent(ctx, event.Data.EmailID, db.StatusBounced, errMsg, details); err != nil {
			return err
		}
	}

	// Hard bounces poison the address for future sends.
	if eventType == "bounced" && event.Data.Bounce != nil && event.Data.Bounce.Type == "hard" {
		entry, err := h.repo.GetLogByProviderMessageID(ctx, event.Data.EmailID)
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("Hard bounce: %s", event.Data.Bounce.Message)
		if err := h.repo.AddToBlacklist(ctx, entry.TenantID, entry.ToEmail, reason); err != nil {
			return err
		}
	}

	return nil
}

func eventTime(raw *string, fallback time.Time) *time.Time {
	if raw != nil {
		if t, err := time.Parse(time.RFC3339, *raw); err == nil {
			return &t
		}
	}
	return &fallback
}

func (h *WebhookHandler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
