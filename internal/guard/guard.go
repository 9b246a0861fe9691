// Package guard enforces tenant send policy before a message reaches the
// provider: recipient blacklist and per-tenant send quotas. A denied
// message fails without consuming a delivery attempt.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
)

// Store is the subset of repository operations the guard needs.
type Store interface {
	IsBlacklisted(ctx context.Context, tenantID uuid.UUID, email string) (bool, string, error)
	ReserveSendQuota(ctx context.Context, tenantID uuid.UUID, limits db.QuotaLimits, now time.Time) (db.QuotaDecision, error)
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	// Reason is set when Allowed is false, e.g. "recipient blacklisted"
	// or "hourly send limit reached".
	Reason string
}

// Guard checks tenant policy for outbound messages.
type Guard struct {
	store  Store
	limits db.QuotaLimits
	logger *zap.Logger
}

// New creates a Guard with the given per-tenant quota limits.
func New(store Store, limits db.QuotaLimits, logger *zap.Logger) *Guard {
	return &Guard{
		store:  store,
		limits: limits,
		logger: logger,
	}
}

// CheckAndReserve verifies the recipient is not blacklisted and reserves
// one unit of the tenant's send quota. On success the quota is consumed;
// a denial leaves the quota untouched.
func (g *Guard) CheckAndReserve(ctx context.Context, msg *db.EmailMessage, now time.Time) (Decision, error) {
	blocked, reason, err := g.store.IsBlacklisted(ctx, msg.TenantID, msg.ToEmail)
	if err != nil {
		return Decision{}, fmt.Errorf("blacklist check: %w", err)
	}
	if blocked {
		g.logger.Info("send denied by blacklist",
			zap.String("tenant_id", msg.TenantID.String()),
			zap.String("email_id", msg.ID.String()),
			zap.String("reason", reason),
		)
		return Decision{Reason: "recipient blacklisted"}, nil
	}

	quota, err := g.store.ReserveSendQuota(ctx, msg.TenantID, g.limits, now)
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve: %w", err)
	}
	if !quota.Allowed {
		g.logger.Info("send denied by quota",
			zap.String("tenant_id", msg.TenantID.String()),
			zap.String("email_id", msg.ID.String()),
			zap.String("window", quota.Exceeded),
			zap.Time("reset_at", quota.ResetAt),
		)
		return Decision{Reason: fmt.Sprintf("%s send limit reached", quota.Exceeded)}, nil
	}

	return Decision{Allowed: true}, nil
}
