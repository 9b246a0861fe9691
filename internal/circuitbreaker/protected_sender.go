package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/sender"
)

// ProtectedSender wraps a sender.Sender with a circuit breaker. When the
// provider is failing the breaker rejects sends before they hit the wire;
// a rejected send surfaces as a transient error so the row stays
// retryable and is picked up again once the provider recovers.
type ProtectedSender struct {
	inner   sender.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(inner sender.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker.
func (ps *ProtectedSender) Send(ctx context.Context, msg *db.EmailMessage) (*sender.Result, error) {
	if !ps.breaker.Allow() {
		ps.logger.Warn("send rejected by circuit breaker",
			zap.String("breaker", ps.breaker.config.Name),
			zap.String("email_id", msg.ID.String()),
		)
		return nil, &sender.SendError{
			Kind:    sender.KindTransient,
			Message: "provider circuit open",
			Err:     ErrCircuitOpen,
		}
	}

	result, err := ps.inner.Send(ctx, msg)
	if err != nil {
		// Permanent failures are the message's fault, not the
		// provider's. Only provider-side failures trip the breaker.
		if sender.Classify(err) == sender.KindPermanent {
			ps.breaker.RecordSuccess()
		} else {
			ps.breaker.RecordFailure()
		}
		return nil, err
	}

	ps.breaker.RecordSuccess()
	return result, nil
}

// Name returns the underlying sender's name.
func (ps *ProtectedSender) Name() string {
	return ps.inner.Name()
}

// Breaker exposes the wrapped circuit breaker for stats endpoints.
func (ps *ProtectedSender) Breaker() *CircuitBreaker {
	return ps.breaker
}
