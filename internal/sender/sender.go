package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
)

// Sender is the outbound provider boundary. Implementations transmit one
// email and report the provider-assigned message id; they never touch the
// queue store.
type Sender interface {
	Send(ctx context.Context, email *db.EmailMessage) (*Result, error)
	Name() string
}

// Result is the normalized outcome of a successful provider call.
type Result struct {
	ProviderMessageID string
	// RawResponse is the provider's response body, kept for the queue row
	// and the delivery log.
	RawResponse json.RawMessage
}

// ErrorKind classifies a send failure so the dispatcher can decide
// whether a retry is useful.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts, provider 5xx and
	// rate limiting. Retried up to max_attempts.
	KindTransient ErrorKind = iota
	// KindPermanent covers invalid or provider-rejected recipients. Never
	// retried regardless of remaining attempts.
	KindPermanent
	// KindAuth covers provider credential failures. Treated like a
	// transient error by the dispatcher: the row stays retryable while an
	// operator fixes the credentials.
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// SendError is a classified provider failure. RawBody carries the
// provider's error response for the delivery log.
type SendError struct {
	Kind    ErrorKind
	Message string
	RawBody json.RawMessage
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("send failed (%s): %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Classify extracts the error kind from err. Errors that are not a
// SendError default to transient so they follow the normal retry path.
func Classify(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// Details returns the provider error body from err, if any.
func Details(err error) json.RawMessage {
	var se *SendError
	if errors.As(err, &se) {
		return se.RawBody
	}
	return nil
}

// LogSender logs the email instead of sending it (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, email *db.EmailMessage) (*Result, error) {
	s.logger.Info("logging email (development mode)",
		zap.String("id", email.ID.String()),
		zap.String("tenant_id", email.TenantID.String()),
		zap.String("to", email.ToEmail),
		zap.String("subject", email.Subject),
	)
	return &Result{
		ProviderMessageID: "log-" + email.ID.String(),
		RawResponse:       json.RawMessage(`{"provider":"log"}`),
	}, nil
}

func (s *LogSender) Name() string {
	return "log"
}
