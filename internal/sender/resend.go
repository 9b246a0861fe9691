package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
)

const defaultResendBaseURL = "https://api.resend.com"

// ResendSender delivers email through the Resend transactional API.
type ResendSender struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	fromEmail string
	fromName  string
	replyTo   string
	logger    *zap.Logger
}

type ResendConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL   string
	FromEmail string
	FromName  string
	ReplyTo   string
	// Timeout bounds the provider round trip. Default 30s.
	Timeout time.Duration
}

// NewResendSender creates a Resend-backed sender.
func NewResendSender(cfg ResendConfig, logger *zap.Logger) *ResendSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultResendBaseURL
	}

	return &ResendSender{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		replyTo:   cfg.ReplyTo,
		logger:    logger,
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

// Send posts the email to the Resend API and returns the provider
// message id. Failures are classified by status code so the dispatcher
// can skip retries for undeliverable addresses.
func (s *ResendSender) Send(ctx context.Context, email *db.EmailMessage) (*Result, error) {
	req := resendRequest{
		From:    s.fromHeader(email),
		To:      []string{email.ToEmail},
		Cc:      email.CcEmails,
		Bcc:     email.BccEmails,
		Subject: email.Subject,
		HTML:    email.HTMLContent,
		ReplyTo: s.replyTo,
	}
	if email.TextContent != nil {
		req.Text = *email.TextContent
	}
	if email.ReplyTo != nil {
		req.ReplyTo = *email.ReplyTo
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal resend request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create resend request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &SendError{
			Kind:    KindTransient,
			Message: "resend request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SendError{
			Kind:    classifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("resend returned status %d", resp.StatusCode),
			RawBody: json.RawMessage(respBody),
		}
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.ID == "" {
		return nil, &SendError{
			Kind:    KindTransient,
			Message: "resend response missing message id",
			RawBody: json.RawMessage(respBody),
			Err:     err,
		}
	}

	s.logger.Info("email sent via resend",
		zap.String("id", email.ID.String()),
		zap.String("to", email.ToEmail),
		zap.String("message_id", parsed.ID),
	)

	return &Result{
		ProviderMessageID: parsed.ID,
		RawResponse:       json.RawMessage(respBody),
	}, nil
}

func (s *ResendSender) Name() string {
	return "resend"
}

func (s *ResendSender) fromHeader(email *db.EmailMessage) string {
	addr := s.fromEmail
	name := s.fromName
	if email.FromEmail != nil && *email.FromEmail != "" {
		addr = *email.FromEmail
	}
	if email.FromName != nil && *email.FromName != "" {
		name = *email.FromName
	}
	if name != "" {
		return fmt.Sprintf("%s <%s>", name, addr)
	}
	return addr
}

// classifyStatus maps a Resend HTTP status to an error kind. 4xx request
// errors mean the payload or recipient will never be accepted; 401/403
// are credential problems; 429 and 5xx are worth retrying.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindPermanent
	default:
		return KindTransient
	}
}
