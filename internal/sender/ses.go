package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
)

// SESSender delivers email through AWS SES, as an alternative to the
// default HTTP provider.
type SESSender struct {
	client    *ses.Client
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	FromName  string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESSender{
		client:    ses.NewFromConfig(awsCfg),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}, nil
}

// Send transmits the email via SES and returns the SES message id.
func (s *SESSender) Send(ctx context.Context, email *db.EmailMessage) (*Result, error) {
	from := s.fromEmail
	if email.FromEmail != nil && *email.FromEmail != "" {
		from = *email.FromEmail
	}
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, from)
	}

	body := &types.Body{
		Html: &types.Content{
			Data:    aws.String(email.HTMLContent),
			Charset: aws.String("UTF-8"),
		},
	}
	if email.TextContent != nil && *email.TextContent != "" {
		body.Text = &types.Content{
			Data:    aws.String(*email.TextContent),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  []string{email.ToEmail},
			CcAddresses:  email.CcEmails,
			BccAddresses: email.BccEmails,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(email.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}
	if email.ReplyTo != nil && *email.ReplyTo != "" {
		input.ReplyToAddresses = []string{*email.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, &SendError{
			Kind:    classifySESError(err),
			Message: "ses send failed",
			Err:     err,
		}
	}

	s.logger.Info("email sent via ses",
		zap.String("id", email.ID.String()),
		zap.String("to", email.ToEmail),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	raw, _ := json.Marshal(map[string]string{"message_id": aws.ToString(result.MessageId)})
	return &Result{
		ProviderMessageID: aws.ToString(result.MessageId),
		RawResponse:       raw,
	}, nil
}

func (s *SESSender) Name() string {
	return "ses"
}

func classifySESError(err error) ErrorKind {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return KindPermanent
	}
	return KindTransient
}
