package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESTransport delivers reminder emails via AWS SES. Subject and body come
// from the message payload written by the reminder scheduler.
type SESTransport struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region    string
	FromEmail string
}

// emailPayload is the subset of the reminder payload SES needs.
type emailPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewSESTransport creates an SES-backed transport.
func NewSESTransport(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESTransport{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (t *SESTransport) Send(ctx context.Context, d *Delivery) error {
	if d.Recipient == "" {
		return fmt.Errorf("delivery missing recipient")
	}

	var payload emailPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return fmt.Errorf("invalid email payload: %w", err)
	}
	if payload.Title == "" {
		return fmt.Errorf("email payload missing title")
	}
	if payload.Body == "" {
		return fmt.Errorf("email payload missing body")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(t.from),
		Destination: &types.Destination{
			ToAddresses: []string{d.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	t.logger.Info("email sent via SES",
		zap.String("message_id", d.MessageID.String()),
		zap.String("to", d.Recipient),
		zap.String("ses_message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (t *SESTransport) Name() string {
	return "ses"
}
