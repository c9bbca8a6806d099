package worker

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client           sesAPI
	from             string
	configurationSet string
	logger           *zap.Logger
}

type SESConfig struct {
	Region           string
	FromEmail        string
	ConfigurationSet string // publishes engagement events when set
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("ses sender requires a from address")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client:           ses.NewFromConfig(awsCfg),
		from:             cfg.FromEmail,
		configurationSet: cfg.ConfigurationSet,
		logger:           logger,
	}, nil
}

// Send delivers an email via SES. The SES message id is the delivery id.
func (s *SESSender) Send(ctx context.Context, msg Message) (Delivery, error) {
	if msg.Channel != db.ChannelEmail {
		return Delivery{}, fmt.Errorf("SES sender only supports email, got: %s", msg.Channel)
	}
	if msg.To == "" {
		return Delivery{}, fmt.Errorf("email missing recipient")
	}
	if msg.Subject == "" {
		return Delivery{}, fmt.Errorf("email missing subject")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.source(msg.SenderName)),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
		Tags: messageTags(msg.Tags),
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Delivery{}, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("send_id", msg.SendID.String()),
		zap.String("message_id", messageID),
	)
	return Delivery{DeliveryID: messageID}, nil
}

// source formats the From header with an optional display name.
func (s *SESSender) source(senderName string) string {
	if senderName == "" {
		return s.from
	}
	return (&mail.Address{Name: senderName, Address: s.from}).String()
}

func messageTags(tags map[string]string) []types.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]types.MessageTag, 0, len(tags))
	for name, value := range tags {
		out = append(out, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}
	return out
}

func (s *SESSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}

// IsProviderFailure reports whether err reflects SES availability rather than
// a problem with one message. Rejected messages must not open a breaker.
func IsProviderFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "InvalidParameterValue":
			return false
		}
	}
	return true
}
