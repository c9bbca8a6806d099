// Package events fans pipeline lifecycle events out over an SNS topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// Type identifies a lifecycle event.
type Type string

const (
	SearchRunCompleted Type = "search_run.completed"
	CampaignDrained    Type = "campaign.drained"
)

// Event is the JSON message published to the topic.
type Event struct {
	Type       Type      `json:"type"`
	SubjectID  string    `json:"subject_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes lifecycle events. A Publisher without a topic drops
// events silently so deployments without SNS need no special casing.
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates an SNS publisher for the given topic. An empty topic
// yields a no-op publisher.
func NewPublisher(ctx context.Context, topicARN string, logger *zap.Logger, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	if topicARN == "" {
		return &Publisher{logger: logger, now: time.Now}, nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Publish sends one event. Failures are logged and never returned, since a
// missed lifecycle notification must not fail the operation that caused it.
func (p *Publisher) Publish(ctx context.Context, eventType Type, subjectID string, data any) {
	if p == nil || p.client == nil {
		return
	}

	evt := Event{Type: eventType, SubjectID: subjectID, OccurredAt: p.now().UTC(), Data: data}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("failed to marshal event", zap.Error(err), zap.String("type", string(eventType)))
		return
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(eventType)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		p.logger.Warn("failed to publish event",
			zap.Error(err),
			zap.String("type", string(eventType)),
			zap.String("subject_id", subjectID),
		)
		return
	}

	p.logger.Debug("event published",
		zap.String("type", string(eventType)),
		zap.String("subject_id", subjectID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
}
