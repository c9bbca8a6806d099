package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/metrics"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventHandler is satisfied by Handler.
type EventHandler interface {
	Handle(ctx context.Context, ev *Event) error
}

// ConsumerConfig holds SQS settings for the engagement queue.
type ConsumerConfig struct {
	Region            string
	QueueURL          string
	WaitSeconds       int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Consumer long-polls the engagement queue. Messages are deleted once
// handled or when they carry no engagement signal; anything else is left
// for redelivery and the queue's redrive policy.
type Consumer struct {
	client   sqsAPI
	config   ConsumerConfig
	handler  EventHandler
	logger   *zap.Logger
	errDelay time.Duration
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig, handler EventHandler, logger *zap.Logger) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("engagement consumer requires a queue url")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("engagement consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return newConsumer(sqs.NewFromConfig(awsCfg), cfg, handler, logger), nil
}

func newConsumer(client sqsAPI, cfg ConsumerConfig, handler EventHandler, logger *zap.Logger) *Consumer {
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	return &Consumer{
		client:   client,
		config:   cfg,
		handler:  handler,
		logger:   logger,
		errDelay: 5 * time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("engagement consumer stopping")
			return
		}
		if _, err := c.ReceiveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("engagement receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.errDelay):
			}
		}
	}
}

// ReceiveOnce performs one long poll and returns the number of messages deleted.
func (c *Consumer) ReceiveOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	deleted := 0
	for _, msg := range out.Messages {
		if !c.process(ctx, msg) {
			continue
		}
		if err := c.delete(ctx, msg); err != nil {
			c.logger.Warn("failed to delete engagement message", zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// process reports whether msg is finished with.
func (c *Consumer) process(ctx context.Context, msg types.Message) bool {
	log := c.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	ev, err := Parse([]byte(aws.ToString(msg.Body)))
	if errors.Is(err, ErrUnsupportedEvent) {
		log.Debug("ignoring engagement message", zap.Error(err))
		return true
	}
	if err != nil {
		log.Error("invalid engagement message", zap.Error(err))
		return false
	}

	if err := c.handler.Handle(ctx, ev); err != nil {
		log.Warn("failed to apply engagement event", zap.Error(err), zap.String("event", string(ev.Kind)))
		return false
	}
	return true
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
