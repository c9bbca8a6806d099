package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
)

// Message is one rendered outreach message.
type Message struct {
	SendID     uuid.UUID
	Channel    db.Channel
	To         string
	Subject    string
	Body       string
	SenderName string
	Tags       map[string]string
}

// Delivery is what a sender reports back. Email senders set DeliveryID;
// the click-to-chat sender sets ChatLink and never confirms delivery.
type Delivery struct {
	DeliveryID string
	ChatLink   string
}

// Sender delivers messages on one or more channels.
type Sender interface {
	Send(ctx context.Context, msg Message) (Delivery, error)
	SupportsChannel(channel db.Channel) bool
}

// MultiSender routes each message to the first sender supporting its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

// Send routes msg by channel.
func (m *MultiSender) Send(ctx context.Context, msg Message) (Delivery, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", string(msg.Channel)),
				zap.String("send_id", msg.SendID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}
	return Delivery{}, fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel reports whether any sender handles channel.
func (m *MultiSender) SupportsChannel(channel db.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs email instead of sending it. Used in development when no
// SES identity is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) (Delivery, error) {
	s.logger.Info("logging email (development mode)",
		zap.String("send_id", msg.SendID.String()),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("sender_name", msg.SenderName),
		zap.Any("tags", msg.Tags),
	)
	return Delivery{DeliveryID: "log-" + msg.SendID.String()}, nil
}

func (s *LogSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}
