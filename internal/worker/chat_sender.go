package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/dedup"
)

const chatBaseURL = "https://wa.me/"

// ChatLinkSender produces a pre-filled click-to-chat link for a human to
// open. Nothing is sent server-side.
type ChatLinkSender struct {
	logger *zap.Logger
}

func NewChatLinkSender(logger *zap.Logger) *ChatLinkSender {
	return &ChatLinkSender{logger: logger}
}

func (s *ChatLinkSender) Send(_ context.Context, msg Message) (Delivery, error) {
	digits := dedup.NormalizePhone(msg.To)
	if digits == "" {
		return Delivery{}, fmt.Errorf("chat link requires a phone number")
	}

	link := ChatLink(digits, msg.Body)
	s.logger.Debug("chat link prepared", zap.String("send_id", msg.SendID.String()))
	return Delivery{ChatLink: link}, nil
}

func (s *ChatLinkSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelWhatsApp
}

// ChatLink builds the deep link. Spaces are encoded as %20, which the chat
// client requires in place of "+".
func ChatLink(digits, text string) string {
	link := chatBaseURL + digits
	if text == "" {
		return link
	}
	return link + "?text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}
