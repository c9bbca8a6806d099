package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/worker"
)

// ProtectedSender decorates a worker.Sender with a CircuitBreaker. While the
// circuit is open, Send returns ErrCircuitOpen without calling the provider.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender.
func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedSender) Send(ctx context.Context, msg worker.Message) (worker.Delivery, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("send_id", msg.SendID.String()),
			zap.String("state", p.breaker.Current().String()),
		)
		return worker.Delivery{}, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	d, err := p.sender.Send(ctx, msg)
	p.breaker.Record(err)
	return d, err
}

func (p *ProtectedSender) SupportsChannel(channel db.Channel) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker exposes the breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
