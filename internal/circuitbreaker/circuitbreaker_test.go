package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
	"github.com/lalithlochan/prospector/internal/db"
	"github.com/lalithlochan/prospector/internal/worker"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDown = errors.New("down")

func newBreaker(maxFailures int, recovery time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(Config{Name: "test", MaxFailures: maxFailures, RecoveryTimeout: recovery, Now: clock.Now}, zap.NewNop())
	return cb, clock
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.Record(errDown)
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), zap.NewNop())
	if cb.Current() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.Current())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newBreaker(3, time.Second)
	fail(cb, 3)
	if cb.Current() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.Current())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newBreaker(2, 30*time.Second)
	fail(cb, 2)

	clock.Advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("should still reject before recovery timeout")
	}

	clock.Advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow probe after timeout")
	}
	if cb.Current() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.Current())
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name  string
		probe error
		want  State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errDown, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newBreaker(2, time.Second)
			fail(cb, 2)
			clock.Advance(time.Second)
			cb.Allow()
			cb.Record(tt.probe)
			if cb.Current() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.Current())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(3, time.Second)
	fail(cb, 2)
	cb.Allow()
	cb.Record(nil)
	fail(cb, 2)
	if cb.Current() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := New(Config{
		Name:        "ses",
		MaxFailures: 2,
		IsFailure:   apperr.IsTransient,
		Now:         clock.Now,
	}, zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.Record(errors.New("address rejected"))
	}
	if cb.Current() != StateClosed {
		t.Fatal("permanent per-message errors must not open the circuit")
	}

	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.Record(&apperr.TransientError{StatusCode: 503, Err: errDown})
	}
	if cb.Current() != StateOpen {
		t.Fatal("transient errors should open the circuit")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newBreaker(2, time.Minute)
	fail(cb, 2)
	cb.Allow()

	stats := cb.Stats()
	if stats.Name != "test" || stats.State != "open" || stats.Failures != 2 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Error("expected last failure timestamp")
	}

	cb.Reset()
	if cb.Current() != StateClosed || !cb.Allow() {
		t.Fatal("should be closed and allowing after reset")
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("svc")
	if cfg.MaxFailures != 5 {
		t.Fatalf("max_failures = %d", cfg.MaxFailures)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Fatalf("recovery_timeout = %v", cfg.RecoveryTimeout)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockSender struct {
	sendErr   error
	sendCalls int
}

func (m *mockSender) Send(_ context.Context, _ worker.Message) (worker.Delivery, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return worker.Delivery{}, m.sendErr
	}
	return worker.Delivery{DeliveryID: "msg-1"}, nil
}

func (m *mockSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{}
	cb, _ := newBreaker(5, time.Second)
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	d, err := ps.Send(context.Background(), worker.Message{Channel: db.ChannelEmail})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if d.DeliveryID != "msg-1" || mock.sendCalls != 1 {
		t.Fatalf("delivery=%+v calls=%d", d, mock.sendCalls)
	}
	if !ps.SupportsChannel(db.ChannelEmail) || ps.SupportsChannel(db.ChannelWhatsApp) {
		t.Fatal("SupportsChannel should delegate")
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{}
	cb, clock := newBreaker(3, time.Minute)
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	msg := worker.Message{Channel: db.ChannelEmail}

	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.sendErr = errors.New("SES down")
	for i := 0; i < 3; i++ {
		ps.Send(context.Background(), msg)
	}
	if cb.Current() != StateOpen {
		t.Fatalf("expected open, got %s", cb.Current())
	}

	mock.sendCalls = 0
	if _, err := ps.Send(context.Background(), msg); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("sender should not be called while open")
	}

	clock.Advance(time.Minute)
	mock.sendErr = nil
	if _, err := ps.Send(context.Background(), msg); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if ps.Breaker().Current() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.Current())
	}
}
