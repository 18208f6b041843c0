package infra

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Notifier is the fire-and-forget sink for staff-facing signals
// (low-stock digests, failed deductions). Callers log and drop its errors.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]interface{}) error
}

// ── LogNotifier ──────────────────────────────────────────────────────────────

// LogNotifier writes notifications to the structured log. Used when SMTP is
// not configured and as the last-resort sink.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, kind string, payload map[string]interface{}) error {
	log.Warn().Str("notification_type", kind).Interface("payload", payload).Msg("notify: staff notification")
	return nil
}

// ── BreakerNotifier ──────────────────────────────────────────────────────────

// BreakerNotifier guards a flaky sink (SMTP) with a circuit breaker and falls
// back to another notifier while the breaker is open or the call fails.
type BreakerNotifier struct {
	next     Notifier
	fallback Notifier
	cb       *CircuitBreaker
}

func NewBreakerNotifier(next, fallback Notifier, cb *CircuitBreaker) *BreakerNotifier {
	if fallback == nil {
		fallback = LogNotifier{}
	}
	if cb == nil {
		cb = NewCircuitBreaker(DefaultCBConfig())
	}
	return &BreakerNotifier{next: next, fallback: fallback, cb: cb}
}

func (b *BreakerNotifier) Notify(ctx context.Context, kind string, payload map[string]interface{}) error {
	err := b.cb.Execute(func() error { return b.next.Notify(ctx, kind, payload) })
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("notification_type", kind).Str("breaker", b.cb.State().String()).
		Msg("notify: primary sink failed, using fallback")
	if ferr := b.fallback.Notify(ctx, kind, payload); ferr != nil {
		return fmt.Errorf("notify: primary: %v; fallback: %w", err, ferr)
	}
	return nil
}

// State exposes the breaker state for the health endpoint.
func (b *BreakerNotifier) State() CBState { return b.cb.State() }
