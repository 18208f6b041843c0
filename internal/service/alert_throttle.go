package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cafeiq/internal/infra"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"

	"github.com/rs/zerolog/log"
)

// ThrottleConfig describes the daily send window and the per-type floor
// between two notifications of the same type.
type ThrottleConfig struct {
	Location        *time.Location
	WindowHour      int
	WindowDuration  time.Duration
	Intervals       map[string]time.Duration
	DefaultInterval time.Duration
}

// DefaultThrottleConfig opens the window at 08:00 Manila time for one hour,
// with 24h between critical digests and 72h between low-stock digests.
func DefaultThrottleConfig() ThrottleConfig {
	loc, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		loc = time.FixedZone("PHT", 8*60*60)
	}
	return ThrottleConfig{
		Location:       loc,
		WindowHour:     8,
		WindowDuration: time.Hour,
		Intervals: map[string]time.Duration{
			model.NotifyLowStockCritical: 24 * time.Hour,
			model.NotifyLowStockLow:      72 * time.Hour,
		},
		DefaultInterval: 24 * time.Hour,
	}
}

// AlertThrottle gates low-stock notifications: a type may fire inside the
// daily window and only once its interval since the last send has elapsed.
type AlertThrottle struct {
	repo repository.ThrottleRepository
	cfg  ThrottleConfig
	now  func() time.Time
}

func NewAlertThrottle(repo repository.ThrottleRepository, cfg ThrottleConfig, now func() time.Time) *AlertThrottle {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Hour
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &AlertThrottle{repo: repo, cfg: cfg, now: now}
}

// Interval returns the minimum time between two sends of kind.
func (t *AlertThrottle) Interval(kind string) time.Duration {
	if d, ok := t.cfg.Intervals[kind]; ok && d > 0 {
		return d
	}
	return t.cfg.DefaultInterval
}

// windowStart returns the opening of the window on the local day of at.
func (t *AlertThrottle) windowStart(at time.Time) time.Time {
	local := at.In(t.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), t.cfg.WindowHour, 0, 0, 0, t.cfg.Location)
}

// InWindow reports whether at falls inside the daily send window.
func (t *AlertThrottle) InWindow(at time.Time) bool {
	start := t.windowStart(at)
	return !at.Before(start) && at.Before(start.Add(t.cfg.WindowDuration))
}

// ShouldSend reports whether kind may fire now: inside the window and with
// the interval elapsed since the last send. A type never sent before only
// needs the window.
func (t *AlertThrottle) ShouldSend(ctx context.Context, kind string) (bool, error) {
	now := t.now()
	if !t.InWindow(now) {
		return false, nil
	}
	rec, err := t.repo.Find(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("throttle: find %s: %w", kind, err)
	}
	if rec == nil {
		return true, nil
	}
	return now.Sub(rec.LastSentAt) >= t.Interval(kind), nil
}

// ShouldSendCatchUp covers a missed window (e.g. the process restarted just
// after it closed): allowed once today's window has passed, nothing was sent
// since it opened, and the interval has elapsed.
func (t *AlertThrottle) ShouldSendCatchUp(ctx context.Context, kind string) (bool, error) {
	now := t.now()
	start := t.windowStart(now)
	if now.Before(start.Add(t.cfg.WindowDuration)) {
		return false, nil
	}
	rec, err := t.repo.Find(ctx, kind)
	if err != nil {
		return false, fmt.Errorf("throttle: find %s: %w", kind, err)
	}
	if rec == nil {
		return true, nil
	}
	if !rec.LastSentAt.Before(start) {
		return false, nil
	}
	return now.Sub(rec.LastSentAt) >= t.Interval(kind), nil
}

// Allow combines the window check with the catch-up fallback.
func (t *AlertThrottle) Allow(ctx context.Context, kind string) (bool, error) {
	ok, err := t.ShouldSend(ctx, kind)
	if err != nil || ok {
		return ok, err
	}
	return t.ShouldSendCatchUp(ctx, kind)
}

// RecordSent stores now as the last send time of kind.
func (t *AlertThrottle) RecordSent(ctx context.Context, kind string) error {
	if err := t.repo.Upsert(ctx, kind, t.now()); err != nil {
		return fmt.Errorf("throttle: record %s: %w", kind, err)
	}
	return nil
}

// ThrottleSlot is a send of one notification type that has been recorded
// ahead of delivery.
type ThrottleSlot struct {
	Kind     string
	SentAt   time.Time
	previous *time.Time
}

// Acquire applies the same gates as Allow and records the send in the same
// step, so concurrent dispatchers cannot both pass. It returns nil when kind
// is throttled. A slot whose delivery failed must be handed back with Release.
func (t *AlertThrottle) Acquire(ctx context.Context, kind string) (*ThrottleSlot, error) {
	// the store keeps microseconds; Release matches on the exact value
	now := t.now().Truncate(time.Microsecond)
	start := t.windowStart(now)
	notAfter := now.Add(-t.Interval(kind))

	switch {
	case t.InWindow(now):
	case !now.Before(start.Add(t.cfg.WindowDuration)):
		// catch-up also needs nothing sent since today's window opened
		if beforeWindow := start.Add(-time.Microsecond); beforeWindow.Before(notAfter) {
			notAfter = beforeWindow
		}
	default:
		return nil, nil
	}

	ok, previous, err := t.repo.Claim(ctx, kind, now, notAfter)
	if err != nil {
		return nil, fmt.Errorf("throttle: claim %s: %w", kind, err)
	}
	if !ok {
		return nil, nil
	}
	return &ThrottleSlot{Kind: kind, SentAt: now, previous: previous}, nil
}

// Release undoes an acquired slot so the next check may send again.
func (t *AlertThrottle) Release(ctx context.Context, slot *ThrottleSlot) error {
	if slot == nil {
		return nil
	}
	if err := t.repo.Release(ctx, slot.Kind, slot.SentAt, slot.previous); err != nil {
		return fmt.Errorf("throttle: release %s: %w", slot.Kind, err)
	}
	return nil
}

// ── AlertDispatcher ──────────────────────────────────────────────────────────

// AlertDispatcher turns active low-stock alerts into at most one digest per
// severity, as far as the throttle allows.
type AlertDispatcher struct {
	alerts   repository.AlertRepository
	throttle *AlertThrottle
	notifier infra.Notifier
	metrics  *infra.Metrics
}

func NewAlertDispatcher(alerts repository.AlertRepository, throttle *AlertThrottle, notifier infra.Notifier, metrics *infra.Metrics) *AlertDispatcher {
	if notifier == nil {
		notifier = infra.LogNotifier{}
	}
	return &AlertDispatcher{alerts: alerts, throttle: throttle, notifier: notifier, metrics: metrics}
}

// DispatchActive loads every active alert and sends the digests the throttle
// allows. It returns the notification types that were sent.
func (d *AlertDispatcher) DispatchActive(ctx context.Context) ([]string, error) {
	active, err := d.alerts.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("alerts: list active: %w", err)
	}

	bySeverity := make(map[string][]model.LowStockAlert)
	for _, a := range active {
		bySeverity[a.Severity] = append(bySeverity[a.Severity], a)
	}

	kinds := make([]string, 0, len(bySeverity))
	for k := range bySeverity {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var sent []string
	var firstErr error
	for _, kind := range kinds {
		slot, err := d.throttle.Acquire(ctx, kind)
		if err != nil {
			log.Error().Err(err).Str("notification_type", kind).Msg("alerts: throttle check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if slot == nil {
			d.metrics.Notification(kind, "throttled")
			continue
		}
		if err := d.notifier.Notify(ctx, kind, digest(kind, bySeverity[kind])); err != nil {
			d.metrics.Notification(kind, "error")
			log.Error().Err(err).Str("notification_type", kind).Msg("alerts: notify failed")
			if rerr := d.throttle.Release(ctx, slot); rerr != nil {
				log.Error().Err(rerr).Str("notification_type", kind).Msg("alerts: release throttle failed")
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.metrics.Notification(kind, "sent")
		log.Info().Str("notification_type", kind).Int("count", len(bySeverity[kind])).Msg("alerts: digest sent")
		sent = append(sent, kind)
	}
	return sent, firstErr
}

func digest(kind string, alerts []model.LowStockAlert) map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(alerts))
	for _, a := range alerts {
		row := map[string]interface{}{
			"ingredient_id": a.IngredientID.String(),
			"current_stock": a.CurrentStock.String(),
			"reorder_level": a.ReorderLevel.String(),
		}
		if a.Ingredient != nil {
			row["name"] = a.Ingredient.Name
			row["unit"] = a.Ingredient.ActualUnit
		}
		rows = append(rows, row)
	}
	return map[string]interface{}{
		"severity":    kind,
		"count":       len(alerts),
		"ingredients": rows,
	}
}
