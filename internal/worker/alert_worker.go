package worker

// alert_worker.go
// Background goroutine that periodically turns active low-stock alerts into
// throttled digests. Ticking hourly also covers a send window missed while
// the process was down (catch-up policy of the throttle).

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// AlertSender is implemented by service.AlertDispatcher.
type AlertSender interface {
	DispatchActive(ctx context.Context) ([]string, error)
}

// StartAlertWorker runs one check immediately and then every interval until
// ctx is cancelled. The returned channel closes when the goroutine exits.
func StartAlertWorker(ctx context.Context, sender AlertSender, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Info().Dur("interval", interval).Msg("alert_worker: started")
		checkAlerts(ctx, sender)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("alert_worker: shutting down")
				return
			case <-ticker.C:
				checkAlerts(ctx, sender)
			}
		}
	}()
	return done
}

func checkAlerts(ctx context.Context, sender AlertSender) {
	sent, err := sender.DispatchActive(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("alert_worker: dispatch failed")
	}
	if len(sent) > 0 {
		log.Info().Strs("notification_types", sent).Msg("alert_worker: digests sent")
	}
}
