package worker

// email_worker.go
// Processes notification jobs from QueueNotification and delivers them to
// staff through the configured sink (SMTP behind a circuit breaker).

import (
	"context"
	"encoding/json"
	"fmt"

	"cafeiq/internal/infra"

	"github.com/rs/zerolog/log"
)

// EmailWorker processes notification jobs from QueueNotification.
type EmailWorker struct {
	notifier infra.Notifier
}

// NewEmailWorker creates an EmailWorker delivering through notifier.
func NewEmailWorker(notifier infra.Notifier) *EmailWorker {
	return &EmailWorker{notifier: notifier}
}

// Process decodes a NotificationJob and hands it to the sink.
func (w *EmailWorker) Process(ctx context.Context, raw json.RawMessage) error {
	var job NotificationJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("email_worker: invalid payload: %w", err)
	}
	if job.Kind == "" {
		log.Warn().Msg("email_worker: notification without kind: skipping")
		return nil
	}

	if err := w.notifier.Notify(ctx, job.Kind, job.Payload); err != nil {
		return fmt.Errorf("email_worker: deliver %s: %w", job.Kind, err)
	}
	log.Info().Str("notification_type", job.Kind).Msg("email_worker: notification delivered")
	return nil
}
