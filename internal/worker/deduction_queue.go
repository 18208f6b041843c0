package worker

// deduction_queue.go
// Durable retry queue for deductions that could not be confirmed inline.
// A single poller per process claims pending rows with FOR UPDATE SKIP LOCKED,
// replays the deduction and moves each row to completed, pending or failed.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cafeiq/internal/dto"
	"cafeiq/internal/infra"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"
	"cafeiq/internal/service"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

// DeductionQueueName names the queue in DLQ keys and logs.
const DeductionQueueName = "ingredient_deduction_queue"

// ErrQueueItemNotFailed is returned by RetryFailed for unknown or non-failed
// items, and for items whose order is already queued again.
var ErrQueueItemNotFailed = errors.New("deduction_queue: item not found, not failed, or order already queued")

var tracer = otel.Tracer("cafeiq/internal/worker")

// Deductor replays a deduction. Implemented by service.InventoryService.
type Deductor interface {
	DeductForOrder(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) (*dto.DeductionResult, error)
}

// QueueConfig holds the poller settings.
type QueueConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	StaleAfter      time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultQueueConfig polls every 10s, 10 items at a time, 3 attempts each.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxAttempts:     3,
		StaleAfter:      5 * time.Minute,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// DeductionQueue is the deduction retry queue and its poller.
type DeductionQueue struct {
	repo     repository.DeductionQueueRepository
	deductor Deductor
	notifier infra.Notifier
	rdb      *redis.Client
	metrics  *infra.Metrics
	cfg      QueueConfig
	now      func() time.Time

	processMu sync.Mutex // one ProcessQueue at a time per process

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// QueueDeps are the collaborators of the queue. Notifier, RDB, Metrics and
// Now are optional.
type QueueDeps struct {
	Repo     repository.DeductionQueueRepository
	Deductor Deductor
	Notifier infra.Notifier
	RDB      *redis.Client
	Metrics  *infra.Metrics
	Config   QueueConfig
	Now      func() time.Time
}

func NewDeductionQueue(deps QueueDeps) *DeductionQueue {
	def := DefaultQueueConfig()
	cfg := deps.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = infra.LogNotifier{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &DeductionQueue{
		repo:     deps.Repo,
		deductor: deps.Deductor,
		notifier: notifier,
		rdb:      deps.RDB,
		metrics:  deps.Metrics,
		cfg:      cfg,
		now:      now,
	}
}

// AddToQueue stores a deduction for replay. An order that already has a
// pending or processing item gets that item back instead of a duplicate.
func (q *DeductionQueue) AddToQueue(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) (*model.DeductionQueueItem, error) {
	if orderID == uuid.Nil || len(items) == 0 {
		return nil, fmt.Errorf("%w: order id and line items are required", service.ErrInvalidOrder)
	}
	existing, err := q.repo.FindOpenByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("deduction_queue: lookup open item: %w", err)
	}
	if existing != nil {
		log.Info().Str("order_id", orderID.String()).Str("queue_item_id", existing.ID.String()).
			Msg("deduction_queue: order already queued")
		return existing, nil
	}

	item := &model.DeductionQueueItem{
		OrderID:     orderID,
		Items:       datatypes.NewJSONType(items),
		Status:      model.QueuePending,
		Attempts:    0,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   q.now(),
	}
	created, err := q.repo.Create(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("deduction_queue: enqueue: %w", err)
	}
	if !created {
		// lost the race to a concurrent enqueue of the same order
		existing, err := q.repo.FindOpenByOrderID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("deduction_queue: lookup open item: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("deduction_queue: enqueue %s: open item vanished", orderID)
		}
		log.Info().Str("order_id", orderID.String()).Str("queue_item_id", existing.ID.String()).
			Msg("deduction_queue: order already queued")
		return existing, nil
	}
	q.metrics.Queue("enqueued", 1)
	log.Info().Str("order_id", orderID.String()).Str("queue_item_id", item.ID.String()).
		Msg("deduction_queue: item enqueued")
	return item, nil
}

// ProcessQueue runs one poll: stale items are recovered, then a batch of
// pending items is claimed and replayed.
func (q *DeductionQueue) ProcessQueue(ctx context.Context) (dto.ProcessSummary, error) {
	q.processMu.Lock()
	defer q.processMu.Unlock()

	var summary dto.ProcessSummary
	recovered, staleFailed, err := q.recoverStale(ctx)
	if err != nil {
		log.Error().Err(err).Msg("deduction_queue: stale recovery failed")
	}
	summary.Recovered = int(recovered)
	summary.Failed = staleFailed

	items, err := q.repo.ClaimPending(ctx, q.cfg.BatchSize, q.now())
	if err != nil {
		return summary, fmt.Errorf("deduction_queue: claim: %w", err)
	}
	summary.Claimed = len(items)
	if len(items) == 0 {
		return summary, nil
	}
	log.Info().Int("count", len(items)).Msg("deduction_queue: processing claimed items")

	for i := range items {
		switch q.processItem(ctx, &items[i]) {
		case model.QueueCompleted:
			summary.Completed++
		case model.QueuePending:
			summary.Retried++
		case model.QueueFailed:
			summary.Failed++
		}
	}
	q.metrics.Queue("completed", summary.Completed)
	q.metrics.Queue("retried", summary.Retried)
	q.metrics.Queue("failed", summary.Failed-staleFailed)
	return summary, nil
}

// processItem replays one claimed item and returns the status it moved to.
func (q *DeductionQueue) processItem(ctx context.Context, item *model.DeductionQueueItem) string {
	ctx, span := tracer.Start(ctx, "deduction_queue.processItem", trace.WithAttributes(
		attribute.String("order_id", item.OrderID.String()),
		attribute.String("queue_item_id", item.ID.String()),
		attribute.Int("attempts", item.Attempts),
	))
	defer span.End()

	logger := log.With().Str("order_id", item.OrderID.String()).Str("queue_item_id", item.ID.String()).
		Int("attempts", item.Attempts).Int("max_attempts", item.MaxAttempts).Logger()

	_, err := q.deductor.DeductForOrder(ctx, item.OrderID, item.LineItems())
	if err == nil || errors.Is(err, service.ErrOrderAlreadyDeducted) {
		if markErr := q.repo.MarkCompleted(ctx, item.ID, q.now()); markErr != nil {
			logger.Error().Err(markErr).Msg("deduction_queue: mark completed failed")
		}
		if err != nil {
			logger.Info().Msg("deduction_queue: order was already deducted, item completed")
		} else {
			logger.Info().Msg("deduction_queue: deduction completed")
		}
		span.SetAttributes(attribute.String("status", model.QueueCompleted))
		return model.QueueCompleted
	}

	span.RecordError(err)
	if item.Attempts < item.MaxAttempts && service.IsRetryable(err) {
		if markErr := q.repo.MarkRetry(ctx, item.ID, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("deduction_queue: mark retry failed")
		}
		logger.Warn().Err(err).Msg("deduction_queue: deduction failed, will retry")
		span.SetAttributes(attribute.String("status", model.QueuePending))
		return model.QueuePending
	}

	exhausted := &service.QueueExhaustedError{ItemID: item.ID, OrderID: item.OrderID, Attempts: item.Attempts, Last: err}
	if markErr := q.repo.MarkFailed(ctx, item.ID, err.Error(), q.now()); markErr != nil {
		logger.Error().Err(markErr).Msg("deduction_queue: mark failed failed")
	}
	logger.Error().Err(exhausted).Msg("deduction_queue: attempts exhausted, item failed")
	span.SetStatus(codes.Error, exhausted.Error())
	span.SetAttributes(attribute.String("status", model.QueueFailed))

	q.reportFailure(ctx, item, err.Error())
	return model.QueueFailed
}

// reportFailure dead-letters a failed item and notifies staff.
func (q *DeductionQueue) reportFailure(ctx context.Context, item *model.DeductionQueueItem, reason string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"queue_item_id": item.ID.String(),
		"order_id":      item.OrderID.String(),
		"items":         item.LineItems(),
	})
	SendToDLQ(ctx, q.rdb, DeductionQueueName, "deduction", payload, reason, item.Attempts)

	if nerr := q.notifier.Notify(ctx, model.NotifyDeductionFailed, map[string]interface{}{
		"order_id":      item.OrderID.String(),
		"queue_item_id": item.ID.String(),
		"attempts":      item.Attempts,
		"error":         reason,
	}); nerr != nil {
		q.metrics.Notification(model.NotifyDeductionFailed, "error")
		log.Warn().Err(nerr).Str("queue_item_id", item.ID.String()).
			Msg("deduction_queue: failure notification not delivered")
	} else {
		q.metrics.Notification(model.NotifyDeductionFailed, "sent")
	}
}

// Start recovers stale items and launches the poll and cleanup loops.
// Calling Start on a running queue is a no-op.
func (q *DeductionQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	if n, err := q.RecoverStale(ctx); err != nil {
		log.Error().Err(err).Msg("deduction_queue: startup recovery failed")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("deduction_queue: recovered stale items on startup")
	}

	go q.loop(ctx, q.done)
	log.Info().Dur("poll_interval", q.cfg.PollInterval).Int("batch_size", q.cfg.BatchSize).
		Msg("deduction_queue: started")
}

func (q *DeductionQueue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	poll := time.NewTicker(q.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(q.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("deduction_queue: shutting down")
			return
		case <-poll.C:
			if _, err := q.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("deduction_queue: poll failed")
			}
		case <-cleanup.C:
			if _, err := q.Cleanup(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("deduction_queue: cleanup failed")
			}
		}
	}
}

// Stop cancels the loops and waits for an in-flight poll to finish. Items
// left in processing are recovered by the next Start.
func (q *DeductionQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the poller is active.
func (q *DeductionQueue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// RetryFailed resets one failed item to pending with attempts=0.
func (q *DeductionQueue) RetryFailed(ctx context.Context, id uuid.UUID) error {
	n, err := q.repo.ResetFailed(ctx, id)
	if err != nil {
		return fmt.Errorf("deduction_queue: reset %s: %w", id, err)
	}
	if n == 0 {
		return ErrQueueItemNotFailed
	}
	log.Info().Str("queue_item_id", id.String()).Msg("deduction_queue: failed item reset for retry")
	return nil
}

// RetryAllFailed resets every failed item.
func (q *DeductionQueue) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetAllFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("deduction_queue: reset all: %w", err)
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("deduction_queue: failed items reset for retry")
	}
	return n, nil
}

// staleExhaustedReason is recorded on items whose last attempt never reported back.
const staleExhaustedReason = "processing stalled on the last attempt"

// RecoverStale returns items stuck in processing longer than StaleAfter to
// pending. Items that were on their last attempt are failed instead, so the
// attempt budget is never exceeded.
func (q *DeductionQueue) RecoverStale(ctx context.Context) (int64, error) {
	n, _, err := q.recoverStale(ctx)
	return n, err
}

func (q *DeductionQueue) recoverStale(ctx context.Context) (int64, int, error) {
	now := q.now()
	cutoff := now.Add(-q.cfg.StaleAfter)

	exhausted, err := q.repo.FailStaleExhausted(ctx, cutoff, staleExhaustedReason, now)
	if err != nil {
		return 0, 0, err
	}
	for i := range exhausted {
		item := &exhausted[i]
		log.Error().Str("order_id", item.OrderID.String()).Str("queue_item_id", item.ID.String()).
			Int("attempts", item.Attempts).Msg("deduction_queue: last attempt stalled, item failed")
		q.reportFailure(ctx, item, staleExhaustedReason)
	}
	q.metrics.Queue("failed", len(exhausted))

	n, err := q.repo.RecoverStale(ctx, cutoff)
	if err != nil {
		return 0, len(exhausted), err
	}
	q.metrics.Queue("recovered", int(n))
	return n, len(exhausted), nil
}

// Cleanup purges completed items older than the retention horizon.
func (q *DeductionQueue) Cleanup(ctx context.Context) (int64, error) {
	n, err := q.repo.PurgeCompleted(ctx, q.now().Add(-q.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.Queue("purged", int(n))
		log.Info().Int64("count", n).Msg("deduction_queue: purged completed items")
	}
	return n, nil
}

// Stats counts items per status plus the DLQ length.
func (q *DeductionQueue) Stats(ctx context.Context) (dto.QueueStats, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return dto.QueueStats{}, err
	}
	stats := dto.QueueStats{
		Pending:    counts[model.QueuePending],
		Processing: counts[model.QueueProcessing],
		Completed:  counts[model.QueueCompleted],
		Failed:     counts[model.QueueFailed],
	}
	if n, err := DLQLength(ctx, q.rdb, DeductionQueueName); err == nil {
		stats.DeadLettered = n
	}
	return stats, nil
}

// List returns a page of queue items, newest first.
func (q *DeductionQueue) List(ctx context.Context, filter dto.QueueFilter) (*dto.QueueListResponse, error) {
	items, total, err := q.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.DeductionQueueItem{}
	}
	return &dto.QueueListResponse{Data: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}
