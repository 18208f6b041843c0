package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"cafeiq/internal/dto"
	"cafeiq/internal/service"

	"github.com/rs/zerolog/log"
)

// OrderReadyWorker consumes order-completion events from QueueOrderReady.
// The payload is validated once here; from then on it travels typed.
type OrderReadyWorker struct {
	inventory service.InventoryService
}

func NewOrderReadyWorker(inventory service.InventoryService) *OrderReadyWorker {
	return &OrderReadyWorker{inventory: inventory}
}

// Process deducts the order or defers it to the retry queue. Deduction
// failures are not job failures: the retry queue owns them.
func (w *OrderReadyWorker) Process(ctx context.Context, raw json.RawMessage) error {
	var job dto.OrderReadyJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("order_worker: invalid payload: %w", err)
	}
	if err := dto.Validate(&job); err != nil {
		return fmt.Errorf("order_worker: %w: %v", service.ErrInvalidOrder, err)
	}

	res := w.inventory.DeductOrDefer(ctx, job.OrderID, job.Items)
	log.Info().
		Str("order_id", job.OrderID.String()).
		Bool("deducted", res.Deducted).
		Bool("queued", res.Queued).
		Str("reason", res.Reason).
		Msg("order_worker: order processed")
	return nil
}
