package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cafeiq/internal/dto"
	"cafeiq/internal/infra"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"
	"cafeiq/internal/units"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("cafeiq/internal/service")

// Enqueuer stores a deduction for asynchronous replay. Implemented by the
// deduction retry queue.
type Enqueuer interface {
	AddToQueue(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) (*model.DeductionQueueItem, error)
}

// InventoryService is the inventory consistency engine: it converts sold menu
// items into ingredient deductions and reverses them on cancellation.
type InventoryService interface {
	// DeductForOrder deducts every ingredient of the order in one transaction.
	// Either all ingredients are deducted or none is.
	DeductForOrder(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) (*dto.DeductionResult, error)
	// RestoreForOrder credits back what the ledger recorded as deducted for the
	// order, optionally narrowed to one menu item.
	RestoreForOrder(ctx context.Context, orderID uuid.UUID, menuItemID *uuid.UUID) (*dto.RestorationResult, error)
	// DeductOrDefer is the order-flow entry point: it never returns the
	// deduction error, it queues the order for retry instead.
	DeductOrDefer(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) *dto.DeferredDeduction
	ListAlerts(ctx context.Context) ([]dto.AlertResponse, error)
	ListTransactions(ctx context.Context, filter dto.TransactionFilter) ([]model.InventoryTransaction, int64, error)
	SetEnqueuer(q Enqueuer)
}

// InventoryOptions tunes recipe fallback and alert severity.
type InventoryOptions struct {
	FallbackEnabled    bool
	FallbackMenuItemID uuid.UUID
	// CriticalRatio: stock at or below reorder_level*CriticalRatio is critical.
	CriticalRatio decimal.Decimal
}

// InventoryDeps are the collaborators of the inventory service. Events,
// Dispatcher, Metrics and Now are optional.
type InventoryDeps struct {
	Ingredients repository.IngredientRepository
	Recipes     repository.RecipeRepository
	Ledger      repository.LedgerRepository
	Alerts      repository.AlertRepository
	Engine      *CustomizationEngine
	Events      infra.EventPublisher
	Dispatcher  *AlertDispatcher
	Metrics     *infra.Metrics
	Options     InventoryOptions
	Now         func() time.Time
}

type inventoryService struct {
	ingredients repository.IngredientRepository
	recipes     repository.RecipeRepository
	ledger      repository.LedgerRepository
	alerts      repository.AlertRepository
	engine      *CustomizationEngine
	events      infra.EventPublisher
	dispatcher  *AlertDispatcher
	metrics     *infra.Metrics
	opts        InventoryOptions
	now         func() time.Time
	queue       Enqueuer
}

func NewInventoryService(deps InventoryDeps) InventoryService {
	s := &inventoryService{
		ingredients: deps.Ingredients,
		recipes:     deps.Recipes,
		ledger:      deps.Ledger,
		alerts:      deps.Alerts,
		engine:      deps.Engine,
		events:      deps.Events,
		dispatcher:  deps.Dispatcher,
		metrics:     deps.Metrics,
		opts:        deps.Options,
		now:         deps.Now,
	}
	if s.engine == nil {
		s.engine = NewCustomizationEngine(nil)
	}
	if s.events == nil {
		s.events = infra.NopEventPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.opts.CriticalRatio.IsZero() {
		s.opts.CriticalRatio = decimal.RequireFromString("0.5")
	}
	return s
}

func (s *inventoryService) SetEnqueuer(q Enqueuer) { s.queue = q }

// runTx executes fn inside a GORM transaction when db is available,
// or calls fn(nil) directly when db is nil (unit test mode).
func runTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return fn(nil)
	}
	return db.WithContext(ctx).Transaction(fn)
}

// Severity classifies an ingredient at or below its reorder level.
func (s *inventoryService) severity(ing *model.Ingredient) string {
	if ing.ActualQuantity.LessThanOrEqual(ing.ReorderLevel.Mul(s.opts.CriticalRatio)) {
		return model.NotifyLowStockCritical
	}
	return model.NotifyLowStockLow
}

// requirement is what one order line needs from one ingredient, already in
// the ingredient's actual unit.
// QuantityPlaces is the scale of every stored quantity column, decimal(14,4).
// Requirements are rounded to it before they are verified or written so the
// receipt, the ledger, and later restorations all see the same amount.
const QuantityPlaces int32 = 4

type requirement struct {
	line       int
	menuItemID uuid.UUID
	ingredient uuid.UUID
	amount     decimal.Decimal
	optional   bool
}

// ── DeductForOrder ───────────────────────────────────────────────────────────
//   1. Resolve recipes (fallback recipe or warning when a menu item has none)
//   2. BEGIN TX: lock every involved ingredient FOR UPDATE, in id order
//   3. Compute each line's requirement (units + customizations), aggregate per ingredient
//   4. Verify all aggregates against stock: any shortfall aborts the order
//   5. Write the idempotency receipt, ledger rows, new quantities, alerts
//   6. COMMIT
//   7. (best-effort) publish inventory-updated, dispatch low-stock digests

func (s *inventoryService) DeductForOrder(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) (*dto.DeductionResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.DeductForOrder", trace.WithAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.Int("line_items", len(items)),
	))
	defer span.End()
	started := s.now()

	if err := validateOrder(orderID, items); err != nil {
		s.finishDeduction(span, "invalid", started, err)
		return nil, err
	}

	result := &dto.DeductionResult{OrderID: orderID}

	// 1. Recipes are read-only to the core; resolve them outside the transaction.
	lines, err := s.resolveRecipes(ctx, orderID, items, result)
	if err != nil {
		err = transient("resolve recipes", err)
		s.finishDeduction(span, "error", started, err)
		return nil, err
	}
	ids := involvedIngredients(items, lines)

	var createdAlert bool
	txErr := runTx(ctx, s.ingredients.DB(), func(tx *gorm.DB) error {
		// 2. Lock
		locked, err := s.ingredients.LockByIDsTx(tx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*model.Ingredient, len(locked))
		for i := range locked {
			byID[locked[i].ID] = &locked[i]
		}

		// 3. Compute
		reqs, err := s.computeRequirements(orderID, items, lines, byID, result)
		if err != nil {
			return err
		}

		// 4. Verify
		accepted, err := s.verify(reqs, byID, result)
		if err != nil {
			return err
		}

		// 5. Write
		claimed, err := s.ledger.ClaimOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrOrderAlreadyDeducted
		}

		running := make(map[uuid.UUID]decimal.Decimal, len(byID))
		for id, ing := range byID {
			running[id] = ing.ActualQuantity
		}
		at := s.now()
		for _, r := range accepted {
			prev := running[r.ingredient]
			next := prev.Sub(r.amount)
			oid, mid := orderID, r.menuItemID
			row := model.InventoryTransaction{
				IngredientID:           r.ingredient,
				TransactionType:        model.TxUsage,
				ActualAmount:           r.amount,
				PreviousActualQuantity: prev,
				NewActualQuantity:      next,
				OrderID:                &oid,
				MenuItemID:             &mid,
				Notes:                  fmt.Sprintf("order %s line %d", orderID, r.line+1),
				CreatedAt:              at,
			}
			if err := s.ledger.CreateTx(tx, &row); err != nil {
				return err
			}
			running[r.ingredient] = next
			result.Transactions = append(result.Transactions, row)
		}

		for _, id := range sortedKeys(running) {
			ing := byID[id]
			final := running[id]
			if final.Equal(ing.ActualQuantity) {
				continue
			}
			if err := s.ingredients.UpdateQuantityTx(tx, id, final); err != nil {
				return err
			}
			change := dto.StockChange{
				IngredientID:     id,
				Name:             ing.Name,
				Unit:             ing.ActualUnit,
				Amount:           ing.ActualQuantity.Sub(final),
				PreviousQuantity: ing.ActualQuantity,
				NewQuantity:      final,
			}
			ing.ActualQuantity = final
			if ing.AtOrBelowReorder() {
				change.LowStock = true
				alert, created, err := s.raiseAlertTx(tx, ing, at)
				if err != nil {
					return err
				}
				createdAlert = createdAlert || created
				result.Alerts = append(result.Alerts, *alert)
			}
			result.Changes = append(result.Changes, change)
		}
		return nil
	})
	if txErr != nil {
		outcome := "error"
		var ise *InsufficientStockError
		switch {
		case errors.As(txErr, &ise):
			outcome = "insufficient_stock"
			log.Warn().Str("order_id", orderID.String()).Str("ingredient_id", ise.IngredientID.String()).
				Str("required", ise.Required.String()).Str("available", ise.Available.String()).
				Msg("inventory: insufficient stock, order rolled back")
		case errors.Is(txErr, ErrOrderAlreadyDeducted):
			outcome = "duplicate"
			log.Info().Str("order_id", orderID.String()).Msg("inventory: order already deducted")
		default:
			log.Error().Err(txErr).Str("order_id", orderID.String()).Msg("inventory: deduction failed")
		}
		txErr = transient("deduct order", txErr)
		s.finishDeduction(span, outcome, started, txErr)
		return nil, txErr
	}

	result.Success = true
	s.finishDeduction(span, "committed", started, nil)
	log.Info().Str("order_id", orderID.String()).Int("transactions", len(result.Transactions)).
		Int("alerts", len(result.Alerts)).Int("warnings", len(result.Warnings)).
		Msg("inventory: order deducted")

	// 7. Side effects never undo the commit.
	s.afterCommit(ctx, orderID, "deduction", result.Changes)
	if createdAlert {
		for _, a := range result.Alerts {
			s.metrics.Alert(a.Severity, "raised")
		}
		s.dispatchAlerts(ctx)
	}
	return result, nil
}

func (s *inventoryService) finishDeduction(span trace.Span, outcome string, started time.Time, err error) {
	s.metrics.Deduction(outcome, s.now().Sub(started).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func validateOrder(orderID uuid.UUID, items model.OrderLineItems) error {
	if orderID == uuid.Nil {
		return fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: order has no line items", ErrInvalidOrder)
	}
	for i := range items {
		if err := dto.Validate(&items[i]); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrInvalidOrder, i+1, err)
		}
	}
	return nil
}

// resolveRecipes returns the recipe entries of each line, using the fallback
// recipe for menu items without mapping. Lines that stay unresolved get a nil
// slice and a warning.
func (s *inventoryService) resolveRecipes(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems, result *dto.DeductionResult) ([][]model.RecipeEntry, error) {
	seen := make(map[uuid.UUID]bool, len(items)+1)
	menuIDs := make([]uuid.UUID, 0, len(items)+1)
	for _, it := range items {
		if !seen[it.MenuItemID] {
			seen[it.MenuItemID] = true
			menuIDs = append(menuIDs, it.MenuItemID)
		}
	}
	if s.opts.FallbackEnabled && !seen[s.opts.FallbackMenuItemID] {
		menuIDs = append(menuIDs, s.opts.FallbackMenuItemID)
	}

	recipes, err := s.recipes.FindByMenuItemIDs(ctx, menuIDs)
	if err != nil {
		return nil, err
	}

	lines := make([][]model.RecipeEntry, len(items))
	for i, it := range items {
		entries := recipes[it.MenuItemID]
		if len(entries) > 0 {
			lines[i] = entries
			continue
		}
		mid := it.MenuItemID
		s.metrics.UnresolvedRecipe()
		if fb := recipes[s.opts.FallbackMenuItemID]; s.opts.FallbackEnabled && len(fb) > 0 {
			lines[i] = fb
			log.Warn().Str("order_id", orderID.String()).Str("menu_item_id", mid.String()).
				Msg("inventory: menu item has no recipe, deducting fallback recipe")
			result.Warnings = append(result.Warnings, dto.DeductionWarning{
				Code:       dto.WarnFallbackRecipe,
				MenuItemID: &mid,
				Detail:     (&UnresolvedRecipeError{MenuItemID: mid}).Error() + "; fallback recipe deducted",
			})
			continue
		}
		log.Warn().Str("order_id", orderID.String()).Str("menu_item_id", mid.String()).
			Msg("inventory: menu item has no recipe, line skipped")
		result.Warnings = append(result.Warnings, dto.DeductionWarning{
			Code:       dto.WarnUnresolvedRecipe,
			MenuItemID: &mid,
			Detail:     (&UnresolvedRecipeError{MenuItemID: mid}).Error(),
		})
	}
	return lines, nil
}

// involvedIngredients lists every ingredient the order may touch, sorted so
// that row locks are always taken in the same order.
func involvedIngredients(items model.OrderLineItems, lines [][]model.RecipeEntry) []uuid.UUID {
	set := make(map[uuid.UUID]struct{})
	for i, entries := range lines {
		for _, e := range entries {
			set[e.IngredientID] = struct{}{}
		}
		if c := items[i].Customizations; c != nil {
			for _, x := range c.Extras {
				set[x.IngredientID] = struct{}{}
			}
		}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// computeRequirements applies unit conversion and customizations to every
// (line, ingredient) pair. Extras for ingredients outside the recipe count
// from a zero base.
func (s *inventoryService) computeRequirements(
	orderID uuid.UUID,
	items model.OrderLineItems,
	lines [][]model.RecipeEntry,
	byID map[uuid.UUID]*model.Ingredient,
	result *dto.DeductionResult,
) ([]requirement, error) {
	var reqs []requirement
	for i, it := range items {
		var extras []model.Extra
		if it.Customizations != nil {
			extras = it.Customizations.Extras
		}
		inRecipe := make(map[uuid.UUID]bool, len(lines[i]))

		for _, entry := range lines[i] {
			ing, ok := byID[entry.IngredientID]
			if !ok {
				return nil, fmt.Errorf("recipe of menu item %s references unknown ingredient %s", it.MenuItemID, entry.IngredientID)
			}
			inRecipe[ing.ID] = true

			from := entry.Unit(ing.ActualUnit)
			base, err := units.Convert(entry.RequiredActualAmount, from, ing.ActualUnit)
			if err != nil {
				s.unconvertible(orderID, ing, from, err, "recipe", result)
			}
			total, warns := s.engine.ApplyRequirements(base, it.Quantity, ing, extras, s.engine.MultipliersFor(ing, it.Customizations))
			s.recordWarnings(orderID, extras, ing, warns, result)
			if total = total.Round(QuantityPlaces); total.IsPositive() {
				reqs = append(reqs, requirement{line: i, menuItemID: it.MenuItemID, ingredient: ing.ID, amount: total, optional: entry.IsOptional})
			}
		}

		for _, x := range extras {
			if inRecipe[x.IngredientID] {
				continue
			}
			ing, ok := byID[x.IngredientID]
			if !ok {
				iid := x.IngredientID
				mid := it.MenuItemID
				result.Warnings = append(result.Warnings, dto.DeductionWarning{
					Code: dto.WarnUnresolvedRecipe, MenuItemID: &mid, IngredientID: &iid,
					Detail: fmt.Sprintf("extra references unknown ingredient %s; skipped", iid),
				})
				continue
			}
			inRecipe[ing.ID] = true
			total, warns := s.engine.ApplyRequirements(decimal.Zero, it.Quantity, ing, extras, s.engine.MultipliersFor(ing, it.Customizations))
			s.recordWarnings(orderID, extras, ing, warns, result)
			if total = total.Round(QuantityPlaces); total.IsPositive() {
				reqs = append(reqs, requirement{line: i, menuItemID: it.MenuItemID, ingredient: ing.ID, amount: total})
			}
		}
	}
	return reqs, nil
}

func (s *inventoryService) recordWarnings(orderID uuid.UUID, extras []model.Extra, ing *model.Ingredient, warns []dto.DeductionWarning, result *dto.DeductionResult) {
	if len(warns) == 0 {
		return
	}
	for _, x := range extras {
		if x.IngredientID == ing.ID && !units.CanConvert(x.Unit, ing.ActualUnit) {
			s.metrics.Unconvertible(string(units.Normalize(x.Unit)), string(units.Normalize(ing.ActualUnit)))
		}
	}
	for _, w := range warns {
		log.Warn().Str("order_id", orderID.String()).Str("ingredient_id", ing.ID.String()).Msg("inventory: " + w.Detail)
	}
	result.Warnings = append(result.Warnings, warns...)
}

func (s *inventoryService) unconvertible(orderID uuid.UUID, ing *model.Ingredient, from string, err error, source string, result *dto.DeductionResult) {
	s.metrics.Unconvertible(string(units.Normalize(from)), string(units.Normalize(ing.ActualUnit)))
	w := unconvertibleWarning(ing, err, source)
	log.Warn().Str("order_id", orderID.String()).Str("ingredient_id", ing.ID.String()).
		Str("from", from).Str("to", ing.ActualUnit).Msg("inventory: unconvertible unit, amount used unchanged")
	result.Warnings = append(result.Warnings, w)
}

// verify checks mandatory requirements aggregated per ingredient, then admits
// optional ones while stock remains. Nothing is written here.
func (s *inventoryService) verify(reqs []requirement, byID map[uuid.UUID]*model.Ingredient, result *dto.DeductionResult) ([]requirement, error) {
	needed := make(map[uuid.UUID]decimal.Decimal)
	for _, r := range reqs {
		if !r.optional {
			needed[r.ingredient] = needed[r.ingredient].Add(r.amount)
		}
	}
	for _, id := range sortedKeys(needed) {
		ing := byID[id]
		if needed[id].GreaterThan(ing.ActualQuantity) {
			return nil, &InsufficientStockError{
				IngredientID: id,
				Ingredient:   ing.Name,
				Required:     needed[id],
				Available:    ing.ActualQuantity,
				Unit:         ing.ActualUnit,
			}
		}
	}

	accepted := make([]requirement, 0, len(reqs))
	for _, r := range reqs {
		if !r.optional {
			accepted = append(accepted, r)
			continue
		}
		ing := byID[r.ingredient]
		after := needed[r.ingredient].Add(r.amount)
		if after.GreaterThan(ing.ActualQuantity) {
			iid, mid := r.ingredient, r.menuItemID
			result.Warnings = append(result.Warnings, dto.DeductionWarning{
				Code: dto.WarnOptionalSkipped, MenuItemID: &mid, IngredientID: &iid,
				Detail: fmt.Sprintf("optional %s skipped: needs %s %s, %s left",
					ing.Name, r.amount.String(), ing.ActualUnit, ing.ActualQuantity.Sub(needed[r.ingredient]).String()),
			})
			continue
		}
		needed[r.ingredient] = after
		accepted = append(accepted, r)
	}
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].line < accepted[j].line })
	return accepted, nil
}

// raiseAlertTx creates the ingredient's active alert or refreshes the existing one.
func (s *inventoryService) raiseAlertTx(tx *gorm.DB, ing *model.Ingredient, at time.Time) (*model.LowStockAlert, bool, error) {
	existing, err := s.alerts.FindActiveTx(tx, ing.ID)
	if err != nil {
		return nil, false, err
	}
	severity := s.severity(ing)
	if existing != nil {
		existing.CurrentStock = ing.ActualQuantity
		existing.ReorderLevel = ing.ReorderLevel
		existing.Severity = severity
		if err := s.alerts.UpdateTx(tx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	alert := &model.LowStockAlert{
		IngredientID: ing.ID,
		CurrentStock: ing.ActualQuantity,
		ReorderLevel: ing.ReorderLevel,
		Severity:     severity,
		Status:       model.AlertActive,
		CreatedAt:    at,
	}
	if err := s.alerts.CreateTx(tx, alert); err != nil {
		return nil, false, err
	}
	log.Warn().Str("ingredient_id", ing.ID.String()).Str("ingredient", ing.Name).
		Str("current_stock", ing.ActualQuantity.String()).Str("severity", severity).
		Msg("inventory: low stock alert raised")
	return alert, true, nil
}

// ── RestoreForOrder ──────────────────────────────────────────────────────────
// Credits back sum(usage) - sum(restoration) per (ingredient, menu item) as
// recorded in the ledger. Amounts are never recomputed from recipes.

func (s *inventoryService) RestoreForOrder(ctx context.Context, orderID uuid.UUID, menuItemID *uuid.UUID) (*dto.RestorationResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.RestoreForOrder", trace.WithAttributes(
		attribute.String("order_id", orderID.String()),
	))
	defer span.End()

	if orderID == uuid.Nil {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}

	result := &dto.RestorationResult{OrderID: orderID}
	txErr := runTx(ctx, s.ingredients.DB(), func(tx *gorm.DB) error {
		rows, err := s.ledger.ListByOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		ids := ledgerIngredients(rows)
		if len(ids) == 0 {
			return ErrNothingToRestore
		}
		locked, err := s.ingredients.LockByIDsTx(tx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*model.Ingredient, len(locked))
		for i := range locked {
			byID[locked[i].ID] = &locked[i]
		}

		// Re-read under the locks: a concurrent restoration of the same order
		// has committed its rows by now.
		rows, err = s.ledger.ListByOrderTx(tx, orderID)
		if err != nil {
			return err
		}
		owed := outstanding(rows, menuItemID)
		if len(owed) == 0 {
			return ErrNothingToRestore
		}

		at := s.now()
		running := make(map[uuid.UUID]decimal.Decimal, len(byID))
		for _, o := range owed {
			ing, ok := byID[o.ingredient]
			if !ok {
				return fmt.Errorf("ledger references unknown ingredient %s", o.ingredient)
			}
			prev, seen := running[o.ingredient]
			if !seen {
				prev = ing.ActualQuantity
			}
			next := prev.Add(o.amount)
			oid, mid := orderID, o.menuItemID
			row := model.InventoryTransaction{
				IngredientID:           o.ingredient,
				TransactionType:        model.TxRestoration,
				ActualAmount:           o.amount,
				PreviousActualQuantity: prev,
				NewActualQuantity:      next,
				OrderID:                &oid,
				Notes:                  fmt.Sprintf("restore order %s", orderID),
				CreatedAt:              at,
			}
			if mid != uuid.Nil {
				row.MenuItemID = &mid
			}
			if err := s.ledger.CreateTx(tx, &row); err != nil {
				return err
			}
			running[o.ingredient] = next
			result.Restorations = append(result.Restorations, row)
		}

		for _, id := range sortedKeys(running) {
			ing := byID[id]
			final := running[id]
			if err := s.ingredients.UpdateQuantityTx(tx, id, final); err != nil {
				return err
			}
			change := dto.StockChange{
				IngredientID:     id,
				Name:             ing.Name,
				Unit:             ing.ActualUnit,
				Amount:           final.Sub(ing.ActualQuantity),
				PreviousQuantity: ing.ActualQuantity,
				NewQuantity:      final,
			}
			ing.ActualQuantity = final
			if ing.AtOrBelowReorder() {
				change.LowStock = true
				if _, _, err := s.raiseAlertTx(tx, ing, at); err != nil {
					return err
				}
			} else if err := s.alerts.ResolveTx(tx, id, at); err != nil {
				return err
			}
			result.Changes = append(result.Changes, change)
		}
		return nil
	})
	if txErr != nil {
		outcome := "error"
		if errors.Is(txErr, ErrNothingToRestore) {
			outcome = "nothing_to_restore"
		} else {
			log.Error().Err(txErr).Str("order_id", orderID.String()).Msg("inventory: restoration failed")
		}
		s.metrics.Restoration(outcome)
		txErr = transient("restore order", txErr)
		span.RecordError(txErr)
		span.SetStatus(codes.Error, txErr.Error())
		return nil, txErr
	}

	result.Success = true
	s.metrics.Restoration("committed")
	log.Info().Str("order_id", orderID.String()).Int("restorations", len(result.Restorations)).
		Msg("inventory: order restored")
	s.afterCommit(ctx, orderID, "restoration", result.Changes)
	return result, nil
}

type owedAmount struct {
	ingredient uuid.UUID
	menuItemID uuid.UUID
	amount     decimal.Decimal
}

// outstanding nets usage against restoration rows per (ingredient, menu item).
func outstanding(rows []model.InventoryTransaction, menuItemID *uuid.UUID) []owedAmount {
	type key struct{ ingredient, menuItem uuid.UUID }
	net := make(map[key]decimal.Decimal)
	var order []key
	for _, r := range rows {
		k := key{ingredient: r.IngredientID}
		if r.MenuItemID != nil {
			k.menuItem = *r.MenuItemID
		}
		if menuItemID != nil && k.menuItem != *menuItemID {
			continue
		}
		if _, ok := net[k]; !ok {
			order = append(order, k)
		}
		switch r.TransactionType {
		case model.TxUsage:
			net[k] = net[k].Add(r.ActualAmount)
		case model.TxRestoration:
			net[k] = net[k].Sub(r.ActualAmount)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].ingredient != order[j].ingredient {
			return order[i].ingredient.String() < order[j].ingredient.String()
		}
		return order[i].menuItem.String() < order[j].menuItem.String()
	})
	var out []owedAmount
	for _, k := range order {
		if net[k].IsPositive() {
			out = append(out, owedAmount{ingredient: k.ingredient, menuItemID: k.menuItem, amount: net[k]})
		}
	}
	return out
}

func ledgerIngredients(rows []model.InventoryTransaction) []uuid.UUID {
	set := make(map[uuid.UUID]struct{})
	for _, r := range rows {
		set[r.IngredientID] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// ── DeductOrDefer ────────────────────────────────────────────────────────────

func (s *inventoryService) DeductOrDefer(ctx context.Context, orderID uuid.UUID, items model.OrderLineItems) *dto.DeferredDeduction {
	out := &dto.DeferredDeduction{OrderID: orderID}

	res, err := s.DeductForOrder(ctx, orderID, items)
	switch {
	case err == nil:
		out.Deducted = true
		out.Result = res
		return out
	case errors.Is(err, ErrOrderAlreadyDeducted):
		out.Deducted = true
		out.Reason = err.Error()
		return out
	case errors.Is(err, ErrInvalidOrder):
		// A payload that fails validation would fail every replay too.
		out.Reason = err.Error()
		log.Error().Err(err).Str("order_id", orderID.String()).Msg("inventory: invalid order payload, not queued")
		return out
	}

	out.Reason = err.Error()
	if s.queue == nil {
		log.Error().Err(err).Str("order_id", orderID.String()).Msg("inventory: deduction failed and no retry queue is configured")
		return out
	}
	item, qerr := s.queue.AddToQueue(ctx, orderID, items)
	if qerr != nil {
		log.Error().Err(qerr).Str("order_id", orderID.String()).Msg("inventory: could not queue deduction for retry")
		return out
	}
	out.Queued = true
	out.QueueItemID = &item.ID
	log.Warn().Err(err).Str("order_id", orderID.String()).Str("queue_item_id", item.ID.String()).
		Msg("inventory: deduction deferred to retry queue")
	return out
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *inventoryService) ListAlerts(ctx context.Context) ([]dto.AlertResponse, error) {
	alerts, err := s.alerts.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]dto.AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		r := dto.AlertResponse{
			ID:           a.ID,
			IngredientID: a.IngredientID,
			CurrentStock: a.CurrentStock,
			ReorderLevel: a.ReorderLevel,
			Severity:     a.Severity,
			CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		}
		if a.Ingredient != nil {
			r.Ingredient = a.Ingredient.Name
			r.Unit = a.Ingredient.ActualUnit
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *inventoryService) ListTransactions(ctx context.Context, filter dto.TransactionFilter) ([]model.InventoryTransaction, int64, error) {
	return s.ledger.List(ctx, filter)
}

// ── Side effects ─────────────────────────────────────────────────────────────

func (s *inventoryService) afterCommit(ctx context.Context, orderID uuid.UUID, source string, changes []dto.StockChange) {
	if len(changes) == 0 {
		return
	}
	payload := map[string]interface{}{
		"order_id": orderID.String(),
		"source":   source,
		"changes":  changes,
	}
	if err := s.events.Publish(ctx, infra.EventInventoryUpdated, payload); err != nil {
		log.Warn().Err(err).Str("order_id", orderID.String()).Msg("inventory: publish inventory-updated failed")
	}
}

func (s *inventoryService) dispatchAlerts(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}
	if _, err := s.dispatcher.DispatchActive(ctx); err != nil {
		log.Warn().Err(err).Msg("inventory: low stock notification failed")
	}
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func sortedKeys(m map[uuid.UUID]decimal.Decimal) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}
