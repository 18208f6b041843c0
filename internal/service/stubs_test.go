package service_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cafeiq/internal/dto"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"
	"cafeiq/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ── In-memory IngredientRepository stub ──────────────────────────────────────

type stubIngredientRepo struct {
	ingredients map[uuid.UUID]*model.Ingredient
	locked      [][]uuid.UUID
	updateErr   error
}

func newStubIngredientRepo() *stubIngredientRepo {
	return &stubIngredientRepo{ingredients: make(map[uuid.UUID]*model.Ingredient)}
}

func (r *stubIngredientRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Ingredient, error) {
	ing, ok := r.ingredients[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	cp := *ing
	return &cp, nil
}

func (r *stubIngredientRepo) List(_ context.Context) ([]model.Ingredient, error) {
	out := make([]model.Ingredient, 0, len(r.ingredients))
	for _, ing := range r.ingredients {
		out = append(out, *ing)
	}
	return out, nil
}

// LockByIDsTx returns copies so that the service only changes stock through
// UpdateQuantityTx, like it would with real rows.
func (r *stubIngredientRepo) LockByIDsTx(_ *gorm.DB, ids []uuid.UUID) ([]model.Ingredient, error) {
	r.locked = append(r.locked, append([]uuid.UUID(nil), ids...))
	out := make([]model.Ingredient, 0, len(ids))
	for _, id := range ids {
		if ing, ok := r.ingredients[id]; ok {
			out = append(out, *ing)
		}
	}
	return out, nil
}

func (r *stubIngredientRepo) UpdateQuantityTx(_ *gorm.DB, id uuid.UUID, quantity decimal.Decimal) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	ing, ok := r.ingredients[id]
	if !ok {
		return errors.New("record not found")
	}
	ing.ActualQuantity = quantity
	return nil
}

// DB returns nil: runTx then calls the callback directly (unit test mode).
func (r *stubIngredientRepo) DB() *gorm.DB { return nil }

var _ repository.IngredientRepository = (*stubIngredientRepo)(nil)

// ── RecipeRepository stub ────────────────────────────────────────────────────

type stubRecipeRepo struct {
	recipes map[uuid.UUID][]model.RecipeEntry
	err     error
}

func newStubRecipeRepo() *stubRecipeRepo {
	return &stubRecipeRepo{recipes: make(map[uuid.UUID][]model.RecipeEntry)}
}

func (r *stubRecipeRepo) FindByMenuItemIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID][]model.RecipeEntry, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[uuid.UUID][]model.RecipeEntry)
	for _, id := range ids {
		if entries, ok := r.recipes[id]; ok {
			out[id] = entries
		}
	}
	return out, nil
}

var _ repository.RecipeRepository = (*stubRecipeRepo)(nil)

// ── LedgerRepository stub ────────────────────────────────────────────────────

type stubLedgerRepo struct {
	rows    []model.InventoryTransaction
	claimed map[uuid.UUID]bool
}

func newStubLedgerRepo() *stubLedgerRepo {
	return &stubLedgerRepo{claimed: make(map[uuid.UUID]bool)}
}

func (r *stubLedgerRepo) CreateTx(_ *gorm.DB, t *model.InventoryTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	r.rows = append(r.rows, *t)
	return nil
}

func (r *stubLedgerRepo) ListByOrderTx(_ *gorm.DB, orderID uuid.UUID) ([]model.InventoryTransaction, error) {
	var out []model.InventoryTransaction
	for _, row := range r.rows {
		if row.OrderID != nil && *row.OrderID == orderID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *stubLedgerRepo) List(_ context.Context, filter dto.TransactionFilter) ([]model.InventoryTransaction, int64, error) {
	var out []model.InventoryTransaction
	for _, row := range r.rows {
		if filter.Type != "" && row.TransactionType != filter.Type {
			continue
		}
		out = append(out, row)
	}
	return out, int64(len(out)), nil
}

func (r *stubLedgerRepo) ClaimOrderTx(_ *gorm.DB, orderID uuid.UUID) (bool, error) {
	if r.claimed[orderID] {
		return false, nil
	}
	r.claimed[orderID] = true
	return true, nil
}

func (r *stubLedgerRepo) byType(txType string) []model.InventoryTransaction {
	var out []model.InventoryTransaction
	for _, row := range r.rows {
		if row.TransactionType == txType {
			out = append(out, row)
		}
	}
	return out
}

var _ repository.LedgerRepository = (*stubLedgerRepo)(nil)

// ── AlertRepository stub ─────────────────────────────────────────────────────

type stubAlertRepo struct {
	alerts      []*model.LowStockAlert
	ingredients *stubIngredientRepo
}

func newStubAlertRepo(ingredients *stubIngredientRepo) *stubAlertRepo {
	return &stubAlertRepo{ingredients: ingredients}
}

func (r *stubAlertRepo) FindActiveTx(_ *gorm.DB, ingredientID uuid.UUID) (*model.LowStockAlert, error) {
	for _, a := range r.alerts {
		if a.IngredientID == ingredientID && a.Status == model.AlertActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *stubAlertRepo) CreateTx(_ *gorm.DB, a *model.LowStockAlert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	r.alerts = append(r.alerts, &cp)
	return nil
}

func (r *stubAlertRepo) UpdateTx(_ *gorm.DB, a *model.LowStockAlert) error {
	for _, existing := range r.alerts {
		if existing.ID == a.ID {
			existing.CurrentStock = a.CurrentStock
			existing.ReorderLevel = a.ReorderLevel
			existing.Severity = a.Severity
			return nil
		}
	}
	return errors.New("record not found")
}

func (r *stubAlertRepo) ResolveTx(_ *gorm.DB, ingredientID uuid.UUID, at time.Time) error {
	for _, a := range r.alerts {
		if a.IngredientID == ingredientID && a.Status == model.AlertActive {
			a.Status = model.AlertResolved
			resolved := at
			a.ResolvedAt = &resolved
		}
	}
	return nil
}

func (r *stubAlertRepo) ListActive(_ context.Context) ([]model.LowStockAlert, error) {
	var out []model.LowStockAlert
	for _, a := range r.alerts {
		if a.Status != model.AlertActive {
			continue
		}
		cp := *a
		if r.ingredients != nil {
			if ing, ok := r.ingredients.ingredients[a.IngredientID]; ok {
				cp.Ingredient = ing
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *stubAlertRepo) active() []*model.LowStockAlert {
	var out []*model.LowStockAlert
	for _, a := range r.alerts {
		if a.Status == model.AlertActive {
			out = append(out, a)
		}
	}
	return out
}

var _ repository.AlertRepository = (*stubAlertRepo)(nil)

// ── ThrottleRepository stub ──────────────────────────────────────────────────

type stubThrottleRepo struct {
	mu      sync.Mutex
	records map[string]time.Time
}

func newStubThrottleRepo() *stubThrottleRepo {
	return &stubThrottleRepo{records: make(map[string]time.Time)}
}

func (r *stubThrottleRepo) Find(_ context.Context, kind string) (*model.NotificationThrottle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.records[kind]
	if !ok {
		return nil, nil
	}
	return &model.NotificationThrottle{NotificationType: kind, LastSentAt: at}, nil
}

func (r *stubThrottleRepo) Upsert(_ context.Context, kind string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[kind] = sentAt
	return nil
}

func (r *stubThrottleRepo) Claim(_ context.Context, kind string, sentAt, notAfter time.Time) (bool, *time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.records[kind]
	if !ok {
		r.records[kind] = sentAt
		return true, nil, nil
	}
	if last.After(notAfter) {
		return false, nil, nil
	}
	r.records[kind] = sentAt
	return true, &last, nil
}

func (r *stubThrottleRepo) Release(_ context.Context, kind string, sentAt time.Time, previous *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.records[kind]; !ok || !last.Equal(sentAt) {
		return nil
	}
	if previous == nil {
		delete(r.records, kind)
		return nil
	}
	r.records[kind] = *previous
	return nil
}

var _ repository.ThrottleRepository = (*stubThrottleRepo)(nil)

// ── Sinks ────────────────────────────────────────────────────────────────────

type sentNotification struct {
	kind    string
	payload map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, kind string, payload map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotification{kind: kind, payload: payload})
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	sort.Strings(out)
	return out
}

type recordingPublisher struct {
	events []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event string, _ interface{}) error {
	p.events = append(p.events, event)
	return p.err
}

type stubEnqueuer struct {
	queued []uuid.UUID
	err    error
}

func (q *stubEnqueuer) AddToQueue(_ context.Context, orderID uuid.UUID, items model.OrderLineItems) (*model.DeductionQueueItem, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.queued = append(q.queued, orderID)
	return &model.DeductionQueueItem{ID: uuid.New(), OrderID: orderID, Status: model.QueuePending}, nil
}

var _ service.Enqueuer = (*stubEnqueuer)(nil)

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	ingredients *stubIngredientRepo
	recipes     *stubRecipeRepo
	ledger      *stubLedgerRepo
	alerts      *stubAlertRepo
	events      *recordingPublisher
	notifier    *recordingNotifier
	queue       *stubEnqueuer
	opts        service.InventoryOptions
	svc         service.InventoryService
}

func newFixture() *fixture {
	f := &fixture{
		ingredients: newStubIngredientRepo(),
		recipes:     newStubRecipeRepo(),
		ledger:      newStubLedgerRepo(),
		events:      &recordingPublisher{},
		notifier:    &recordingNotifier{},
		queue:       &stubEnqueuer{},
	}
	f.alerts = newStubAlertRepo(f.ingredients)
	return f
}

// build constructs the service; call after adjusting f.opts.
func (f *fixture) build() service.InventoryService {
	// inside the 08:00 Manila window so low-stock digests are not throttled
	now := func() time.Time { return time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC) }
	throttle := service.NewAlertThrottle(newStubThrottleRepo(), service.DefaultThrottleConfig(), now)
	f.svc = service.NewInventoryService(service.InventoryDeps{
		Ingredients: f.ingredients,
		Recipes:     f.recipes,
		Ledger:      f.ledger,
		Alerts:      f.alerts,
		Events:      f.events,
		Dispatcher:  service.NewAlertDispatcher(f.alerts, throttle, f.notifier, nil),
		Options:     f.opts,
		Now:         now,
	})
	f.svc.SetEnqueuer(f.queue)
	return f.svc
}

func (f *fixture) addIngredient(name, category, unit, qty, reorder string) *model.Ingredient {
	ing := &model.Ingredient{
		ID:             uuid.New(),
		Name:           name,
		Category:       category,
		ActualUnit:     unit,
		ActualQuantity: decimal.RequireFromString(qty),
		ReorderLevel:   decimal.RequireFromString(reorder),
		IsAvailable:    true,
	}
	f.ingredients.ingredients[ing.ID] = ing
	return ing
}

func (f *fixture) addRecipe(menuItemID uuid.UUID, ing *model.Ingredient, amount, unit string, optional bool) {
	entry := model.RecipeEntry{
		ID:                   uuid.New(),
		MenuItemID:           menuItemID,
		IngredientID:         ing.ID,
		RequiredActualAmount: decimal.RequireFromString(amount),
		IsOptional:           optional,
	}
	if unit != "" {
		u := unit
		entry.RequiredUnit = &u
	}
	f.recipes.recipes[menuItemID] = append(f.recipes.recipes[menuItemID], entry)
}

func (f *fixture) stock(ing *model.Ingredient) string {
	return f.ingredients.ingredients[ing.ID].ActualQuantity.String()
}

func line(menuItemID uuid.UUID, qty int) model.OrderLineItem {
	return model.OrderLineItem{MenuItemID: menuItemID, Quantity: qty}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
