//go:build integration

package router_test

// End-to-end tests of the inventory core against real Postgres and Redis
// via testcontainers.
// Run with: go test -tags integration ./internal/router/... -v

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cafeiq/internal/config"
	"cafeiq/internal/dto"
	"cafeiq/internal/infra"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"
	"cafeiq/internal/router"
	"cafeiq/internal/service"
	"cafeiq/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func do(t *testing.T, srv *httptest.Server, method, path string, body *bytes.Buffer) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func order(menuItemID uuid.UUID, qty int) map[string]any {
	return map[string]any{"items": []map[string]any{{"menu_item_id": menuItemID, "quantity": qty}}}
}

// ── Test Suite Setup ─────────────────────────────────────────────────────────

type testEnv struct {
	server *httptest.Server
	db     *gorm.DB
	rdb    *redis.Client
	queue  *worker.DeductionQueue
	repo   repository.DeductionQueueRepository
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcPostgres.WithDatabase("cafeiq_test"),
		tcPostgres.WithUsername("cafeiq"),
		tcPostgres.WithPassword("cafeiq"),
		tcPostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	rdC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	rdURL, err := rdC.ConnectionString(ctx)
	require.NoError(t, err)

	cfg := &config.Config{
		Port:                 8000,
		Env:                  "test",
		DatabaseURL:          pgURL,
		RedisURL:             rdURL,
		EventChannelPrefix:   "cafeiq:",
		WorkerPoolSize:       2,
		QueuePollInterval:    time.Hour,
		QueueBatchSize:       10,
		QueueMaxAttempts:     3,
		QueueStaleAfter:      5 * time.Minute,
		QueueRetention:       time.Hour,
		QueueCleanupInterval: time.Hour,
	}

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	require.NoError(t, err)
	rdb, err := infra.NewRedis(cfg.RedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	metrics := infra.NewMetrics(prometheus.NewRegistry())
	notifier := infra.LogNotifier{}
	alertRepo := repository.NewAlertRepository(db)
	throttle := service.NewAlertThrottle(repository.NewThrottleRepository(db), service.DefaultThrottleConfig(), nil)

	inventorySvc := service.NewInventoryService(service.InventoryDeps{
		Ingredients: repository.NewIngredientRepository(db),
		Recipes:     repository.NewRecipeRepository(db),
		Ledger:      repository.NewLedgerRepository(db),
		Alerts:      alertRepo,
		Engine:      service.NewCustomizationEngine(service.DefaultRuleSet()),
		Events:      infra.NewRedisEventPublisher(rdb, cfg.EventChannelPrefix),
		Dispatcher:  service.NewAlertDispatcher(alertRepo, throttle, notifier, metrics),
		Metrics:     metrics,
		Options:     service.InventoryOptions{CriticalRatio: decimal.NewFromFloat(0.5)},
	})

	queueRepo := repository.NewDeductionQueueRepository(db)
	queue := worker.NewDeductionQueue(worker.QueueDeps{
		Repo:     queueRepo,
		Deductor: inventorySvc,
		Notifier: notifier,
		RDB:      rdb,
		Metrics:  metrics,
		Config: worker.QueueConfig{
			PollInterval:    cfg.QueuePollInterval,
			BatchSize:       cfg.QueueBatchSize,
			MaxAttempts:     cfg.QueueMaxAttempts,
			StaleAfter:      cfg.QueueStaleAfter,
			Retention:       cfg.QueueRetention,
			CleanupInterval: cfg.QueueCleanupInterval,
		},
	})
	inventorySvc.SetEnqueuer(queue)

	poolCtx, cancel := context.WithCancel(ctx)
	pool := worker.StartWorkerPool(poolCtx, rdb, cfg.WorkerPoolSize, map[string]worker.JobHandler{
		worker.QueueOrderReady: worker.NewOrderReadyWorker(inventorySvc),
	})
	t.Cleanup(func() { cancel(); pool.Wait() })

	engine := router.New(cfg, router.Deps{
		DB:         db,
		RDB:        rdb,
		Inventory:  inventorySvc,
		Queue:      queue,
		Poller:     queue,
		Dispatcher: worker.NewDispatcher(rdb),
	})
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, db: db, rdb: rdb, queue: queue, repo: queueRepo}
}

type seededMenu struct {
	latte uuid.UUID
	milk  uuid.UUID
	beans uuid.UUID
}

// seedLatte creates milk and beans plus a latte using 100 ml milk and 18 g beans.
func seedLatte(t *testing.T, db *gorm.DB, milkML int64) seededMenu {
	t.Helper()
	suffix := uuid.NewString()[:8]
	milk := model.Ingredient{Name: "Whole Milk " + suffix, Category: "dairy", ActualUnit: "ml",
		ActualQuantity: decimal.NewFromInt(milkML), ReorderLevel: decimal.NewFromInt(200), IsAvailable: true}
	beans := model.Ingredient{Name: "Espresso Beans " + suffix, Category: "coffee", ActualUnit: "g",
		ActualQuantity: decimal.NewFromInt(5000), ReorderLevel: decimal.NewFromInt(500), IsAvailable: true}
	require.NoError(t, db.Create(&milk).Error)
	require.NoError(t, db.Create(&beans).Error)

	latte := uuid.New()
	require.NoError(t, db.Create(&[]model.RecipeEntry{
		{MenuItemID: latte, IngredientID: milk.ID, RequiredActualAmount: decimal.NewFromInt(100)},
		{MenuItemID: latte, IngredientID: beans.ID, RequiredActualAmount: decimal.NewFromInt(18)},
	}).Error)
	return seededMenu{latte: latte, milk: milk.ID, beans: beans.ID}
}

func stockOf(t *testing.T, db *gorm.DB, id uuid.UUID) decimal.Decimal {
	t.Helper()
	var ing model.Ingredient
	require.NoError(t, db.First(&ing, "id = ?", id).Error)
	return ing.ActualQuantity
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestIntegration_DeductRestoreCycle(t *testing.T) {
	env := setupTestEnv(t)
	menu := seedLatte(t, env.db, 1000)
	orderID := uuid.New()

	sub := env.rdb.Subscribe(context.Background(), "cafeiq:"+infra.EventInventoryUpdated)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	resp := do(t, env.server, http.MethodPost, "/v1/orders/"+orderID.String()+"/deduct", jsonBody(t, order(menu.latte, 2)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res dto.DeductionResult
	decodeJSON(t, resp, &res)
	assert.True(t, res.Success)
	assert.Len(t, res.Transactions, 2)

	assert.True(t, stockOf(t, env.db, menu.milk).Equal(decimal.NewFromInt(800)))
	assert.True(t, stockOf(t, env.db, menu.beans).Equal(decimal.NewFromInt(4964)))

	select {
	case msg := <-sub.Channel():
		var ev infra.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, infra.EventInventoryUpdated, ev.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("no inventory-updated event received")
	}

	// idempotent replay
	resp = do(t, env.server, http.MethodPost, "/v1/orders/"+orderID.String()+"/deduct", jsonBody(t, order(menu.latte, 2)))
	var apiErr map[string]any
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_deducted", apiErr["code"])
	assert.True(t, stockOf(t, env.db, menu.milk).Equal(decimal.NewFromInt(800)))

	resp = do(t, env.server, http.MethodPost, "/v1/orders/"+orderID.String()+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, stockOf(t, env.db, menu.milk).Equal(decimal.NewFromInt(1000)))
	assert.True(t, stockOf(t, env.db, menu.beans).Equal(decimal.NewFromInt(5000)))

	resp = do(t, env.server, http.MethodPost, "/v1/orders/"+orderID.String()+"/restore", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestIntegration_ConcurrentDeductionsNeverOversell(t *testing.T) {
	env := setupTestEnv(t)
	menu := seedLatte(t, env.db, 500)

	const orders = 10
	codes := make([]int, orders)
	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := do(t, env.server, http.MethodPost, "/v1/orders/"+uuid.NewString()+"/deduct", jsonBody(t, order(menu.latte, 1)))
			codes[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	ok, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, conflict)
	assert.True(t, stockOf(t, env.db, menu.milk).IsZero())

	var usage int64
	require.NoError(t, env.db.Model(&model.InventoryTransaction{}).
		Where("ingredient_id = ? AND transaction_type = ?", menu.milk, model.TxUsage).Count(&usage).Error)
	assert.EqualValues(t, 5, usage)

	var alerts int64
	require.NoError(t, env.db.Model(&model.LowStockAlert{}).
		Where("ingredient_id = ? AND status = 'active'", menu.milk).Count(&alerts).Error)
	assert.EqualValues(t, 1, alerts)
}

func TestIntegration_DeferredOrderReplaysAfterRestock(t *testing.T) {
	env := setupTestEnv(t)
	menu := seedLatte(t, env.db, 50)
	orderID := uuid.New()

	resp := do(t, env.server, http.MethodPost, "/v1/orders/"+orderID.String()+"/deduct?mode=defer", jsonBody(t, order(menu.latte, 1)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var deferred dto.DeferredDeduction
	decodeJSON(t, resp, &deferred)
	require.True(t, deferred.Queued)
	require.NotNil(t, deferred.QueueItemID)

	require.NoError(t, env.db.Model(&model.Ingredient{}).Where("id = ?", menu.milk).
		Update("actual_quantity", decimal.NewFromInt(1000)).Error)

	resp = do(t, env.server, http.MethodPost, "/v1/deduction-queue/process", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary dto.ProcessSummary
	decodeJSON(t, resp, &summary)
	assert.Equal(t, 1, summary.Completed)

	item, err := env.repo.FindByID(context.Background(), *deferred.QueueItemID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCompleted, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.True(t, stockOf(t, env.db, menu.milk).Equal(decimal.NewFromInt(900)))
}

func TestIntegration_AsyncOrderReadyJob(t *testing.T) {
	env := setupTestEnv(t)
	menu := seedLatte(t, env.db, 1000)
	orderID := uuid.New()

	resp := do(t, env.server, http.MethodPost, "/v1/orders/"+orderID.String()+"/deduct?mode=async", jsonBody(t, order(menu.latte, 3)))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return stockOf(t, env.db, menu.milk).Equal(decimal.NewFromInt(700))
	}, 10*time.Second, 100*time.Millisecond)
}

func TestIntegration_ClaimPendingSkipsLockedRows(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	items := model.OrderLineItems{{MenuItemID: uuid.New(), Quantity: 1}}

	for i := 0; i < 6; i++ {
		created, err := env.repo.Create(ctx, &model.DeductionQueueItem{
			OrderID: uuid.New(), Items: datatypes.NewJSONType(items),
			Status: model.QueuePending, MaxAttempts: 3, CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		require.True(t, created)
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := env.repo.ClaimPending(ctx, 6, time.Now().UTC())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, it := range claimed {
				seen[it.ID]++
				assert.Equal(t, model.QueueProcessing, it.Status)
				assert.Equal(t, 1, it.Attempts)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestIntegration_ConcurrentEnqueueKeepsOneOpenItem(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	orderID := uuid.New()
	items := model.OrderLineItems{{MenuItemID: uuid.New(), Quantity: 1}}

	const callers = 8
	ids := make(chan uuid.UUID, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			item, err := env.queue.AddToQueue(ctx, orderID, items)
			if assert.NoError(t, err) {
				ids <- item.ID
			}
		}()
	}
	close(start)
	wg.Wait()
	close(ids)

	var first uuid.UUID
	for id := range ids {
		if first == uuid.Nil {
			first = id
		}
		assert.Equal(t, first, id)
	}

	var open int64
	require.NoError(t, env.db.Model(&model.DeductionQueueItem{}).
		Where("order_id = ? AND status IN ?", orderID, []string{model.QueuePending, model.QueueProcessing}).
		Count(&open).Error)
	assert.EqualValues(t, 1, open)

	// a failed item of the same order cannot be reset while another is open
	failed, err := env.repo.Create(ctx, &model.DeductionQueueItem{
		OrderID: orderID, Items: datatypes.NewJSONType(items),
		Status: model.QueueFailed, MaxAttempts: 3, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, failed)
	n, err := env.repo.ResetAllFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntegration_StaleLastAttemptIsFailed(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	items := model.OrderLineItems{{MenuItemID: uuid.New(), Quantity: 1}}
	claimed := time.Now().UTC().Add(-time.Hour)

	exhausted := &model.DeductionQueueItem{
		OrderID: uuid.New(), Items: datatypes.NewJSONType(items), Status: model.QueueProcessing,
		Attempts: 3, MaxAttempts: 3, ProcessingStartedAt: &claimed, CreatedAt: claimed,
	}
	retryable := &model.DeductionQueueItem{
		OrderID: uuid.New(), Items: datatypes.NewJSONType(items), Status: model.QueueProcessing,
		Attempts: 2, MaxAttempts: 3, ProcessingStartedAt: &claimed, CreatedAt: claimed,
	}
	for _, it := range []*model.DeductionQueueItem{exhausted, retryable} {
		_, err := env.repo.Create(ctx, it)
		require.NoError(t, err)
	}

	cutoff := time.Now().UTC().Add(-time.Minute)
	failed, err := env.repo.FailStaleExhausted(ctx, cutoff, "stalled", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, exhausted.ID, failed[0].ID)

	n, err := env.repo.RecoverStale(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := env.repo.FindByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotNil(t, got.ProcessedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "stalled", *got.ErrorMessage)

	got, err = env.repo.FindByID(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, got.Status)
}

func TestIntegration_ThrottleClaimIsExclusive(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	repo := repository.NewThrottleRepository(env.db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	notAfter := now.Add(-24 * time.Hour)

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := repo.Claim(ctx, model.NotifyLowStockCritical, now, notAfter)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)

	// releasing a first-ever send clears the row
	require.NoError(t, repo.Release(ctx, model.NotifyLowStockCritical, now, nil))
	last, err := repo.Find(ctx, model.NotifyLowStockCritical)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestIntegration_Health(t *testing.T) {
	env := setupTestEnv(t)
	resp := do(t, env.server, http.MethodGet, "/health", nil)
	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", body["db"])
	assert.Equal(t, "connected", body["redis"])
}
