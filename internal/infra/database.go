package infra

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase establishes a GORM connection backed by pgx and applies the
// idempotent schema statements below. The schema is owned by SQL, not by
// AutoMigrate, so that decimal precision, CHECK constraints and partial
// indexes are exactly what the inventory core relies on.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

// schema lists the DDL of the inventory core. Every statement is guarded by
// IF NOT EXISTS (or an existence check) so re-running is a no-op.
var schema = []struct{ descr, sql string }{
	{"extension pgcrypto", `CREATE EXTENSION IF NOT EXISTS pgcrypto`},

	{"table ingredients", `
CREATE TABLE IF NOT EXISTS ingredients (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name            TEXT NOT NULL UNIQUE,
    category        TEXT NOT NULL DEFAULT 'general',
    actual_unit     TEXT NOT NULL,
    actual_quantity DECIMAL(14,4) NOT NULL DEFAULT 0,
    reorder_level   DECIMAL(14,4) NOT NULL DEFAULT 0,
    is_available    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`},
	// stock never negative at any committed state
	{"check ingredients.actual_quantity >= 0", `
DO $$ BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_ingredients_actual_quantity_non_negative') THEN
    ALTER TABLE ingredients
      ADD CONSTRAINT chk_ingredients_actual_quantity_non_negative CHECK (actual_quantity >= 0);
  END IF;
END $$`},

	{"table menu_item_ingredients", `
CREATE TABLE IF NOT EXISTS menu_item_ingredients (
    id                     UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    menu_item_id           UUID NOT NULL,
    ingredient_id          UUID NOT NULL REFERENCES ingredients(id),
    required_actual_amount DECIMAL(14,4) NOT NULL CHECK (required_actual_amount >= 0),
    required_unit          TEXT,
    is_optional            BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (menu_item_id, ingredient_id)
)`},
	{"index menu_item_ingredients.menu_item_id",
		`CREATE INDEX IF NOT EXISTS idx_menu_item_ingredients_menu_item ON menu_item_ingredients (menu_item_id)`},

	{"table inventory_transactions", `
CREATE TABLE IF NOT EXISTS inventory_transactions (
    id                       UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    ingredient_id            UUID NOT NULL REFERENCES ingredients(id),
    transaction_type         VARCHAR(20) NOT NULL
                             CHECK (transaction_type IN ('usage','restoration','purchase','initial')),
    actual_amount            DECIMAL(14,4) NOT NULL CHECK (actual_amount >= 0),
    previous_actual_quantity DECIMAL(14,4) NOT NULL,
    new_actual_quantity      DECIMAL(14,4) NOT NULL,
    order_id                 UUID,
    menu_item_id             UUID,
    notes                    TEXT NOT NULL DEFAULT '',
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`},
	{"index inventory_transactions.order_id",
		`CREATE INDEX IF NOT EXISTS idx_inventory_transactions_order ON inventory_transactions (order_id) WHERE order_id IS NOT NULL`},
	{"index inventory_transactions.ingredient_id",
		`CREATE INDEX IF NOT EXISTS idx_inventory_transactions_ingredient ON inventory_transactions (ingredient_id, created_at DESC)`},

	// idempotency receipt: one row per deducted order
	{"table order_deductions", `
CREATE TABLE IF NOT EXISTS order_deductions (
    order_id   UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`},

	{"table ingredient_deduction_queue", `
CREATE TABLE IF NOT EXISTS ingredient_deduction_queue (
    id                    UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    order_id              UUID NOT NULL,
    items                 JSONB NOT NULL,
    status                VARCHAR(20) NOT NULL DEFAULT 'pending'
                          CHECK (status IN ('pending','processing','completed','failed')),
    attempts              INT NOT NULL DEFAULT 0,
    max_attempts          INT NOT NULL DEFAULT 3,
    error_message         TEXT,
    processing_started_at TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at          TIMESTAMPTZ,
    CHECK (attempts <= max_attempts)
)`},
	// partial index for the poller's claim query
	{"index ingredient_deduction_queue pending",
		`CREATE INDEX IF NOT EXISTS idx_deduction_queue_pending ON ingredient_deduction_queue (created_at) WHERE status = 'pending'`},
	{"index ingredient_deduction_queue.order_id",
		`CREATE INDEX IF NOT EXISTS idx_deduction_queue_order ON ingredient_deduction_queue (order_id)`},
	{"unique index ingredient_deduction_queue open order",
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_deduction_queue_open_order ON ingredient_deduction_queue (order_id) WHERE status IN ('pending', 'processing')`},

	{"table low_stock_alerts", `
CREATE TABLE IF NOT EXISTS low_stock_alerts (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    ingredient_id UUID NOT NULL REFERENCES ingredients(id),
    current_stock DECIMAL(14,4) NOT NULL,
    reorder_level DECIMAL(14,4) NOT NULL,
    severity      VARCHAR(30) NOT NULL,
    status        VARCHAR(20) NOT NULL DEFAULT 'active' CHECK (status IN ('active','resolved')),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at   TIMESTAMPTZ
)`},
	// at most one active alert per ingredient
	{"unique active alert per ingredient",
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_low_stock_alerts_active ON low_stock_alerts (ingredient_id) WHERE status = 'active'`},

	{"table notification_throttling", `
CREATE TABLE IF NOT EXISTS notification_throttling (
    notification_type VARCHAR(40) PRIMARY KEY,
    last_sent_at      TIMESTAMPTZ NOT NULL
)`},
}

// RunMigrations applies the schema. Used at startup and by integration tests.
func RunMigrations(db *gorm.DB) error {
	for _, s := range schema {
		if err := db.Exec(s.sql).Error; err != nil {
			return fmt.Errorf("schema %q: %w", s.descr, err)
		}
	}
	log.Debug().Int("statements", len(schema)).Msg("database: schema applied")
	return nil
}
