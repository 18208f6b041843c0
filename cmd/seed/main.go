// cmd/seed/main.go: loads a demo café catalogue: ingredients with opening
// stock, a few recipes and the fallback recipe. Safe to re-run.
// Usage: go run ./cmd/seed
package main

import (
	"os"
	"time"

	"cafeiq/internal/config"
	"cafeiq/internal/infra"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedIngredient struct {
	name, category, unit string
	stock, reorder       string
}

type seedRecipe struct {
	ingredient string
	amount     string
	unit       string
	optional   bool
}

var ingredients = []seedIngredient{
	{"Espresso Beans", "coffee", "g", "5000", "1000"},
	{"Whole Milk", "dairy", "ml", "20000", "4000"},
	{"White Sugar", "sweetener", "g", "3000", "500"},
	{"Vanilla Syrup", "syrup", "ml", "1500", "300"},
	{"Paper Cup", "packaging", "pcs", "500", "100"},
	{"Cocoa Powder", "chocolate", "g", "2000", "400"},
}

var (
	menuEspresso = uuid.MustParse("11111111-1111-1111-1111-000000000001")
	menuLatte    = uuid.MustParse("11111111-1111-1111-1111-000000000002")
	menuMocha    = uuid.MustParse("11111111-1111-1111-1111-000000000003")
)

func recipes(fallback uuid.UUID) map[uuid.UUID][]seedRecipe {
	return map[uuid.UUID][]seedRecipe{
		menuEspresso: {
			{"Espresso Beans", "18", "g", false},
			{"Paper Cup", "1", "pcs", false},
			{"White Sugar", "5", "g", true},
		},
		menuLatte: {
			{"Espresso Beans", "18", "g", false},
			{"Whole Milk", "0.2", "l", false},
			{"Vanilla Syrup", "10", "ml", true},
			{"Paper Cup", "1", "pcs", false},
		},
		menuMocha: {
			{"Espresso Beans", "18", "g", false},
			{"Whole Milk", "180", "ml", false},
			{"Cocoa Powder", "15", "g", false},
			{"Paper Cup", "1", "pcs", false},
		},
		// used for menu items that have no recipe of their own
		fallback: {
			{"Paper Cup", "1", "pcs", false},
		},
	}
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("seed: load config")
	}
	fallback, err := uuid.Parse(cfg.RecipeFallbackMenuItemID)
	if err != nil {
		log.Fatal().Err(err).Msg("seed: invalid RECIPE_FALLBACK_MENU_ITEM_ID")
	}

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("seed: connect to postgres")
	}
	ledger := repository.NewLedgerRepository(db)

	err = db.Transaction(func(tx *gorm.DB) error {
		byName := make(map[string]uuid.UUID, len(ingredients))
		for _, si := range ingredients {
			id, created, err := upsertIngredient(tx, si)
			if err != nil {
				return err
			}
			byName[si.name] = id
			if !created {
				continue
			}
			stock := decimal.RequireFromString(si.stock)
			if err := ledger.CreateTx(tx, &model.InventoryTransaction{
				IngredientID:           id,
				TransactionType:        model.TxInitial,
				ActualAmount:           stock,
				PreviousActualQuantity: decimal.Zero,
				NewActualQuantity:      stock,
				Notes:                  "seed: opening stock",
			}); err != nil {
				return err
			}
			log.Info().Str("ingredient", si.name).Str("stock", si.stock+" "+si.unit).Msg("seed: ingredient created")
		}

		for menuItemID, entries := range recipes(fallback) {
			for _, sr := range entries {
				unit := sr.unit
				entry := model.RecipeEntry{
					MenuItemID:           menuItemID,
					IngredientID:         byName[sr.ingredient],
					RequiredActualAmount: decimal.RequireFromString(sr.amount),
					RequiredUnit:         &unit,
					IsOptional:           sr.optional,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "menu_item_id"}, {Name: "ingredient_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"required_actual_amount", "required_unit", "is_optional"}),
				}).Create(&entry).Error; err != nil {
					return err
				}
			}
			log.Info().Str("menu_item_id", menuItemID.String()).Int("ingredients", len(entries)).Msg("seed: recipe upserted")
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("seed: failed")
	}
	log.Info().Msg("seed: done")
}

// upsertIngredient creates the ingredient when its name is new. Existing
// rows keep their stock so that re-seeding never rewrites the ledger.
func upsertIngredient(tx *gorm.DB, si seedIngredient) (uuid.UUID, bool, error) {
	var existing model.Ingredient
	err := tx.Where("name = ?", si.name).Limit(1).Find(&existing).Error
	if err != nil {
		return uuid.Nil, false, err
	}
	if existing.ID != uuid.Nil {
		return existing.ID, false, nil
	}
	ing := model.Ingredient{
		Name:           si.name,
		Category:       si.category,
		ActualUnit:     si.unit,
		ActualQuantity: decimal.RequireFromString(si.stock),
		ReorderLevel:   decimal.RequireFromString(si.reorder),
		IsAvailable:    true,
	}
	if err := tx.Create(&ing).Error; err != nil {
		return uuid.Nil, false, err
	}
	return ing.ID, true, nil
}
