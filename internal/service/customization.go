package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cafeiq/internal/dto"
	"cafeiq/internal/model"
	"cafeiq/internal/units"

	"github.com/shopspring/decimal"
)

// Multiplier is a resolved named customization factor.
type Multiplier struct {
	Name   string
	Factor decimal.Decimal
}

// Rule is one named customization. Factor applies to every ingredient
// category unless Categories overrides it; a zero Factor means the rule only
// touches the listed categories.
type Rule struct {
	Factor     decimal.Decimal
	Categories map[string]decimal.Decimal
}

// RuleSet maps rule names (large_size, extra_shot, ...) to rules.
type RuleSet map[string]Rule

// DefaultRuleSet is the café's standard customization table.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		"large_size": {
			Factor:     decimal.RequireFromString("1.2"),
			Categories: map[string]decimal.Decimal{"dairy": decimal.RequireFromString("1.3"), "milk": decimal.RequireFromString("1.3")},
		},
		"small_size": {Factor: decimal.RequireFromString("0.8")},
		"extra_shot": {
			Categories: map[string]decimal.Decimal{"coffee": decimal.NewFromInt(2)},
		},
		"less_sugar": {
			Categories: map[string]decimal.Decimal{"sweetener": decimal.RequireFromString("0.5"), "sugar": decimal.RequireFromString("0.5")},
		},
		"extra_sweet": {
			Categories: map[string]decimal.Decimal{"sweetener": decimal.RequireFromString("1.5"), "sugar": decimal.RequireFromString("1.5")},
		},
	}
}

// sizeRules maps Customizations.Size onto rule names. medium is the recipe baseline.
var sizeRules = map[string]string{
	"small": "small_size",
	"large": "large_size",
}

// CustomizationEngine turns a recipe amount plus a line item's customizations
// into the total an order line consumes.
type CustomizationEngine struct {
	rules RuleSet
}

func NewCustomizationEngine(rules RuleSet) *CustomizationEngine {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &CustomizationEngine{rules: rules}
}

// MultipliersFor resolves the named rules selected by c that apply to the
// ingredient's category. Unknown option names are ignored.
func (e *CustomizationEngine) MultipliersFor(ingredient *model.Ingredient, c *model.Customizations) []Multiplier {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Options)+1)
	if rule, ok := sizeRules[strings.ToLower(c.Size)]; ok {
		names = append(names, rule)
	}
	for _, opt := range c.Options {
		names = append(names, strings.ToLower(strings.TrimSpace(opt)))
	}

	category := strings.ToLower(strings.TrimSpace(ingredient.Category))
	var out []Multiplier
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		rule, ok := e.rules[name]
		if !ok {
			continue
		}
		factor, ok := rule.Categories[category]
		if !ok {
			factor = rule.Factor
		}
		if factor.IsZero() {
			continue
		}
		out = append(out, Multiplier{Name: name, Factor: factor})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplyRequirements computes base*orderQty, adds every extra targeting the
// ingredient (converted into its actual unit), then applies the multipliers
// to the combined total. Extras are summed before multiplying.
//
// base must already be expressed in ingredient.ActualUnit. An extra whose
// unit cannot be converted is added unchanged and reported as a warning.
func (e *CustomizationEngine) ApplyRequirements(
	base decimal.Decimal,
	orderQty int,
	ingredient *model.Ingredient,
	extras []model.Extra,
	multipliers []Multiplier,
) (decimal.Decimal, []dto.DeductionWarning) {
	var warnings []dto.DeductionWarning
	total := base.Mul(decimal.NewFromInt(int64(orderQty)))

	for _, extra := range extras {
		if extra.IngredientID != ingredient.ID {
			continue
		}
		times := extra.Quantity
		if times < 1 {
			times = 1
		}
		amount := extra.Amount.Mul(decimal.NewFromInt(int64(times)))
		converted, err := units.Convert(amount, extra.Unit, ingredient.ActualUnit)
		if err != nil {
			warnings = append(warnings, unconvertibleWarning(ingredient, err, "extra"))
		}
		total = total.Add(converted)
	}

	for _, m := range multipliers {
		total = total.Mul(m.Factor)
	}
	return total, warnings
}

func unconvertibleWarning(ingredient *model.Ingredient, err error, source string) dto.DeductionWarning {
	id := ingredient.ID
	detail := err.Error()
	var ue *units.UnconvertibleError
	if errors.As(err, &ue) {
		detail = fmt.Sprintf("%s amount for %s given in %q cannot be converted to %q; used unchanged",
			source, ingredient.Name, ue.From, ue.To)
	}
	return dto.DeductionWarning{
		Code:         dto.WarnUnconvertibleUnit,
		IngredientID: &id,
		Detail:       detail,
	}
}
