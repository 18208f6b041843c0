// Package units converts ingredient quantities between weight, volume and
// coffee-specific units. Every factor is exact decimal arithmetic so that a
// stock value written to the ledger never carries float drift.
//
// Conversions that have no known path are not fatal: Convert returns the
// amount unchanged together with an *UnconvertibleError. Callers decide how
// loudly to flag it; the deduction engine logs it, counts it and carries on.
package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Unit is a normalized unit symbol.
type Unit string

const (
	Milligram  Unit = "mg"
	Gram       Unit = "g"
	Kilogram   Unit = "kg"
	Pound      Unit = "lb"
	Milliliter Unit = "ml"
	Liter      Unit = "l"
	Teaspoon   Unit = "tsp"
	Tablespoon Unit = "tbsp"
	FluidOunce Unit = "oz"
	Cup        Unit = "cup"
	Shot       Unit = "shot"
	Piece      Unit = "pc"
)

// GramsPerShot is the dose of ground coffee in one espresso shot.
var GramsPerShot = decimal.NewFromInt(18)

// ShotsPerCup is the number of espresso shots in one cup of coffee.
var ShotsPerCup = decimal.NewFromInt(2)

// ErrUnconvertible is matched by every *UnconvertibleError.
var ErrUnconvertible = errors.New("units: no conversion path")

// UnconvertibleError reports a unit pair without a conversion path.
// The amount returned alongside it is the caller's input, untouched.
type UnconvertibleError struct {
	From Unit
	To   Unit
}

func (e *UnconvertibleError) Error() string {
	return fmt.Sprintf("units: cannot convert %q to %q", e.From, e.To)
}

func (e *UnconvertibleError) Is(target error) bool { return target == ErrUnconvertible }

var aliases = map[string]Unit{
	"mg": Milligram, "milligram": Milligram, "milligrams": Milligram,
	"g": Gram, "gr": Gram, "gram": Gram, "grams": Gram, "gramme": Gram, "grammes": Gram,
	"kg": Kilogram, "kgs": Kilogram, "kilo": Kilogram, "kilos": Kilogram, "kilogram": Kilogram, "kilograms": Kilogram,
	"lb": Pound, "lbs": Pound, "pound": Pound, "pounds": Pound,
	"ml": Milliliter, "milliliter": Milliliter, "milliliters": Milliliter, "millilitre": Milliliter, "millilitres": Milliliter,
	"l": Liter, "liter": Liter, "liters": Liter, "litre": Liter, "litres": Liter,
	"tsp": Teaspoon, "teaspoon": Teaspoon, "teaspoons": Teaspoon,
	"tbsp": Tablespoon, "tablespoon": Tablespoon, "tablespoons": Tablespoon,
	"oz": FluidOunce, "ounce": FluidOunce, "ounces": FluidOunce, "fl oz": FluidOunce, "floz": FluidOunce, "fluid ounce": FluidOunce,
	"cup": Cup, "cups": Cup,
	"shot": Shot, "shots": Shot, "espresso shot": Shot, "espresso shots": Shot,
	"pc": Piece, "pcs": Piece, "piece": Piece, "pieces": Piece, "unit": Piece, "units": Piece, "each": Piece, "ea": Piece,
}

// gramsPer covers the weight family plus the coffee units, which bridge into
// weight through GramsPerShot. Cup appears here as "a cup of coffee".
var gramsPer = map[Unit]decimal.Decimal{
	Milligram: decimal.RequireFromString("0.001"),
	Gram:      decimal.NewFromInt(1),
	Kilogram:  decimal.NewFromInt(1000),
	Pound:     decimal.RequireFromString("453.592"),
	Shot:      GramsPerShot,
	Cup:       GramsPerShot.Mul(ShotsPerCup),
}

// millilitersPer covers the volume family. Cup appears here as a measuring cup.
var millilitersPer = map[Unit]decimal.Decimal{
	Milliliter: decimal.NewFromInt(1),
	Liter:      decimal.NewFromInt(1000),
	Teaspoon:   decimal.RequireFromString("4.92892"),
	Tablespoon: decimal.RequireFromString("14.7868"),
	FluidOunce: decimal.RequireFromString("29.5735"),
	Cup:        decimal.NewFromInt(240),
}

// Normalize maps a free-form unit string onto its canonical symbol,
// ignoring case, surrounding whitespace and a trailing period.
// Unknown strings come back cleaned but otherwise unchanged.
func Normalize(unit string) Unit {
	s := strings.ToLower(strings.TrimSpace(unit))
	s = strings.TrimSuffix(s, ".")
	s = strings.Join(strings.Fields(s), " ")
	if u, ok := aliases[s]; ok {
		return u
	}
	return Unit(s)
}

// Known reports whether unit normalizes to a supported symbol.
func Known(unit string) bool {
	_, ok := aliases[string(Normalize(unit))]
	return ok
}

// CanConvert reports whether Convert has a path between the two units.
func CanConvert(from, to string) bool {
	f, t := Normalize(from), Normalize(to)
	if f == t {
		return true
	}
	_, _, ok := factors(f, t)
	return ok
}

// Convert expresses amount, given in from, in the to unit. Identical units
// return amount unchanged. A pair with no path returns amount unchanged and
// an *UnconvertibleError.
func Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	f, t := Normalize(from), Normalize(to)
	if f == t {
		return amount, nil
	}
	fromBase, toBase, ok := factors(f, t)
	if !ok {
		return amount, &UnconvertibleError{From: f, To: t}
	}
	return amount.Mul(fromBase).Div(toBase), nil
}

// factors returns how many base units (grams or milliliters) one from and one
// to are worth. Weight is tried first so that cup<->shot and cup<->g resolve
// through the coffee bridge while cup<->ml stays a volume conversion.
func factors(from, to Unit) (decimal.Decimal, decimal.Decimal, bool) {
	if fg, ok := gramsPer[from]; ok {
		if tg, ok := gramsPer[to]; ok {
			return fg, tg, true
		}
	}
	if fm, ok := millilitersPer[from]; ok {
		if tm, ok := millilitersPer[to]; ok {
			return fm, tm, true
		}
	}
	return decimal.Zero, decimal.Zero, false
}
