package models

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Amount is a signed amount in minor currency units (fen / cents).
// Inflows are positive, outflows negative.
type Amount int64

var hundred = decimal.NewFromInt(100)

// currencyGlyphs are stripped before a raw amount is parsed.
var currencyGlyphs = strings.NewReplacer(
	"¥", "",
	"￥", "",
	",", "",
	"，", "",
	" ", "",
	"\u00a0", "",
)

// ParseAmount parses a decimal string such as "-12.00", "¥1,234.5" or "￥8"
// into minor units. Currency glyphs and thousands separators are ignored;
// a leading sign is kept as written.
func ParseAmount(s string) (Amount, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return 0, err
	}
	return AmountFromDecimal(d), nil
}

// ParseDecimal parses a raw amount string into a decimal value.
func ParseDecimal(s string) (decimal.Decimal, error) {
	cleaned := currencyGlyphs.Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	return d, nil
}

// AmountFromDecimal converts a major-unit decimal into minor units, rounding half away from zero.
func AmountFromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Mul(hundred).Round(0).IntPart())
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// Neg flips the sign.
func (a Amount) Neg() Amount {
	return -a
}

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// IsOutflow reports whether the amount leaves the account.
func (a Amount) IsOutflow() bool {
	return a < 0
}

// String formats the amount with two fraction digits, e.g. "-12.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) civil.Date {
	return civil.DateOf(t)
}

// ParseDate parses s with a Go time layout and returns its calendar day.
func ParseDate(layout, s string) (civil.Date, error) {
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, fmt.Errorf("unable to parse date '%s' with layout '%s': %w", s, layout, err)
	}
	return civil.DateOf(t), nil
}
