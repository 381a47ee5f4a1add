package model

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed precision of every stored price field.
const PriceDecimals = 4

// Price is a fixed-point value serialized as a string with exactly four
// decimals, e.g. "105.0000".
type Price struct {
	decimal.Decimal
}

// NewPrice rounds f to four decimals.
func NewPrice(f float64) Price {
	return Price{decimal.NewFromFloat(f).Round(PriceDecimals)}
}

// PriceFromDecimal rounds d to four decimals.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price{d.Round(PriceDecimals)}
}

// ParsePrice parses s and rejects values with more than four decimals.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	if d.Exponent() < -PriceDecimals && !d.Equal(d.Round(PriceDecimals)) {
		return Price{}, fmt.Errorf("price %q has more than %d decimals", s, PriceDecimals)
	}
	return Price{d.Round(PriceDecimals)}, nil
}

// PricePtr is a convenience for nullable fields.
func PricePtr(p Price) *Price { return &p }

// Float returns the value as float64 for comparisons against live prices.
func (p Price) Float() float64 {
	f, _ := p.Decimal.Float64()
	return f
}

func (p Price) String() string {
	return p.Decimal.StringFixed(PriceDecimals)
}

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Price) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	p.Decimal = d.Round(PriceDecimals)
	return nil
}
