// Package money provides the fixed-scale numeric types used by the
// warehouse ledger: quantities carry 3 decimals, unit costs 4 and
// monetary amounts 2. Values are quantized half-up at construction so
// arithmetic downstream never accumulates drift beyond the scale.
package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// QuantityScale is the number of decimals kept on stock quantities.
	QuantityScale = 3
	// UnitCostScale is the number of decimals kept on per-unit costs.
	UnitCostScale = 4
	// AmountScale is the number of decimals kept on monetary totals.
	AmountScale = 2
)

// Quantity is a stock quantity quantized to 3 decimals.
type Quantity struct {
	dec decimal.Decimal
}

// NewQuantity quantizes d to quantity scale, rounding half-up.
func NewQuantity(d decimal.Decimal) Quantity {
	return Quantity{dec: d.Round(QuantityScale)}
}

// QuantityFromString parses a decimal string into a Quantity.
func QuantityFromString(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, fmt.Errorf("money: parse quantity %q: %w", s, err)
	}
	return NewQuantity(d), nil
}

// QuantityFromInt builds a whole-unit Quantity.
func QuantityFromInt(n int64) Quantity {
	return Quantity{dec: decimal.NewFromInt(n)}
}

// Add returns q + o.
func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{dec: q.dec.Add(o.dec)}
}

// Sub returns q - o.
func (q Quantity) Sub(o Quantity) Quantity {
	return Quantity{dec: q.dec.Sub(o.dec)}
}

// Min returns the smaller of q and o.
func (q Quantity) Min(o Quantity) Quantity {
	if q.dec.LessThan(o.dec) {
		return q
	}
	return o
}

// Cmp compares q against o: -1 if q < o, 0 if equal, +1 if q > o.
func (q Quantity) Cmp(o Quantity) int { return q.dec.Cmp(o.dec) }

// IsPositive reports q > 0.
func (q Quantity) IsPositive() bool { return q.dec.IsPositive() }

// IsNegative reports q < 0.
func (q Quantity) IsNegative() bool { return q.dec.IsNegative() }

// IsZero reports q == 0.
func (q Quantity) IsZero() bool { return q.dec.IsZero() }

// Mul prices the quantity at cost c, producing a 2-decimal Amount.
func (q Quantity) Mul(c UnitCost) Amount {
	return Amount{dec: q.dec.Mul(c.dec).Round(AmountScale)}
}

// Decimal exposes the underlying decimal for storage adapters.
func (q Quantity) Decimal() decimal.Decimal { return q.dec }

// String renders the quantity with the fixed 3-decimal scale.
func (q Quantity) String() string { return q.dec.StringFixed(QuantityScale) }

// MarshalJSON renders the quantity as a fixed-scale decimal string.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts both quoted and bare decimal literals.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	d, err := unmarshalDecimal(data)
	if err != nil {
		return fmt.Errorf("money: quantity: %w", err)
	}
	*q = NewQuantity(d)
	return nil
}

// UnitCost is a per-unit net cost quantized to 4 decimals.
type UnitCost struct {
	dec decimal.Decimal
}

// NewUnitCost quantizes d to unit-cost scale, rounding half-up.
func NewUnitCost(d decimal.Decimal) UnitCost {
	return UnitCost{dec: d.Round(UnitCostScale)}
}

// UnitCostFromString parses a decimal string into a UnitCost.
func UnitCostFromString(s string) (UnitCost, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return UnitCost{}, fmt.Errorf("money: parse unit cost %q: %w", s, err)
	}
	return NewUnitCost(d), nil
}

// Cmp compares c against o.
func (c UnitCost) Cmp(o UnitCost) int { return c.dec.Cmp(o.dec) }

// IsNegative reports c < 0.
func (c UnitCost) IsNegative() bool { return c.dec.IsNegative() }

// Decimal exposes the underlying decimal for storage adapters.
func (c UnitCost) Decimal() decimal.Decimal { return c.dec }

// String renders the cost with the fixed 4-decimal scale.
func (c UnitCost) String() string { return c.dec.StringFixed(UnitCostScale) }

// MarshalJSON renders the cost as a fixed-scale decimal string.
func (c UnitCost) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts both quoted and bare decimal literals.
func (c *UnitCost) UnmarshalJSON(data []byte) error {
	d, err := unmarshalDecimal(data)
	if err != nil {
		return fmt.Errorf("money: unit cost: %w", err)
	}
	*c = NewUnitCost(d)
	return nil
}

// Amount is a monetary total quantized to 2 decimals.
type Amount struct {
	dec decimal.Decimal
}

// NewAmount quantizes d to amount scale, rounding half-up.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{dec: d.Round(AmountScale)}
}

// AmountFromString parses a decimal string into an Amount.
func AmountFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse amount %q: %w", s, err)
	}
	return NewAmount(d), nil
}

// Add returns a + o.
func (a Amount) Add(o Amount) Amount {
	return Amount{dec: a.dec.Add(o.dec)}
}

// Cmp compares a against o.
func (a Amount) Cmp(o Amount) int { return a.dec.Cmp(o.dec) }

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a.dec.IsZero() }

// Decimal exposes the underlying decimal for storage adapters.
func (a Amount) Decimal() decimal.Decimal { return a.dec }

// String renders the amount with the fixed 2-decimal scale.
func (a Amount) String() string { return a.dec.StringFixed(AmountScale) }

// MarshalJSON renders the amount as a fixed-scale decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both quoted and bare decimal literals.
func (a *Amount) UnmarshalJSON(data []byte) error {
	d, err := unmarshalDecimal(data)
	if err != nil {
		return fmt.Errorf("money: amount: %w", err)
	}
	*a = NewAmount(d)
	return nil
}

func unmarshalDecimal(data []byte) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// bare numeric literal
		var d decimal.Decimal
		if derr := d.UnmarshalJSON(data); derr != nil {
			return decimal.Decimal{}, derr
		}
		return d, nil
	}
	return decimal.NewFromString(s)
}
