package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	PEN Currency = "PEN"
	USD Currency = "USD"
)

// MinorUnits is the number of fractional digits every supported amount carries.
const MinorUnits = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrOverflow        = errors.New("amount out of range")
)

// ParseCurrency normalizes a currency code, falling back to def when s is empty.
func ParseCurrency(s string, def Currency) (Currency, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	if len(s) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
		}
	}
	return Currency(s), nil
}

// Money is a monetary amount in minor units (cents)
type Money struct {
	AmountMinor int64
	Currency    Currency
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// FromDecimal converts a decimal amount in major units. Amounts with more
// than two fractional digits are rejected rather than rounded.
func FromDecimal(d decimal.Decimal, currency Currency) (Money, error) {
	if !d.Equal(d.Truncate(MinorUnits)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, d, MinorUnits)
	}
	minor := d.Shift(MinorUnits)
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return Money{}, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Parse parses a major-unit amount such as "5.00" or "12.5".
func Parse(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, currency)
}

// Decimal returns the amount in major units
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -MinorUnits)
}

// Amount formats the amount with exactly two decimals, without currency
func (m Money) Amount() string {
	return m.Decimal().StringFixed(MinorUnits)
}

// String returns e.g. "5.00 PEN"
func (m Money) String() string {
	return m.Amount() + " " + string(m.Currency)
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, fmt.Errorf("%w: %s + %s", ErrOverflow, m, other)
	}
	return Money{AmountMinor: sum, Currency: m.Currency}, nil
}

// Multiply multiplies by an integer quantity
func (m Money) Multiply(factor int64) (Money, error) {
	product := m.AmountMinor * factor
	if m.AmountMinor != 0 && (product/m.AmountMinor != factor || (m.AmountMinor == -1 && factor == math.MinInt64)) {
		return Money{}, fmt.Errorf("%w: %s x %d", ErrOverflow, m, factor)
	}
	return Money{AmountMinor: product, Currency: m.Currency}, nil
}

// Sum adds up values that share a currency
func Sum(currency Currency, values ...Money) (Money, error) {
	total := Zero(currency)
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

type moneyJSON struct {
	Amount   string   `json:"amount"`
	Currency Currency `json:"currency"`
}

// MarshalJSON encodes as {"amount":"5.00","currency":"PEN"}
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.Amount(), Currency: m.Currency})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := Parse(v.Amount, v.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
