package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

const (
	moneyFractionDigits = 8
	moneyScale          = int64(100000000)
)

// Money is a fixed-precision amount held in 1e-8 units of the major currency
// unit. Ticket prices use it so that decimal input never passes through a
// float.
type Money struct {
	minorUnits int64
}

// NewMoneyFromMinorUnits constructs a Money value from its 1e-8 representation.
func NewMoneyFromMinorUnits(units int64) Money {
	return Money{minorUnits: units}
}

// MinorUnits exposes the internal integer representation scaled by 1e-8.
func (m Money) MinorUnits() int64 {
	return m.minorUnits
}

func (m Money) IsZero() bool {
	return m.minorUnits == 0
}

func (m Money) IsNegative() bool {
	return m.minorUnits < 0
}

// IsPositive reports whether the amount is strictly above zero.
func (m Money) IsPositive() bool {
	return m.minorUnits > 0
}

// ScaledTo converts the amount to an integer count of 10^-digits units, the
// way payment gateways expect ("paise", "cents"). It fails when the amount
// carries more precision than the target scale can hold.
func (m Money) ScaledTo(digits int) (int64, error) {
	if digits < 0 || digits > moneyFractionDigits {
		return 0, fmt.Errorf("unsupported currency scale %d", digits)
	}
	divisor := int64(1)
	for i := 0; i < moneyFractionDigits-digits; i++ {
		divisor *= 10
	}
	if m.minorUnits%divisor != 0 {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", m.DecimalString(), digits)
	}
	return m.minorUnits / divisor, nil
}

// DecimalString returns the canonical decimal representation with up to eight
// fractional digits.
func (m Money) DecimalString() string {
	return formatMinorUnits(m.minorUnits)
}

func (m Money) String() string {
	return m.DecimalString()
}

// MarshalJSON encodes the amount as a JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.DecimalString()), nil
}

// UnmarshalJSON accepts a JSON number or a decimal string. A JSON null resets
// the value to zero.
func (m *Money) UnmarshalJSON(data []byte) error {
	if m == nil {
		return fmt.Errorf("models: cannot decode into nil Money pointer")
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*m = Money{}
		return nil
	}
	raw := trimmed
	if trimmed[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode money string: %w", err)
		}
	}
	money, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

// ParseMoney parses a decimal string with up to eight fractional digits.
func ParseMoney(value string) (Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Money{}, fmt.Errorf("invalid money amount")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Money{}, fmt.Errorf("invalid money amount %q", trimmed)
	}
	rat.Mul(rat, big.NewRat(moneyScale, 1))
	if !rat.IsInt() {
		return Money{}, fmt.Errorf("amount supports up to %d decimal places", moneyFractionDigits)
	}
	numerator := rat.Num()
	if !numerator.IsInt64() {
		return Money{}, fmt.Errorf("money amount out of range")
	}
	return Money{minorUnits: numerator.Int64()}, nil
}

// MustParseMoney panics if the value cannot be parsed. It is intended for
// tests and static initialisation.
func MustParseMoney(value string) Money {
	money, err := ParseMoney(value)
	if err != nil {
		panic(err)
	}
	return money
}

func formatMinorUnits(units int64) string {
	negative := units < 0
	if negative {
		units = -units
	}
	major := units / moneyScale
	minor := units % moneyScale
	var builder strings.Builder
	if negative {
		builder.WriteByte('-')
	}
	fmt.Fprintf(&builder, "%d", major)
	if minor == 0 {
		return builder.String()
	}
	fraction := strings.TrimRight(fmt.Sprintf("%0*d", moneyFractionDigits, minor), "0")
	builder.WriteByte('.')
	builder.WriteString(fraction)
	return builder.String()
}
