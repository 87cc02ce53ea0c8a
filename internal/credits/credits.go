// Package credits defines the fixed-point unit used for every balance,
// price and transfer in the marketplace. Amounts are stored as integer
// micro-credits so that ledger conservation holds exactly.
package credits

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of micro-credits in one credit.
const Scale = 1_000_000

// Amount is a quantity of credits expressed in micro-credits.
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// FromFloat converts a decimal credit value, rounding to the nearest micro-credit.
func FromFloat(v float64) Amount {
	return Amount(math.Round(v * Scale))
}

// FromInt converts whole credits.
func FromInt(v int64) Amount {
	return Amount(v * Scale)
}

// Float64 returns the amount in credits.
func (a Amount) Float64() float64 {
	return float64(a) / Scale
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// String renders the amount as a decimal number without trailing zeros.
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / Scale
	frac := v % Scale
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatInt(whole, 10))
	if frac != 0 {
		digits := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
		b.WriteByte('.')
		b.WriteString(digits)
	}
	return b.String()
}

// Parse reads a decimal credit value such as "12", "0.5" or "-3.25".
// More than six fractional digits, or a value outside the int64 micro-credit
// range, is an error.
func Parse(raw string) (Amount, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("credits: empty amount")
	}
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("credits: invalid amount %q", raw)
		}
		scaled := math.Round(f * Scale)
		// float64(MaxInt64) rounds up to 2^63, so the bound is exclusive.
		if scaled >= math.MaxInt64 || scaled < math.MinInt64 {
			return 0, fmt.Errorf("credits: amount %q out of range", raw)
		}
		return Amount(scaled), nil
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("credits: invalid amount %q", raw)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("credits: invalid amount %q", raw)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("credits: amount %q has more than 6 decimal places", raw)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > math.MaxInt64/Scale {
		return 0, fmt.Errorf("credits: amount %q out of range", raw)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("credits: invalid amount %q", raw)
		}
	}
	v := w * Scale
	if v > math.MaxInt64-f {
		return 0, fmt.Errorf("credits: amount %q out of range", raw)
	}
	v += f
	if neg {
		v = -v
	}
	return Amount(v), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the amount as a JSON number in credits.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	raw := string(bytes.Trim(data, `"`))
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML lets pipeline files write budgets as plain numbers.
func (a *Amount) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
