// Package ledger defines the monetary types and the on-chain transfer record.
package ledger

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Amount is an arbitrary-precision non-negative integer amount in the token's
// smallest unit (18 decimals). It crosses every boundary (store, cache, bus,
// wire) as a decimal string so no stage ever routes it through a float.
type Amount struct {
	value big.Int
}

// NewAmount parses a decimal string into an Amount.
func NewAmount(s string) (Amount, error) {
	var a Amount
	if err := a.setString(s); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// AmountFromBig copies a big.Int into an Amount.
func AmountFromBig(v *big.Int) Amount {
	var a Amount
	if v != nil {
		a.value.Set(v)
	}
	return a
}

// MustAmount parses a decimal string and panics on failure. Test helper.
func MustAmount(s string) Amount {
	a, err := NewAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Amount) setString(s string) error {
	if s == "" {
		a.value.SetInt64(0)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative amount %q", s)
	}
	a.value.Set(v)
	return nil
}

// String returns the decimal representation.
func (a Amount) String() string { return a.value.String() }

// BigInt returns a copy of the underlying integer.
func (a Amount) BigInt() *big.Int { return new(big.Int).Set(&a.value) }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.value.Add(&a.value, &b.value)
	return out
}

// Sub returns a - b clamped at zero.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	out.value.Sub(&a.value, &b.value)
	if out.value.Sign() < 0 {
		out.value.SetInt64(0)
	}
	return out
}

// Cmp compares a to b: -1, 0 or 1.
func (a Amount) Cmp(b Amount) int { return a.value.Cmp(&b.value) }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.value.Sign() == 0 }

// MarshalJSON encodes the amount as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.value.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string (or a bare integer for tolerance
// toward hand-written fixtures; never emitted by this codebase).
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return a.setString(s)
}

// Value implements driver.Valuer, storing the decimal string.
func (a Amount) Value() (driver.Value, error) {
	return a.value.String(), nil
}

// Scan implements sql.Scanner for NUMERIC/TEXT columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		a.value.SetInt64(0)
		return nil
	case string:
		return a.setString(v)
	case []byte:
		return a.setString(string(v))
	case int64:
		if v < 0 {
			return fmt.Errorf("negative amount %d", v)
		}
		a.value.SetInt64(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}
