/*
Package generic provides the domain-agnostic kernel of the ticket engine.

PURPOSE:
  Everything the settlement modules share and nothing they own: money,
  actor identity, clocks, the document store contract, the conflict-retry
  transaction runner, audit entries and the error taxonomy.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer minor-currency units (paise, cents). Never floats.
  - Actor: an already-authenticated identity handed to us by the caller.

DESIGN PRINCIPLES:
  1. Precision: amounts are int64 minor units; percentages use decimal.Decimal
  2. Determinism: rounding is always half away from zero, in one place
  3. Type Safety: Money is its own type so it cannot be mixed with quantities

USAGE:
  fee := generic.Money(125000).Percent(decimal.RequireFromString("2.5"))
  // fee == 3125

SEE ALSO:
  - store.go: Document store and transactions
  - runner.go: Conflict-retry policy
  - errors.go: Error taxonomy
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor currency units
// =============================================================================

// Money is an amount in minor currency units.
type Money int64

var hundred = decimal.NewFromInt(100)

// MoneyFromDecimal rounds a decimal amount of minor units half away from zero.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Round(0).IntPart())
}

func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsNegative() bool         { return m < 0 }
func (m Money) IsPositive() bool         { return m > 0 }

func (m Money) Min(o Money) Money {
	if m < o {
		return m
	}
	return o
}

func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

// Percent returns pct percent of m, rounded to the nearest minor unit.
func (m Money) Percent(pct decimal.Decimal) Money {
	return MoneyFromDecimal(m.Decimal().Mul(pct).Div(hundred))
}

// Share returns the floor of m * part / whole. whole must be positive.
func (m Money) Share(part, whole Money) Money {
	if whole <= 0 {
		return 0
	}
	return Money(m.Decimal().Mul(part.Decimal()).Div(whole.Decimal()).Floor().IntPart())
}

// String renders the raw minor units. Display formatting is a caller concern.
func (m Money) String() string {
	return fmt.Sprintf("%d", int64(m))
}

// =============================================================================
// ACTOR - Authenticated identity
// =============================================================================

type Role string

const (
	RoleCustomer Role = "customer"
	RoleHost     Role = "host"
	RoleAdmin    Role = "admin"
	RoleFinance  Role = "finance"
	RoleSystem   Role = "system"
)

// Actor is resolved upstream; the engine trusts it as given.
type Actor struct {
	UID  string `json:"uid"`
	Role Role   `json:"role"`
}

// SystemActor is used for transitions the engine makes on its own.
var SystemActor = Actor{UID: "system", Role: RoleSystem}
