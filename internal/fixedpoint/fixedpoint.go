package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FP is an immutable 18-decimal fixed-point number backed by a scaled
// arbitrary-precision integer. The zero value is 0.
//
// Arithmetic follows the on-chain rounding contract: Mul and Div round down,
// MulUp and DivUp round up, and Pow uses the exp/ln decomposition. Domain
// violations (division by zero, ln of a non-positive value, int256 overflow)
// panic with the sentinel errors in this package; use Catch at the boundary
// of any function that exposes formula code.
type FP struct {
	v *big.Int
}

// Zero returns the fixed-point zero.
func Zero() FP { return FP{} }

// One returns the fixed-point one (1e18 scaled units).
func One() FP { return FP{v: new(big.Int).Set(one18)} }

// NewFromInt converts a whole number into fixed point (n * 1e18).
func NewFromInt(n int64) FP {
	return FP{v: new(big.Int).Mul(big.NewInt(n), one18)}
}

// NewFromScaled wraps an already-scaled integer. The input is copied.
func NewFromScaled(scaled *big.Int) FP {
	if scaled == nil {
		return FP{}
	}
	return FP{v: new(big.Int).Set(scaled)}
}

// NewFromScaledString parses a base-10 already-scaled integer literal, e.g.
// "44463125629060298" for 0.044463125629060298.
func NewFromScaledString(s string) (FP, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return FP{}, ErrParse
	}
	return FP{v: v}, nil
}

// NewFromString parses a decimal string such as "3.09396" into fixed point.
// Digits beyond the 18th decimal place are truncated.
func NewFromString(s string) (FP, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return FP{}, ErrParse
	}
	return FP{v: d.Shift(18).Truncate(0).BigInt()}, nil
}

// MustFromString is NewFromString for literals known to be valid.
func MustFromString(s string) FP {
	fp, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return fp
}

// MustFromScaledString is NewFromScaledString for literals known to be valid.
func MustFromScaledString(s string) FP {
	fp, err := NewFromScaledString(s)
	if err != nil {
		panic(err)
	}
	return fp
}

// big returns the backing integer, treating the zero value as 0.
func (a FP) big() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// Scaled returns a copy of the backing 1e18-scaled integer.
func (a FP) Scaled() *big.Int { return new(big.Int).Set(a.big()) }

// String renders the value as a decimal string, e.g. "1.5".
func (a FP) String() string {
	return decimal.NewFromBigInt(a.big(), -18).String()
}

// Float64 returns the nearest float64. For display and coarse comparisons
// only; never feed the result back into reserve math.
func (a FP) Float64() float64 {
	return decimal.NewFromBigInt(a.big(), -18).InexactFloat64()
}

// Add returns a + b.
func (a FP) Add(b FP) FP { return FP{v: addInt(a.big(), b.big())} }

// Sub returns a - b.
func (a FP) Sub(b FP) FP { return FP{v: subInt(a.big(), b.big())} }

// Mul returns a * b rounded down.
func (a FP) Mul(b FP) FP { return FP{v: mulDown(a.big(), b.big())} }

// MulUp returns a * b rounded up.
func (a FP) MulUp(b FP) FP {
	if a.IsZero() || b.IsZero() {
		return FP{}
	}
	return FP{v: mulUp(a.big(), b.big())}
}

// Div returns a / b rounded down.
func (a FP) Div(b FP) FP { return FP{v: divDown(a.big(), b.big())} }

// DivUp returns a / b rounded up. b must be positive.
func (a FP) DivUp(b FP) FP {
	if b.Sign() <= 0 {
		panic(ErrDivisionByZero)
	}
	return FP{v: divUp(a.big(), b.big())}
}

// MulDivDown returns a * b / d rounded down.
func (a FP) MulDivDown(b, d FP) FP {
	return FP{v: mulDivDown(a.big(), b.big(), d.big())}
}

// MulDivUp returns a * b / d rounded up.
func (a FP) MulDivUp(b, d FP) FP {
	return FP{v: mulDivUp(a.big(), b.big(), d.big())}
}

// Pow returns a^b via exp(b * ln(a)). a must be positive unless it is
// exactly zero.
func (a FP) Pow(b FP) FP { return FP{v: powInt(a.big(), b.big())} }

// Ln returns the natural log of a. a must be positive.
func (a FP) Ln() FP { return FP{v: lnInt(a.big())} }

// Exp returns e^a.
func (a FP) Exp() FP { return FP{v: expInt(a.big())} }

// Sqrt returns the square root of a.
func (a FP) Sqrt() FP { return FP{v: sqrtInt(a.big())} }

// Neg returns -a.
func (a FP) Neg() FP { return FP{v: new(big.Int).Neg(a.big())} }

// Abs returns |a|.
func (a FP) Abs() FP { return FP{v: new(big.Int).Abs(a.big())} }

// Sign returns -1, 0, or 1.
func (a FP) Sign() int { return a.big().Sign() }

// Cmp compares a and b, returning -1, 0, or 1.
func (a FP) Cmp(b FP) int { return a.big().Cmp(b.big()) }

// Eq reports a == b.
func (a FP) Eq(b FP) bool { return a.Cmp(b) == 0 }

// Lt reports a < b.
func (a FP) Lt(b FP) bool { return a.Cmp(b) < 0 }

// Lte reports a <= b.
func (a FP) Lte(b FP) bool { return a.Cmp(b) <= 0 }

// Gt reports a > b.
func (a FP) Gt(b FP) bool { return a.Cmp(b) > 0 }

// Gte reports a >= b.
func (a FP) Gte(b FP) bool { return a.Cmp(b) >= 0 }

// IsZero reports a == 0.
func (a FP) IsZero() bool { return a.Sign() == 0 }

// Min returns the smaller of a and b.
func Min(a, b FP) FP {
	if a.Lte(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b FP) FP {
	if a.Gte(b) {
		return a
	}
	return b
}
