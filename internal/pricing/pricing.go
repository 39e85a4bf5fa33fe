// Package pricing implements the YieldSpace bond-pricing curve together with
// the flat+curve maturity decomposition used for fixed-rate term positions.
//
// A pool holds share reserves z (base deposited at share price c) and bond
// reserves y. Curve trades preserve the invariant
//
//	k = (c/mu) * (mu*z)^(1-tau) + (y + s)^(1-tau)
//
// where mu is the share price at pool creation, s is the LP token supply and
// tau is the stretched time remaining on the term. A position partway through
// its term is priced in two parts: the matured fraction (1 - normalized_time)
// exchanges base and bonds 1:1 (the "flat" part), and the live fraction
// trades on the curve at full-term time.
//
// All monetary values use internal/fixedpoint, never float64 for money. The
// fixed-point kernel reproduces the on-chain 1e18 integer math exactly, so
// closed-form results here are bit-compatible with the Solidity contracts.
package pricing

import (
	"errors"
	"fmt"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

var (
	// ErrTradeTooSmall is returned when a trade amount is below one wei.
	ErrTradeTooSmall = errors.New("pricing: trade amount must be at least 1 wei")

	// ErrInvalidToken is returned when a Quantity carries an unknown token kind.
	ErrInvalidToken = errors.New("pricing: unknown token kind")

	// ErrNegativeReserves is returned when a pool view carries negative
	// share or bond reserves.
	ErrNegativeReserves = errors.New("pricing: reserve balances must be non-negative")

	// ErrInvalidSharePrice is returned when the initial share price is
	// below one, which would invert the invariant's scaling.
	ErrInvalidSharePrice = errors.New("pricing: initial share price must be at least one")

	// ErrDepletedPool is returned when a spot price or APR is requested
	// from a pool with no bond-side liquidity.
	ErrDepletedPool = errors.New("pricing: pool has no bond-side liquidity")
)

// wei is the smallest representable trade amount.
var wei = fixedpoint.MustFromScaledString("1")

// TokenKind distinguishes the two sides of every trade.
type TokenKind int

const (
	// Base is the deposit asset (held as interest-bearing shares).
	Base TokenKind = iota
	// Bond is the fixed-rate principal token that matures 1:1 for base.
	Bond
)

func (k TokenKind) String() string {
	switch k {
	case Base:
		return "base"
	case Bond:
		return "bond"
	default:
		return fmt.Sprintf("TokenKind(%d)", int(k))
	}
}

// Quantity is an amount of one asset. The unit disambiguates "amount of
// base" from "amount of bonds" at call sites.
type Quantity struct {
	Amount fixedpoint.FP
	Unit   TokenKind
}

// Deltas is a signed pair of balance changes, positive when the holder
// receives the asset.
type Deltas struct {
	Base  fixedpoint.FP
	Bonds fixedpoint.FP
}

// Breakdown itemizes a priced trade. WithoutFeeOrSlippage is the spot-price
// execution, WithoutFee adds slippage, WithFee adds the fee schedule. The
// four fee fields separate the curve and flat portions and the governance
// share of each.
type Breakdown struct {
	WithoutFeeOrSlippage fixedpoint.FP
	WithoutFee           fixedpoint.FP
	WithFee              fixedpoint.FP
	CurveFee             fixedpoint.FP
	GovCurveFee          fixedpoint.FP
	FlatFee              fixedpoint.FP
	GovFlatFee           fixedpoint.FP
}

// TradeResult is the output of a pricing call. It is a pure value: nothing
// has been applied to any reserves. User and Pool mirror each other on the
// traded amounts but differ by the governance fees, which leave the pool.
type TradeResult struct {
	User      Deltas
	Pool      Deltas
	Breakdown Breakdown
}

// Pool is a read-only view of the reserves and fee schedule a pricing call
// operates on. Copies are cheap and callers may mutate a copy freely; the
// flat+curve model does exactly that to simulate matured redemptions.
type Pool struct {
	ShareReserves    fixedpoint.FP
	BondReserves     fixedpoint.FP
	BaseBuffer       fixedpoint.FP
	BondBuffer       fixedpoint.FP
	LPTotalSupply    fixedpoint.FP
	SharePrice       fixedpoint.FP
	InitSharePrice   fixedpoint.FP
	LongsOutstanding fixedpoint.FP
	CurveFee         fixedpoint.FP
	FlatFee          fixedpoint.FP
	GovernanceFee    fixedpoint.FP
}

// checkTrade validates a trade input against the pool view. Mirrors the
// pre-trade assertions the reserves math depends on.
func checkTrade(q Quantity, p Pool) error {
	if q.Unit != Base && q.Unit != Bond {
		return ErrInvalidToken
	}
	if q.Amount.Lt(wei) {
		return ErrTradeTooSmall
	}
	if p.ShareReserves.Sign() < 0 || p.BondReserves.Sign() < 0 {
		return ErrNegativeReserves
	}
	if p.InitSharePrice.Lt(fixedpoint.One()) {
		return ErrInvalidSharePrice
	}
	return nil
}

// CalcTimeStretch returns the time-stretch divisor calibrated for the given
// target APR. The empirical constants keep a 90 to 365 day pool's reserve
// ratio well-conditioned near the target rate: higher APR means a smaller
// stretch, so the curve steepens where rates are volatile.
func CalcTimeStretch(apr fixedpoint.FP) fixedpoint.FP {
	aprPercent := apr.Mul(fixedpoint.MustFromString("100.0"))
	return fixedpoint.MustFromString("5.24592").Div(
		fixedpoint.MustFromString("0.04665").Mul(aprPercent),
	)
}
