package pricing

import (
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
)

// CurveStrategy prices trades on the raw YieldSpace invariant with no
// maturity decomposition. It is stateless and safe to share; the flat+curve
// Model delegates the live fraction of every trade to it.
//
// The reserve kernels panic with fixedpoint domain errors when a trade
// pushes the invariant outside its mathematical domain (negative base to a
// fractional power, exhausted reserves). The exported trade methods translate
// those panics into returned errors.
type CurveStrategy struct{}

// SpotPrice returns the price of one bond in base:
//
//	p = ((mu * z) / (y + s)) ^ tau
//
// Panics with a fixedpoint domain error if the pool has no bond-side
// liquidity.
func (CurveStrategy) SpotPrice(pool Pool, t hdtime.StretchedTime) fixedpoint.FP {
	return pool.InitSharePrice.Mul(pool.ShareReserves).
		Div(pool.BondReserves.Add(pool.LPTotalSupply)).
		Pow(t.Stretched())
}

// Constant derives the invariant constant
//
//	k = (c / mu) * (mu * z)^(1 - tau) + (y + s)^(1 - tau)
//
// timeElapsed is 1 - tau. All four reserve kernels anchor on this value so a
// trade solved against k conserves it exactly.
func (CurveStrategy) Constant(pool Pool, timeElapsed fixedpoint.FP) fixedpoint.FP {
	return pool.SharePrice.Div(pool.InitSharePrice).
		Mul(pool.InitSharePrice.Mul(pool.ShareReserves).Pow(timeElapsed)).
		Add(pool.BondReserves.Add(pool.LPTotalSupply).Pow(timeElapsed))
}

// BondsOutGivenSharesIn solves the invariant for the bonds received when
// dShares shares are paid in:
//
//	dy = (y + s) - (k - (c / mu) * (mu * (z + dz))^(1 - tau))^(1 / (1 - tau))
func (s CurveStrategy) BondsOutGivenSharesIn(pool Pool, dShares, timeElapsed fixedpoint.FP) fixedpoint.FP {
	k := s.Constant(pool, timeElapsed)
	return pool.BondReserves.Add(pool.LPTotalSupply).Sub(
		k.Sub(
			pool.SharePrice.Div(pool.InitSharePrice).
				Mul(pool.InitSharePrice.Mul(pool.ShareReserves.Add(dShares)).Pow(timeElapsed)),
		).Pow(fixedpoint.One().DivUp(timeElapsed)),
	)
}

// BondsInGivenSharesOut solves the invariant for the bonds that must be paid
// to withdraw dShares shares:
//
//	dy = (k - (c / mu) * (mu * (z - dz))^(1 - tau))^(1 / (1 - tau)) - (y + s)
func (s CurveStrategy) BondsInGivenSharesOut(pool Pool, dShares, timeElapsed fixedpoint.FP) fixedpoint.FP {
	k := s.Constant(pool, timeElapsed)
	return k.Sub(
		pool.SharePrice.Div(pool.InitSharePrice).
			Mul(pool.InitSharePrice.Mul(pool.ShareReserves.Sub(dShares)).Pow(timeElapsed)),
	).Pow(fixedpoint.One().DivUp(timeElapsed)).
		Sub(pool.BondReserves.Add(pool.LPTotalSupply))
}

// SharesInGivenBondsOut solves the invariant for the shares that must be
// paid to withdraw dBonds bonds:
//
//	dz = (((k - (y + s - dy)^(1 - tau)) / (c / mu))^(1 / (1 - tau))) / mu - z
//
// The final division rounds up so that wei-scale trades cannot produce a
// negative share delta.
func (s CurveStrategy) SharesInGivenBondsOut(pool Pool, dBonds, timeElapsed fixedpoint.FP) fixedpoint.FP {
	k := s.Constant(pool, timeElapsed)
	return k.Sub(pool.BondReserves.Add(pool.LPTotalSupply).Sub(dBonds).Pow(timeElapsed)).
		Div(pool.SharePrice.Div(pool.InitSharePrice)).
		Pow(fixedpoint.One().DivUp(timeElapsed)).
		DivUp(pool.InitSharePrice).
		Sub(pool.ShareReserves)
}

// SharesOutGivenBondsIn solves the invariant for the shares received when
// dBonds bonds are paid in:
//
//	dz = z - (1 / mu) * ((k - (y + s + dy)^(1 - tau)) / (c / mu))^(1 / (1 - tau))
func (s CurveStrategy) SharesOutGivenBondsIn(pool Pool, dBonds, timeElapsed fixedpoint.FP) fixedpoint.FP {
	k := s.Constant(pool, timeElapsed)
	return pool.ShareReserves.Sub(
		fixedpoint.One().Div(pool.InitSharePrice).Mul(
			k.Sub(pool.BondReserves.Add(pool.LPTotalSupply).Add(dBonds).Pow(timeElapsed)).
				Div(pool.SharePrice.Div(pool.InitSharePrice)).
				Pow(fixedpoint.One().DivUp(timeElapsed)),
		),
	)
}

// OutGivenIn prices a swap of a known input amount entirely on the curve.
// The curve fee is charged on the spread between spot-price execution and
// the input: (1 - p) * phi * dy for bonds in, and the inverse-price analogue
// for base in. Fees reduce the trader's output.
// A zero input is legal here and prices to a zero output: the flat+curve
// model passes in the scaled-down curve fraction, which vanishes at maturity.
func (s CurveStrategy) OutGivenIn(in Quantity, pool Pool, t hdtime.StretchedTime) (result TradeResult, err error) {
	defer fixedpoint.Catch(&err)
	if in.Unit != Base && in.Unit != Bond {
		return TradeResult{}, ErrInvalidToken
	}
	timeElapsed := fixedpoint.One().Sub(t.Stretched())
	spot := s.SpotPrice(pool, t)
	var b Breakdown
	switch in.Unit {
	case Base:
		dShares := in.Amount.Div(pool.SharePrice)
		// without_fee_or_slippage = (1 / p) * c * dz
		b.WithoutFeeOrSlippage = fixedpoint.One().Div(spot).Mul(pool.SharePrice).Mul(dShares)
		b.WithoutFee = s.BondsOutGivenSharesIn(pool, dShares, timeElapsed)
		b.CurveFee = b.WithoutFeeOrSlippage.Sub(in.Amount).Mul(pool.CurveFee)
		b.GovCurveFee = b.CurveFee.Mul(pool.GovernanceFee)
		b.WithFee = b.WithoutFee.Sub(b.CurveFee).Sub(b.GovCurveFee)
		result = TradeResult{
			User:      Deltas{Base: in.Amount.Neg(), Bonds: b.WithFee},
			Pool:      Deltas{Base: in.Amount, Bonds: b.WithFee.Neg()},
			Breakdown: b,
		}
	case Bond:
		// without_fee_or_slippage = p * dy
		b.WithoutFeeOrSlippage = spot.Mul(in.Amount)
		b.WithoutFee = s.SharesOutGivenBondsIn(pool, in.Amount, timeElapsed).Mul(pool.SharePrice)
		b.CurveFee = in.Amount.Sub(b.WithoutFeeOrSlippage).Mul(pool.CurveFee)
		b.GovCurveFee = b.CurveFee.Mul(pool.GovernanceFee)
		b.WithFee = b.WithoutFee.Sub(b.CurveFee).Sub(b.GovCurveFee)
		result = TradeResult{
			User:      Deltas{Base: b.WithFee, Bonds: in.Amount.Neg()},
			Pool:      Deltas{Base: b.WithFee.Neg(), Bonds: in.Amount},
			Breakdown: b,
		}
	}
	return result, nil
}

// InGivenOut prices a swap for a known output amount entirely on the curve.
// Fees are computed on the same spread basis as OutGivenIn but increase the
// amount the payer must provide.
func (s CurveStrategy) InGivenOut(out Quantity, pool Pool, t hdtime.StretchedTime) (result TradeResult, err error) {
	defer fixedpoint.Catch(&err)
	if out.Unit != Base && out.Unit != Bond {
		return TradeResult{}, ErrInvalidToken
	}
	timeElapsed := fixedpoint.One().Sub(t.Stretched())
	spot := s.SpotPrice(pool, t)
	var b Breakdown
	switch out.Unit {
	case Base:
		dShares := out.Amount.Div(pool.SharePrice)
		b.WithoutFeeOrSlippage = fixedpoint.One().Div(spot).Mul(pool.SharePrice).Mul(dShares)
		b.WithoutFee = s.BondsInGivenSharesOut(pool, dShares, timeElapsed)
		b.CurveFee = out.Amount.Sub(b.WithoutFeeOrSlippage).Abs().Mul(pool.CurveFee)
		b.GovCurveFee = b.CurveFee.Mul(pool.GovernanceFee)
		b.WithFee = b.WithoutFee.Add(b.CurveFee).Add(b.GovCurveFee)
		result = TradeResult{
			User:      Deltas{Base: out.Amount, Bonds: b.WithFee.Neg()},
			Pool:      Deltas{Base: out.Amount.Neg(), Bonds: b.WithFee},
			Breakdown: b,
		}
	case Bond:
		b.WithoutFeeOrSlippage = spot.Mul(out.Amount)
		b.WithoutFee = s.SharesInGivenBondsOut(pool, out.Amount, timeElapsed).Mul(pool.SharePrice)
		b.CurveFee = out.Amount.Sub(b.WithoutFeeOrSlippage).Abs().Mul(pool.CurveFee)
		b.GovCurveFee = b.CurveFee.Mul(pool.GovernanceFee)
		b.WithFee = b.WithoutFee.Add(b.CurveFee).Add(b.GovCurveFee)
		result = TradeResult{
			User:      Deltas{Base: b.WithFee.Neg(), Bonds: out.Amount},
			Pool:      Deltas{Base: b.WithFee, Bonds: out.Amount.Neg()},
			Breakdown: b,
		}
	}
	return result, nil
}
