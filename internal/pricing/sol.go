package pricing

// Direct ports of the on-chain max-trade solvers. Unlike the Model methods,
// these take the time stretch in its on-chain multiplier form (tau itself,
// e.g. 0.0444.. for a 5% pool) rather than the divisor carried by
// hdtime.StretchedTime, and they operate on bare bond reserves with no LP
// supply adjustment. Downstream parity tests assert their outputs against
// contract traces to the wei, so the operation order here mirrors the
// contracts exactly.

import (
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

// MaxLongResult is the outcome of the iterative max-long solve.
type MaxLongResult struct {
	BaseAmount fixedpoint.FP
	BondAmount fixedpoint.FP
}

// CalculateSpotPrice returns the contract-form spot price
//
//	p = (mu * z / y)^t_stretch
//
// with timeStretch in multiplier form.
func CalculateSpotPrice(shareReserves, bondReserves, initialSharePrice, timeStretch fixedpoint.FP) (p fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	return initialSharePrice.Mul(shareReserves).Div(bondReserves).Pow(timeStretch), nil
}

// modifiedYieldSpaceConstant is the invariant constant in its contract form,
// with no LP supply added to the bond reserves:
//
//	k = (c/mu) * (mu*z)^t + y^t
func modifiedYieldSpaceConstant(cDivMu, mu, z, t, y fixedpoint.FP) fixedpoint.FP {
	return cDivMu.Mul(mu.Mul(z).Pow(t)).Add(y.Pow(t))
}

// calculateMaxBuy solves for the largest curve buy before the spot price
// pins to one. At that point mu*z' = y', so the invariant collapses to
// y'^t * (c/mu + 1) = k.
func calculateMaxBuy(z, y, t, c, mu fixedpoint.FP) (dz, dy fixedpoint.FP) {
	cDivMu := c.Div(mu)
	k := modifiedYieldSpaceConstant(cDivMu, mu, z, t, y)
	optimalY := k.Div(cDivMu.Add(fixedpoint.One())).Pow(fixedpoint.One().Div(t))
	optimalZ := optimalY.Div(mu)
	return optimalZ.Sub(z), y.Sub(optimalY)
}

// calculateBondsOutGivenSharesIn is the contract-form curve kernel:
//
//	dy = y - (k - (c/mu) * (mu*(z + dz))^t)^(1/t)
func calculateBondsOutGivenSharesIn(z, y, dz, t, c, mu fixedpoint.FP) fixedpoint.FP {
	cDivMu := c.Div(mu)
	k := modifiedYieldSpaceConstant(cDivMu, mu, z, t, y)
	return y.Sub(
		k.Sub(cDivMu.Mul(mu.Mul(z.Add(dz)).Pow(t))).Pow(fixedpoint.One().Div(t)),
	)
}

// CalculateMaxLong computes the largest long the pool can mint without
// violating solvency. There is no closed form once the long buffer binds, so
// after checking whether the unconstrained curve maximum is solvent it
// refines a linear approximation of the solvency error for up to
// maxIterations steps, keeping the best solvent trade seen.
func CalculateMaxLong(
	shareReserves, bondReserves, longsOutstanding, timeStretch,
	sharePrice, initialSharePrice, minimumShareReserves fixedpoint.FP,
	maxIterations int,
) (result MaxLongResult, err error) {
	defer fixedpoint.Catch(&err)

	// Upper bound: the largest buy that stays out of negative-interest
	// territory. If it passes the solvency check we are done.
	timeElapsed := fixedpoint.One().Sub(fixedpoint.One().Mul(timeStretch))
	dz, dy := calculateMaxBuy(shareReserves, bondReserves, timeElapsed, sharePrice, initialSharePrice)
	if shareReserves.Add(dz).Gte(longsOutstanding.Add(dy).Div(sharePrice).Add(minimumShareReserves)) {
		return MaxLongResult{BaseAmount: dz.Mul(sharePrice), BondAmount: dy}, nil
	}

	// Initial guess: treat the solvency shortfall as the error and use the
	// realized price of the max buy to approximate dy = (c/p) * dz, which
	// gives dz = (z - y_l/c) * (p / (1 - p)).
	p := sharePrice.Mul(dz).Div(dy)
	dz = shareReserves.Sub(longsOutstanding.Div(sharePrice)).Sub(minimumShareReserves).
		Mul(p).Div(fixedpoint.One().Sub(p))
	dy = calculateBondsOutGivenSharesIn(
		shareReserves, bondReserves, dz,
		fixedpoint.One().Sub(timeStretch), sharePrice, initialSharePrice,
	)

	for i := 0; i < maxIterations; i++ {
		approximationError := shareReserves.Add(dz).
			Sub(longsOutstanding.Add(dy).Div(sharePrice)).
			Sub(minimumShareReserves)

		if approximationError.Sign() > 0 && dz.Mul(sharePrice).Gt(result.BaseAmount) {
			result = MaxLongResult{BaseAmount: dz.Mul(sharePrice), BondAmount: dy}
		}

		spot, perr := CalculateSpotPrice(shareReserves.Add(dz), bondReserves.Sub(dy), initialSharePrice, timeStretch)
		if perr != nil {
			return result, perr
		}
		if spot.Gte(fixedpoint.One()) {
			break
		}
		if approximationError.Sign() < 0 {
			delta := approximationError.Neg().Mul(spot).Div(fixedpoint.One().Sub(spot))
			if dz.Gt(delta) {
				dz = dz.Sub(delta)
			} else {
				dz = fixedpoint.Zero()
			}
		} else {
			dz = dz.Add(approximationError.Mul(spot).Div(fixedpoint.One().Sub(spot)))
		}
		newDy := calculateBondsOutGivenSharesIn(
			shareReserves, bondReserves, dz,
			fixedpoint.One().Sub(timeStretch), sharePrice, initialSharePrice,
		)
		if bondReserves.Sub(newDy).Sign() <= 0 {
			break
		}
		dy = newDy
	}
	return result, nil
}

// CalculateMaxShort computes the largest short the pool can absorb in
// closed form. The short is bounded by the bond reserves that drain the
// share reserves down to the long buffer plus the minimum reserve floor:
//
//	y_max = (k - (c/mu) * (mu*y_l/c + z_min^t))^(1/t) - y
func CalculateMaxShort(
	shareReserves, bondReserves, longsOutstanding, timeStretch,
	sharePrice, initialSharePrice, minimumShareReserves fixedpoint.FP,
) (maxShort fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	t := fixedpoint.One().Sub(timeStretch)
	priceFactor := sharePrice.Div(initialSharePrice)
	k := modifiedYieldSpaceConstant(priceFactor, initialSharePrice, shareReserves, t, bondReserves)
	innerFactor := initialSharePrice.Mul(longsOutstanding).Div(sharePrice).
		Add(minimumShareReserves.Pow(t))
	optimalBondReserves := k.Sub(priceFactor.Mul(innerFactor)).Pow(fixedpoint.One().Div(t))
	return optimalBondReserves.Sub(bondReserves), nil
}
