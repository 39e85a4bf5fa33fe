package pricing

import (
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
)

// Model prices trades with the flat+curve maturity decomposition. Every
// trade of amount A at normalized time n is split into a matured fraction
// A*(1-n) exchanged 1:1 for base (the flat part, charged the flat fee) and
// a live fraction A*n traded on the YieldSpace curve at full-term time
// (charged the curve fee). The matured fraction is first simulated against
// the reserves so the curve leg prices off post-redemption state.
//
// A Model is stateless and may be shared read-only across any number of
// market states.
type Model struct {
	curve CurveStrategy
}

// NewModel returns a flat+curve pricing model.
func NewModel() *Model {
	return &Model{}
}

// Curve exposes the embedded curve strategy for callers that need raw
// invariant math, such as the liquidity rescaling path.
func (m *Model) Curve() CurveStrategy {
	return m.curve
}

// maturedLeg splits amount into its matured bond and share equivalents at
// the given normalized time.
func maturedLeg(amount fixedpoint.FP, pool Pool, t hdtime.StretchedTime) (dBonds, dShares fixedpoint.FP) {
	dBonds = amount.Mul(fixedpoint.One().Sub(t.Normalized()))
	dShares = dBonds.Div(pool.SharePrice)
	return dBonds, dShares
}

// fullTerm pins the curve leg's time remaining to the full position
// duration. The flat+curve split already accounts for elapsed term time.
func fullTerm(t hdtime.StretchedTime) hdtime.StretchedTime {
	return t.WithDays(t.NormalizingConstant())
}

// OutGivenIn computes the output amount, fee breakdown and signed balance
// deltas for paying in a known amount of base or bonds.
func (m *Model) OutGivenIn(in Quantity, pool Pool, t hdtime.StretchedTime) (result TradeResult, err error) {
	defer fixedpoint.Catch(&err)
	if err = checkTrade(in, pool); err != nil {
		return TradeResult{}, err
	}
	// Redeem the matured fraction 1:1 and let those redemptions hit a copy
	// of the reserves before the curve leg is priced.
	dBonds, dShares := maturedLeg(in.Amount, pool, t)
	switch in.Unit {
	case Base:
		pool.ShareReserves = pool.ShareReserves.Add(dShares)
		pool.BondReserves = pool.BondReserves.Sub(dBonds)
	case Bond:
		pool.ShareReserves = pool.ShareReserves.Sub(dShares)
		pool.BondReserves = pool.BondReserves.Add(dBonds)
	}

	flatWithoutFee := in.Amount.Mul(fixedpoint.One().Sub(t.Normalized()))
	flatFee := flatWithoutFee.Mul(pool.FlatFee)
	govFlatFee := flatFee.Mul(pool.GovernanceFee)
	flatWithFee := flatWithoutFee.Sub(flatFee.Add(govFlatFee))

	curve, err := m.curve.OutGivenIn(
		Quantity{Amount: in.Amount.Mul(t.Normalized()), Unit: in.Unit},
		pool, fullTerm(t),
	)
	if err != nil {
		return TradeResult{}, err
	}

	result = TradeResult{
		Breakdown: Breakdown{
			WithoutFeeOrSlippage: flatWithoutFee.Add(curve.Breakdown.WithoutFeeOrSlippage),
			WithoutFee:           flatWithoutFee.Add(curve.Breakdown.WithoutFee),
			WithFee:              flatWithFee.Add(curve.Breakdown.WithFee),
			CurveFee:             curve.Breakdown.CurveFee,
			GovCurveFee:          curve.Breakdown.GovCurveFee,
			FlatFee:              flatFee,
			GovFlatFee:           govFlatFee,
		},
	}
	switch in.Unit {
	case Base:
		result.User = Deltas{Base: in.Amount.Neg(), Bonds: flatWithFee.Add(curve.User.Bonds)}
		result.Pool = Deltas{Base: in.Amount, Bonds: curve.Pool.Bonds}
	case Bond:
		result.User = Deltas{Base: flatWithFee.Add(curve.User.Base), Bonds: in.Amount.Neg()}
		result.Pool = Deltas{Base: flatWithFee.Neg().Add(curve.Pool.Base), Bonds: curve.Pool.Bonds}
	}
	return result, nil
}

// InGivenOut computes the input amount, fee breakdown and signed balance
// deltas required to receive a known amount of base or bonds. Fees increase
// the amount the payer must provide.
func (m *Model) InGivenOut(out Quantity, pool Pool, t hdtime.StretchedTime) (result TradeResult, err error) {
	defer fixedpoint.Catch(&err)
	if err = checkTrade(out, pool); err != nil {
		return TradeResult{}, err
	}
	dBonds, dShares := maturedLeg(out.Amount, pool, t)
	switch out.Unit {
	case Base:
		pool.ShareReserves = pool.ShareReserves.Sub(dShares)
		pool.BondReserves = pool.BondReserves.Add(dBonds)
	case Bond:
		pool.ShareReserves = pool.ShareReserves.Add(dShares)
		pool.BondReserves = pool.BondReserves.Sub(dBonds)
	}

	flatWithoutFee := out.Amount.Mul(fixedpoint.One().Sub(t.Normalized()))
	flatFee := flatWithoutFee.Mul(pool.FlatFee)
	govFlatFee := flatFee.Mul(pool.GovernanceFee)
	flatWithFee := flatWithoutFee.Add(flatFee).Add(govFlatFee)

	curve, err := m.curve.InGivenOut(
		Quantity{Amount: out.Amount.Mul(t.Normalized()), Unit: out.Unit},
		pool, fullTerm(t),
	)
	if err != nil {
		return TradeResult{}, err
	}

	result = TradeResult{
		Breakdown: Breakdown{
			WithoutFeeOrSlippage: flatWithoutFee.Add(curve.Breakdown.WithoutFeeOrSlippage),
			WithoutFee:           flatWithoutFee.Add(curve.Breakdown.WithoutFee),
			WithFee:              flatWithFee.Add(curve.Breakdown.WithFee),
			CurveFee:             curve.Breakdown.CurveFee,
			GovCurveFee:          curve.Breakdown.GovCurveFee,
			FlatFee:              flatFee,
			GovFlatFee:           govFlatFee,
		},
	}
	switch out.Unit {
	case Base:
		result.User = Deltas{Base: out.Amount, Bonds: flatWithFee.Neg().Add(curve.User.Bonds)}
		result.Pool = Deltas{Base: out.Amount.Neg(), Bonds: curve.Pool.Bonds}
	case Bond:
		result.User = Deltas{Base: flatWithFee.Neg().Add(curve.User.Base), Bonds: out.Amount}
		result.Pool = Deltas{Base: flatWithFee.Add(curve.Pool.Base), Bonds: curve.Pool.Bonds}
	}
	return result, nil
}

// MaxLong approximates the largest long the reserves can absorb by pricing
// the withdrawal of every free bond. Returns the base that buys it and the
// bonds received. Both are zero when the bond buffer already consumes the
// reserves.
func (m *Model) MaxLong(pool Pool, t hdtime.StretchedTime) (base, bonds fixedpoint.FP, err error) {
	outAmount := pool.BondReserves.Sub(pool.BondBuffer)
	if outAmount.Sign() <= 0 {
		return fixedpoint.Zero(), fixedpoint.Zero(), nil
	}
	in, err := m.InGivenOut(Quantity{Amount: outAmount, Unit: Bond}, pool, t)
	if err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	base = in.Breakdown.WithFee
	out, err := m.OutGivenIn(Quantity{Amount: base, Unit: Base}, pool, t)
	if err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	return base, out.Breakdown.WithFee, nil
}

// MaxShort approximates the largest short the reserves can absorb by
// pricing the withdrawal of every free share. Returns the base proceeds of
// the short (the short's maximum loss bound) and the bonds shorted.
func (m *Model) MaxShort(pool Pool, t hdtime.StretchedTime) (base, bonds fixedpoint.FP, err error) {
	outAmount := pool.ShareReserves.Sub(pool.BaseBuffer.Div(pool.SharePrice))
	if outAmount.Sign() <= 0 {
		return fixedpoint.Zero(), fixedpoint.Zero(), nil
	}
	in, err := m.InGivenOut(Quantity{Amount: outAmount, Unit: Bond}, pool, t)
	if err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	bonds = in.Breakdown.WithFee
	out, err := m.OutGivenIn(Quantity{Amount: bonds, Unit: Bond}, pool, t)
	if err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	return out.Breakdown.WithFee, bonds, nil
}

// InitialBondReserves solves for the bond reserves that price a freshly
// initialized pool at the target fixed APR:
//
//	y = z/2 * (mu * (1 + r*T)^(1/tau) - c)
//
// T is the term length in years.
func (m *Model) InitialBondReserves(targetAPR fixedpoint.FP, pool Pool, t hdtime.StretchedTime) (y fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	annualized := t.Days().Div(fixedpoint.MustFromString("365.0"))
	return pool.ShareReserves.Div(fixedpoint.MustFromString("2.0")).Mul(
		pool.InitSharePrice.Mul(
			fixedpoint.One().Add(targetAPR.Mul(annualized)).
				Pow(fixedpoint.One().Div(t.Stretched())),
		).Sub(pool.SharePrice),
	), nil
}

// BondReserves solves for the bond reserves that move an existing pool's
// fixed APR to targetAPR while holding share reserves and LP supply fixed:
//
//	y = mu * z * (1 + r*T)^(1/tau) - l
func (m *Model) BondReserves(targetAPR fixedpoint.FP, pool Pool, t hdtime.StretchedTime) (y fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	annualized := t.Days().Div(fixedpoint.MustFromString("365.0"))
	interestFactor := fixedpoint.One().Add(targetAPR.Mul(annualized)).
		Pow(fixedpoint.One().Div(t.Stretched()))
	return pool.InitSharePrice.Mul(pool.ShareReserves).Mul(interestFactor).
		Sub(pool.LPTotalSupply), nil
}

// SpotPrice returns the price of one bond in base. Fails with
// ErrDepletedPool when the pool has no bond-side liquidity.
func (m *Model) SpotPrice(pool Pool, t hdtime.StretchedTime) (p fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	if pool.BondReserves.Add(pool.LPTotalSupply).Sign() <= 0 {
		return fixedpoint.Zero(), ErrDepletedPool
	}
	return m.curve.SpotPrice(pool, t), nil
}

// APR returns the pool's fixed rate implied by the spot price:
//
//	r = (1 - p) / (p * T)
//
// with T the years remaining. The rate is quoted on the full annualized
// term, so p = 1 / (1 + r*T).
func (m *Model) APR(pool Pool, t hdtime.StretchedTime) (r fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	spot, err := m.SpotPrice(pool, t)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	annualized := t.Days().Div(fixedpoint.MustFromString("365.0"))
	if spot.Sign() <= 0 || annualized.Sign() <= 0 {
		return fixedpoint.Zero(), ErrDepletedPool
	}
	return fixedpoint.One().Sub(spot).Div(spot).Div(annualized), nil
}

// LPOutGivenTokensIn computes the LP tokens minted for a base deposit, plus
// the base and bond deltas the deposit implies for the reserves. rate is the
// pool's current fixed APR; the bond delta keeps the post-deposit pool
// priced at that rate.
func (m *Model) LPOutGivenTokensIn(dBase, rate fixedpoint.FP, pool Pool, t hdtime.StretchedTime) (lpOut, baseDelta, bondDelta fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	dShares := dBase.Div(pool.SharePrice)
	if pool.ShareReserves.Sign() > 0 {
		lpOut = dShares.Mul(pool.LPTotalSupply).
			Div(pool.ShareReserves.Sub(pool.BaseBuffer))
	} else {
		// Initial deposit, or a pool drained by a full withdrawal.
		lpOut = dShares
	}
	annualized := t.Days().Div(fixedpoint.MustFromString("365.0"))
	bondDelta = pool.ShareReserves.Add(dShares).Div(fixedpoint.MustFromString("2.0")).Mul(
		pool.InitSharePrice.Mul(
			fixedpoint.One().Add(rate.Mul(annualized)).
				Pow(fixedpoint.One().DivUp(t.Stretched())),
		).Sub(pool.SharePrice),
	).Sub(pool.BondReserves)
	return lpOut, dBase, bondDelta, nil
}

// TokensOutGivenLPIn computes the share and bond amounts released by burning
// lpIn LP tokens. Longs outstanding are carved out of the share reserves
// first so the withdrawal cannot strip collateral backing open positions.
// Both results are positive amounts leaving the pool.
func (m *Model) TokensOutGivenLPIn(lpIn fixedpoint.FP, pool Pool) (sharesDelta, bondsDelta fixedpoint.FP, err error) {
	defer fixedpoint.Catch(&err)
	percent := lpIn.Div(pool.LPTotalSupply)
	// dz = (z - o_l / c) * (dl / l)
	sharesDelta = pool.ShareReserves.Sub(pool.LongsOutstanding.Div(pool.SharePrice)).Mul(percent)
	bondsDelta = pool.BondReserves.Sub(
		pool.BondReserves.Mul(pool.ShareReserves.Sub(sharesDelta)).Div(pool.ShareReserves),
	)
	return sharesDelta, bondsDelta, nil
}
