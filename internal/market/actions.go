package market

import (
	"github.com/delvtech/hyperdrive-engine/internal/checkpoint"
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
	"github.com/delvtech/hyperdrive-engine/internal/metrics"
	"github.com/delvtech/hyperdrive-engine/internal/pricing"
	"github.com/delvtech/hyperdrive-engine/internal/wallet"
)

type positionSide int

const (
	sideLong positionSide = iota
	sideShort
)

// updateWeightedAverage folds a new observation into a running weighted
// average. Removing the entire weight resets the average to zero.
func updateWeightedAverage(average, totalWeight, delta, deltaWeight fixedpoint.FP, adding bool) fixedpoint.FP {
	if adding {
		return totalWeight.Mul(average).Add(deltaWeight.Mul(delta)).Div(totalWeight.Add(deltaWeight))
	}
	if deltaWeight.Gte(totalWeight) {
		return fixedpoint.Zero()
	}
	return totalWeight.Mul(average).Sub(deltaWeight.Mul(delta)).Div(totalWeight.Sub(deltaWeight))
}

// calculateBaseVolume recovers the full-term base volume of a trade from its
// backdated base amount: base = t*volume + (1-t)*bonds.
func calculateBaseVolume(baseAmount, bondAmount, normalizedTimeRemaining fixedpoint.FP) fixedpoint.FP {
	if normalizedTimeRemaining.IsZero() {
		return fixedpoint.Zero()
	}
	matured := fixedpoint.One().Sub(normalizedTimeRemaining).Mul(bondAmount)
	return baseAmount.Sub(matured).Div(normalizedTimeRemaining)
}

// lpAllocationAdjustment converts outstanding positions into a share-valued
// adjustment so that new LPs do not capture interest accrued before they
// joined: (t*volume + (1-t)*outstanding) / c.
func lpAllocationAdjustment(positionsOutstanding, baseVolume, averageTimeRemaining, sharePrice fixedpoint.FP) fixedpoint.FP {
	baseAdjustment := averageTimeRemaining.Mul(baseVolume).
		Add(fixedpoint.One().Sub(averageTimeRemaining).Mul(positionsOutstanding))
	return baseAdjustment.Div(sharePrice)
}

func (m *Market) shortAdjustment(marketTimeYears fixedpoint.FP) fixedpoint.FP {
	s := &m.state
	if marketTimeYears.Gt(s.ShortAverageMaturityTime) {
		return fixedpoint.Zero()
	}
	normalized := s.ShortAverageMaturityTime.Sub(marketTimeYears).
		Div(m.duration.NormalizingConstant().Div(fixedpoint.NewFromInt(365)))
	return lpAllocationAdjustment(s.ShortsOutstanding, s.ShortBaseVolume, normalized, s.SharePrice)
}

func (m *Market) longAdjustment(marketTimeYears fixedpoint.FP) fixedpoint.FP {
	s := &m.state
	if marketTimeYears.Gt(s.LongAverageMaturityTime) {
		return fixedpoint.Zero()
	}
	normalized := s.LongAverageMaturityTime.Sub(marketTimeYears).
		Div(m.duration.NormalizingConstant().Div(fixedpoint.NewFromInt(365)))
	return lpAllocationAdjustment(s.LongsOutstanding, s.LongBaseVolume, normalized, s.SharePrice)
}

// checkpointDeltas computes the proportional base-volume reduction and the
// LP-provided margin released when bondAmount of the bucket at mintTime is
// closed. Volume is tracked per side in the checkpoint record.
func (m *Market) checkpointDeltas(mintTime int64, bondAmount fixedpoint.FP, side positionSide) (dBaseVolume, lpMargin fixedpoint.FP) {
	var supply fixedpoint.FP
	cp := m.checkpoints.Get(mintTime)
	var volume fixedpoint.FP
	if side == sideShort {
		supply = m.state.TotalSupplyShorts[mintTime]
		volume = cp.ShortBaseVolume
	} else {
		supply = m.state.TotalSupplyLongs[mintTime]
		volume = cp.LongBaseVolume
	}
	if supply.IsZero() {
		return fixedpoint.Zero(), fixedpoint.Zero()
	}
	proportional := volume.Mul(bondAmount).Div(supply)
	return proportional.Neg(), bondAmount.Sub(proportional)
}

// updateReserves scales the bond reserves with a share reserves adjustment so
// the pool APR stays constant. A zero adjustment leaves both unchanged.
func updateReserves(shareReserves, bondReserves, shareReservesDelta fixedpoint.FP) (fixedpoint.FP, fixedpoint.FP) {
	if shareReservesDelta.IsZero() {
		return shareReserves, bondReserves
	}
	updatedShares := shareReserves.Add(shareReservesDelta)
	updatedBonds := bondReserves.Mul(updatedShares).Div(shareReserves)
	return updatedShares, updatedBonds
}

// shortInterest is the variable interest in shares accrued by a short's
// margin: ((c1 - c0) / (c0 * c)) * dy, floored at zero.
func shortInterest(bondAmount, openSharePrice, closeSharePrice, sharePrice fixedpoint.FP) fixedpoint.FP {
	if !closeSharePrice.Gt(openSharePrice) {
		return fixedpoint.Zero()
	}
	return bondAmount.Mul(closeSharePrice.Sub(openSharePrice)).
		Div(openSharePrice.Mul(sharePrice))
}

// shortProceeds is the payout in shares of closing a short position:
// (c1 / c0) * dy / c - dz, floored at zero when interest losses outweigh
// the margin released.
func shortProceeds(bondAmount, shareAmount, openSharePrice, closeSharePrice, sharePrice fixedpoint.FP) fixedpoint.FP {
	bondFactor := bondAmount.Mul(closeSharePrice).Div(openSharePrice.Mul(sharePrice))
	if !bondFactor.Gt(shareAmount) {
		return fixedpoint.Zero()
	}
	return bondFactor.Sub(shareAmount)
}

// freeMargin moves released capital into the withdrawal pool and marks the
// matching shares ready, scaling down when more margin is freed than the
// queue needs.
func (m *Market) freeMargin(freedCapital, maxCapital, interest fixedpoint.FP) Deltas {
	s := &m.state
	if s.TotalSupplyWithdrawShares.Lte(s.WithdrawSharesReady) {
		return Deltas{}
	}
	if maxCapital.Add(s.WithdrawSharesReady).Gt(s.TotalSupplyWithdrawShares) {
		adjustment := s.TotalSupplyWithdrawShares.Sub(s.WithdrawSharesReady).Div(maxCapital)
		freedCapital = freedCapital.Mul(adjustment)
		maxCapital = maxCapital.Mul(adjustment)
		interest = interest.Mul(adjustment)
	}
	return Deltas{
		WithdrawSharesReady: maxCapital,
		WithdrawCapital:     freedCapital,
		WithdrawInterest:    interest,
	}
}

// updateLongSharePrice folds the current share price into the latest
// checkpoint's weighted-average long open price.
func (m *Market) updateLongSharePrice(bondProceeds fixedpoint.FP) {
	latest := m.LatestCheckpointTime()
	cp := m.checkpoints.Get(latest)
	supply := m.state.TotalSupplyLongs[latest]
	updated := updateWeightedAverage(cp.LongSharePrice, supply, m.state.SharePrice, bondProceeds, true)
	m.checkpoints.Update(latest, func(c *checkpoint.Checkpoint) {
		c.LongSharePrice = updated
	})
}

// OpenLong buys bonds with baseAmount of base. The trader's wallet is
// debited the base and credited a long position at the latest checkpoint.
func (m *Market) OpenLong(w *wallet.Wallet, baseAmount fixedpoint.FP) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.LatestCheckpointTime()
	if _, err := m.applyCheckpoint(latest, m.state.SharePrice); err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	if w.Base.Lt(baseAmount) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	spot, err := m.model.SpotPrice(m.pool(), m.duration)
	if err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	if baseAmount.Gt(m.state.BondReserves.Mul(spot)) {
		metrics.TradesRejected.WithLabelValues("insufficient_liquidity").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientLiquidity
	}
	res, err := m.model.OutGivenIn(
		pricing.Quantity{Amount: baseAmount, Unit: pricing.Base}, m.pool(), m.duration,
	)
	if err != nil {
		metrics.TradesRejected.WithLabelValues("pricing").Inc()
		return Deltas{}, wallet.Deltas{}, err
	}
	s := &m.state
	annualized := m.annualizedDuration()
	newAverage := updateWeightedAverage(
		s.LongAverageMaturityTime, s.LongsOutstanding, annualized, res.Pool.Bonds.Neg(), true,
	)
	dAverage := newAverage.Sub(s.LongAverageMaturityTime)
	baseVolume := calculateBaseVolume(res.Pool.Base, baseAmount, fixedpoint.One())
	md := Deltas{
		Base:                    res.Pool.Base,
		Bonds:                   res.Pool.Bonds,
		BaseBuffer:              res.User.Bonds,
		LongsOutstanding:        res.User.Bonds,
		LongAverageMaturityTime: dAverage,
		LongBaseVolume:          baseVolume,
		GovFeesAccrued:          res.Breakdown.GovCurveFee.Add(res.Breakdown.GovFlatFee),
		LongCheckpoints:         map[int64]fixedpoint.FP{latest: baseVolume},
		TotalSupplyLongs:        map[int64]fixedpoint.FP{latest: res.User.Bonds},
	}
	m.updateLongSharePrice(res.Pool.Bonds.Abs())
	m.applyDelta(md)

	fee := res.Breakdown.CurveFee.Add(res.Breakdown.FlatFee)
	wd := wallet.Deltas{Base: res.User.Base, FeesPaid: fee}
	wd.AddLong(latest, res.User.Bonds)
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("open_long").Inc()
	metrics.GovFeesAccrued.Add(md.GovFeesAccrued.Float64())
	m.log.Info("long opened",
		"wallet", w.ID.String(),
		"base_in", baseAmount.String(),
		"bonds_out", res.User.Bonds.String(),
		"mint_time", latest,
	)
	return md, wd, nil
}

// closeLongDeltas prices the close of bondAmount longs minted at mintTime.
// With isTrade false the reserves are left alone and no proceeds are paid;
// that path is used when a checkpoint sweeps matured positions.
func (m *Market) closeLongDeltas(bondAmount fixedpoint.FP, mintTime int64, isTrade bool) (Deltas, fixedpoint.FP, fixedpoint.FP, error) {
	s := &m.state
	remaining, err := m.timeRemaining(mintTime)
	if err != nil {
		return Deltas{}, fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	var (
		shareReservesDelta fixedpoint.FP
		bondReservesDelta  fixedpoint.FP
		baseProceeds       fixedpoint.FP
		fee                fixedpoint.FP
		govFee             fixedpoint.FP
	)
	if isTrade {
		res, err := m.model.OutGivenIn(
			pricing.Quantity{Amount: bondAmount, Unit: pricing.Bond}, m.pool(), remaining,
		)
		if err != nil {
			return Deltas{}, fixedpoint.Zero(), fixedpoint.Zero(), err
		}
		bondReservesDelta = res.Pool.Bonds
		shareReservesDelta = res.Pool.Base.Div(s.SharePrice)
		baseProceeds = res.User.Base
		fee = res.Breakdown.CurveFee.Add(res.Breakdown.FlatFee)
		govFee = res.Breakdown.GovCurveFee.Add(res.Breakdown.GovFlatFee)
	}
	annualized := m.annualizedDuration()
	newAverage := updateWeightedAverage(
		s.LongAverageMaturityTime, s.LongsOutstanding, annualized, bondAmount, false,
	)
	dAverage := newAverage.Sub(s.LongAverageMaturityTime)
	dBaseVolume, lpMargin := m.checkpointDeltas(mintTime, bondAmount, sideLong)

	// The matured fraction of the position is paid out of the pool's
	// liquidity at one base per bond, adjusted down if the share price has
	// fallen since the pool was initialized.
	now := m.clock.Seconds()
	elapsed := hdtime.YearsFromSeconds(now - mintTime).Div(annualized)
	shareProceeds := bondAmount.Mul(elapsed).Div(s.SharePrice)
	closeSharePrice := s.SharePrice
	if now >= mintTime+m.durationSeconds {
		closeSharePrice = m.checkpoints.Get(mintTime).SharePrice
	}
	if s.InitSharePrice.Gt(closeSharePrice) && closeSharePrice.Sign() > 0 {
		shareProceeds = shareProceeds.Mul(closeSharePrice).Div(s.InitSharePrice)
	}
	shareAdjustment := shareProceeds.Sub(shareReservesDelta).Neg()

	var withdrawDeltas Deltas
	if s.TotalSupplyWithdrawShares.Gt(s.WithdrawSharesReady) {
		openSharePrice := m.checkpoints.Get(mintTime).LongSharePrice
		if openSharePrice.Sign() > 0 {
			// The withdrawal pool has first claim on the margin and interest
			// freed by closing longs; those proceeds mirror a short position.
			proceeds := shortProceeds(bondAmount, shareProceeds, openSharePrice, s.SharePrice, s.SharePrice)
			lpInterest := shortInterest(bondAmount, openSharePrice, s.SharePrice, s.SharePrice)
			capitalFreed := fixedpoint.Zero()
			if proceeds.Gt(lpInterest) {
				capitalFreed = proceeds.Sub(lpInterest)
			}
			withdrawDeltas = m.freeMargin(capitalFreed, lpMargin.Div(openSharePrice), lpInterest)
			paid := withdrawDeltas.WithdrawCapital.Add(withdrawDeltas.WithdrawInterest)
			shareAdjustment = shareAdjustment.Sub(paid)
		}
	}
	adjustedShares, adjustedBonds := updateReserves(
		s.ShareReserves.Add(shareReservesDelta), s.BondReserves.Add(bondReservesDelta), shareAdjustment,
	)
	shareReservesDelta = adjustedShares.Sub(s.ShareReserves)
	bondReservesDelta = adjustedBonds.Sub(s.BondReserves)
	md := Deltas{
		Base:                    shareReservesDelta.Mul(s.SharePrice),
		Bonds:                   bondReservesDelta,
		BaseBuffer:              bondAmount.Neg(),
		LongsOutstanding:        bondAmount.Neg(),
		LongAverageMaturityTime: dAverage,
		LongBaseVolume:          dBaseVolume,
		GovFeesAccrued:          govFee,
		WithdrawSharesReady:     withdrawDeltas.WithdrawSharesReady,
		WithdrawCapital:         withdrawDeltas.WithdrawCapital,
		WithdrawInterest:        withdrawDeltas.WithdrawInterest,
		LongCheckpoints:         map[int64]fixedpoint.FP{mintTime: dBaseVolume},
		TotalSupplyLongs:        map[int64]fixedpoint.FP{mintTime: bondAmount.Neg()},
	}
	return md, baseProceeds, fee, nil
}

// CloseLong sells back bondAmount of the long position minted at mintTime
// and credits the trader's wallet with the base proceeds.
func (m *Market) CloseLong(w *wallet.Wallet, bondAmount fixedpoint.FP, mintTime int64) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.LongBalance(mintTime).Lt(bondAmount) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	if _, err := m.applyCheckpoint(mintTime, m.state.SharePrice); err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	md, baseProceeds, fee, err := m.closeLongDeltas(bondAmount, mintTime, true)
	if err != nil {
		metrics.TradesRejected.WithLabelValues("pricing").Inc()
		return Deltas{}, wallet.Deltas{}, err
	}
	m.applyDelta(md)

	wd := wallet.Deltas{Base: baseProceeds, FeesPaid: fee}
	wd.AddLong(mintTime, bondAmount.Neg())
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("close_long").Inc()
	metrics.GovFeesAccrued.Add(md.GovFeesAccrued.Float64())
	m.log.Info("long closed",
		"wallet", w.ID.String(),
		"bonds_in", bondAmount.String(),
		"base_out", baseProceeds.String(),
		"mint_time", mintTime,
	)
	return md, wd, nil
}

// OpenShort sells bondAmount bonds the trader does not hold. The wallet is
// debited the maximum-loss deposit and credited a short position carrying
// the current share price. A positive maxDeposit caps the deposit.
func (m *Market) OpenShort(w *wallet.Wallet, bondAmount, maxDeposit fixedpoint.FP) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.LatestCheckpointTime()
	if _, err := m.applyCheckpoint(latest, m.state.SharePrice); err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	s := &m.state
	remaining, err := m.timeRemaining(latest)
	if err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	res, err := m.model.OutGivenIn(
		pricing.Quantity{Amount: bondAmount, Unit: pricing.Bond}, m.pool(), remaining,
	)
	if err != nil {
		metrics.TradesRejected.WithLabelValues("pricing").Inc()
		return Deltas{}, wallet.Deltas{}, err
	}
	annualized := m.annualizedDuration()

	// The short's deposit covers the worst case: one base per bond at
	// maturity, less the proceeds of the bond sale and any backdated
	// interest owed back to the pool.
	elapsed := hdtime.YearsFromSeconds(m.clock.Seconds() - latest).Div(annualized)
	shareReservesDelta := res.Pool.Base.Div(s.SharePrice)
	bondReservesDelta := res.Pool.Bonds
	shareProceeds := bondAmount.Mul(elapsed).Div(s.SharePrice).Add(shareReservesDelta.Abs())
	openSharePrice := m.checkpoints.Get(latest).SharePrice
	deposit := shortProceeds(bondAmount, shareProceeds, openSharePrice, s.SharePrice, s.SharePrice)
	if w.Base.Lt(deposit) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	if maxDeposit.Sign() > 0 && deposit.Gt(maxDeposit) {
		metrics.TradesRejected.WithLabelValues("output_limit").Inc()
		return Deltas{}, wallet.Deltas{}, ErrOutputLimit
	}
	newAverage := updateWeightedAverage(
		s.ShortAverageMaturityTime, s.ShortsOutstanding, annualized, bondAmount, true,
	)
	dAverage := newAverage.Sub(s.ShortAverageMaturityTime)
	if s.ShortAverageMaturityTime.Add(dAverage).Sign() < 0 {
		dAverage = s.ShortAverageMaturityTime
	}
	baseVolume := calculateBaseVolume(res.User.Base, bondAmount, fixedpoint.One())
	// Scale the bond reserves so the trade holds the pool APR constant.
	_, updatedBonds := updateReserves(
		s.ShareReserves.Add(shareReservesDelta), s.BondReserves.Add(bondReservesDelta), shareReservesDelta,
	)
	bondReservesDelta = bondReservesDelta.Add(updatedBonds.Sub(s.BondReserves))
	md := Deltas{
		Base:                     res.Pool.Base,
		Bonds:                    bondReservesDelta,
		BondBuffer:               bondAmount,
		ShortsOutstanding:        bondAmount,
		ShortAverageMaturityTime: dAverage,
		ShortBaseVolume:          baseVolume,
		GovFeesAccrued:           res.Breakdown.GovCurveFee.Add(res.Breakdown.GovFlatFee),
		ShortCheckpoints:         map[int64]fixedpoint.FP{latest: baseVolume},
		TotalSupplyShorts:        map[int64]fixedpoint.FP{latest: bondAmount},
	}
	m.applyDelta(md)

	fee := res.Breakdown.CurveFee.Add(res.Breakdown.FlatFee)
	wd := wallet.Deltas{Base: deposit.Neg(), FeesPaid: fee}
	wd.AddShort(latest, bondAmount, s.SharePrice)
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("open_short").Inc()
	metrics.GovFeesAccrued.Add(md.GovFeesAccrued.Float64())
	m.log.Info("short opened",
		"wallet", w.ID.String(),
		"bonds", bondAmount.String(),
		"deposit", deposit.String(),
		"mint_time", latest,
	)
	return md, wd, nil
}

// closeShortDeltas prices the close of bondAmount shorts minted at mintTime
// against the open share price recorded for the position. Returns the
// deltas, the trader's payout in base, and the fee paid.
func (m *Market) closeShortDeltas(bondAmount fixedpoint.FP, mintTime int64, openSharePrice fixedpoint.FP) (Deltas, fixedpoint.FP, fixedpoint.FP, error) {
	s := &m.state
	if bondAmount.Gt(s.BondReserves.Sub(s.BondBuffer)) {
		return Deltas{}, fixedpoint.Zero(), fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	if openSharePrice.IsZero() {
		openSharePrice = s.SharePrice
	}
	remaining, err := m.timeRemaining(mintTime)
	if err != nil {
		return Deltas{}, fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	res, err := m.model.InGivenOut(
		pricing.Quantity{Amount: bondAmount, Unit: pricing.Bond}, m.pool(), remaining,
	)
	if err != nil {
		return Deltas{}, fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	shareReservesDelta := res.Pool.Base.Div(s.SharePrice)
	bondReservesDelta := res.Pool.Bonds
	sharePayment := res.User.Base.Div(s.SharePrice)
	fee := res.Breakdown.CurveFee.Add(res.Breakdown.FlatFee)
	govFee := res.Breakdown.GovCurveFee.Add(res.Breakdown.GovFlatFee)

	annualized := m.annualizedDuration()
	newAverage := updateWeightedAverage(
		s.ShortAverageMaturityTime, s.ShortsOutstanding, annualized, bondAmount, false,
	)
	dAverage := newAverage.Sub(s.ShortAverageMaturityTime)
	dBaseVolume, lpMargin := m.checkpointDeltas(mintTime, bondAmount, sideShort)
	dBaseVolume = fixedpoint.Max(dBaseVolume, s.ShortBaseVolume.Neg())

	// The flat component of the payment is fixed interest owed to the pool
	// and is folded into its liquidity.
	shareAdjustment := sharePayment.Sub(shareReservesDelta.Abs())
	var withdrawDeltas Deltas
	if s.TotalSupplyWithdrawShares.Gt(s.WithdrawSharesReady) {
		interest := fixedpoint.Zero()
		if res.User.Base.Gte(lpMargin) {
			interest = res.User.Base.Sub(lpMargin).Div(s.SharePrice)
		}
		withdrawDeltas = m.freeMargin(sharePayment.Sub(interest), lpMargin.Div(openSharePrice), interest)
		paid := withdrawDeltas.WithdrawCapital.Add(withdrawDeltas.WithdrawInterest)
		shareAdjustment = shareAdjustment.Sub(paid)
	}
	adjustedShares, adjustedBonds := updateReserves(
		s.ShareReserves.Add(shareReservesDelta), s.BondReserves.Add(bondReservesDelta), shareAdjustment,
	)
	shareReservesDelta = adjustedShares.Sub(s.ShareReserves)
	bondReservesDelta = adjustedBonds.Sub(s.BondReserves)

	// The short recovers its margin at face value marked to the share price
	// spread since open, less the cost of buying the bonds back.
	baseOut := s.SharePrice.Div(openSharePrice).Mul(bondAmount).Add(res.User.Base)
	baseOut = fixedpoint.Max(baseOut, fixedpoint.Zero())
	md := Deltas{
		Base:                     shareReservesDelta.Mul(s.SharePrice),
		Bonds:                    bondReservesDelta,
		BondBuffer:               bondAmount.Neg(),
		ShortsOutstanding:        bondAmount.Neg(),
		ShortAverageMaturityTime: dAverage,
		ShortBaseVolume:          dBaseVolume,
		GovFeesAccrued:           govFee,
		WithdrawSharesReady:      withdrawDeltas.WithdrawSharesReady,
		WithdrawCapital:          withdrawDeltas.WithdrawCapital,
		WithdrawInterest:         withdrawDeltas.WithdrawInterest,
		ShortCheckpoints:         map[int64]fixedpoint.FP{mintTime: dBaseVolume},
		TotalSupplyShorts:        map[int64]fixedpoint.FP{mintTime: bondAmount.Neg()},
	}
	return md, baseOut, fee, nil
}

// CloseShort buys back bondAmount of the short position minted at mintTime
// and returns the remaining margin to the trader's wallet.
func (m *Market) CloseShort(w *wallet.Wallet, bondAmount fixedpoint.FP, mintTime int64) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ShortBalance(mintTime).Lt(bondAmount) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	if _, err := m.applyCheckpoint(mintTime, m.state.SharePrice); err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	openSharePrice := w.OpenSharePrice(mintTime)
	md, baseOut, fee, err := m.closeShortDeltas(bondAmount, mintTime, openSharePrice)
	if err != nil {
		if err == ErrInsufficientLiquidity {
			metrics.TradesRejected.WithLabelValues("insufficient_liquidity").Inc()
		} else {
			metrics.TradesRejected.WithLabelValues("pricing").Inc()
		}
		return Deltas{}, wallet.Deltas{}, err
	}
	m.applyDelta(md)

	wd := wallet.Deltas{Base: baseOut, FeesPaid: fee}
	wd.AddShort(mintTime, bondAmount.Neg(), fixedpoint.Zero())
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("close_short").Inc()
	metrics.GovFeesAccrued.Add(md.GovFeesAccrued.Float64())
	m.log.Info("short closed",
		"wallet", w.ID.String(),
		"bonds", bondAmount.String(),
		"base_out", baseOut.String(),
		"mint_time", mintTime,
	)
	return md, wd, nil
}

// lpOutGivenTokensIn computes the LP tokens minted for a base contribution,
// discounting share reserves that back interest already owed to open
// positions so late joiners do not capture it.
func (m *Market) lpOutGivenTokensIn(baseIn, rate fixedpoint.FP) (lpOut, dBase, dBonds fixedpoint.FP) {
	s := &m.state
	deltaShares := baseIn.Div(s.SharePrice)
	annualized := m.annualizedDuration()
	growth := fixedpoint.One().Add(rate.Mul(annualized)).
		Pow(fixedpoint.One().Div(m.duration.Stretched()))
	dBonds = s.ShareReserves.Add(deltaShares).Div(fixedpoint.NewFromInt(2)).
		Mul(s.InitSharePrice.Mul(growth).Sub(s.SharePrice)).
		Sub(s.BondReserves)
	if s.ShareReserves.Sign() > 0 {
		now := hdtime.YearsFromSeconds(m.clock.Seconds())
		denom := s.ShareReserves.Add(m.shortAdjustment(now)).Sub(m.longAdjustment(now))
		lpOut = deltaShares.Mul(s.LPTotalSupply).Div(denom)
	} else {
		lpOut = deltaShares
	}
	return lpOut, baseIn, dBonds
}

// AddLiquidity mints LP tokens for a base contribution at the current fixed
// rate.
func (m *Market) AddLiquidity(w *wallet.Wallet, baseIn fixedpoint.FP) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.applyCheckpoint(m.LatestCheckpointTime(), m.state.SharePrice); err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	s := &m.state
	if baseIn.Sign() <= 0 {
		metrics.TradesRejected.WithLabelValues("invalid_amount").Inc()
		return Deltas{}, wallet.Deltas{}, pricing.ErrTradeTooSmall
	}
	if w.Base.Lt(baseIn) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	rate := fixedpoint.Zero()
	if s.ShareReserves.Sign() > 0 || s.BondReserves.Sign() > 0 {
		apr, err := m.fixedAPR()
		if err != nil {
			return Deltas{}, wallet.Deltas{}, err
		}
		rate = apr
	}
	lpOut, dBase, dBonds := m.lpOutGivenTokensIn(baseIn, rate)
	md := Deltas{Base: dBase, Bonds: dBonds, LPTotalSupply: lpOut}
	m.applyDelta(md)

	wd := wallet.Deltas{Base: dBase.Neg(), LPTokens: lpOut}
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("add_liquidity").Inc()
	metrics.LPTokenSupply.Set(m.state.LPTotalSupply.Float64())
	m.log.Info("liquidity added",
		"wallet", w.ID.String(),
		"base_in", baseIn.String(),
		"lp_out", lpOut.String(),
	)
	return md, wd, nil
}

// RemoveLiquidity burns LP tokens for the holder's share of the reserves.
// Margin backing open positions cannot leave the pool immediately, so that
// portion is paid as withdrawal shares redeemable once positions close.
func (m *Market) RemoveLiquidity(w *wallet.Wallet, lpShares fixedpoint.FP) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.applyCheckpoint(m.LatestCheckpointTime(), m.state.SharePrice); err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	s := &m.state
	if lpShares.Sign() <= 0 {
		metrics.TradesRejected.WithLabelValues("invalid_amount").Inc()
		return Deltas{}, wallet.Deltas{}, pricing.ErrTradeTooSmall
	}
	if w.LPTokens.Lt(lpShares) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	deltaShares, deltaBonds, err := m.model.TokensOutGivenLPIn(lpShares, m.pool())
	if err != nil {
		metrics.TradesRejected.WithLabelValues("pricing").Inc()
		return Deltas{}, wallet.Deltas{}, err
	}
	deltaBase := s.SharePrice.Mul(deltaShares)

	userMargin := s.LongsOutstanding.Sub(s.LongBaseVolume).
		Add(s.ShortBaseVolume).
		Sub(s.TotalSupplyWithdrawShares.Sub(s.WithdrawSharesReady)).
		Mul(lpShares).Div(s.LPTotalSupply)
	withdrawShares := userMargin.Div(s.SharePrice)
	md := Deltas{
		Base:                      deltaBase.Neg(),
		Bonds:                     deltaBonds.Neg(),
		LPTotalSupply:             lpShares.Neg(),
		TotalSupplyWithdrawShares: withdrawShares,
	}
	m.applyDelta(md)

	wd := wallet.Deltas{Base: deltaBase, LPTokens: lpShares.Neg(), WithdrawShares: withdrawShares}
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("remove_liquidity").Inc()
	metrics.LPTokenSupply.Set(m.state.LPTotalSupply.Float64())
	m.log.Info("liquidity removed",
		"wallet", w.ID.String(),
		"lp_in", lpShares.String(),
		"base_out", deltaBase.String(),
		"withdraw_shares", withdrawShares.String(),
	)
	return md, wd, nil
}
