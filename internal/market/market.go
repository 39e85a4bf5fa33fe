// Package market implements the fixed-rate bond market state machine: pool
// initialization, the five trade transitions (open/close long, open/close
// short, add/remove liquidity), lazy checkpointing with a maturity sweep,
// and the withdrawal-share pool.
//
// A Market owns its checkpoint ledger and serializes every transition.
// Trades are priced by a shared stateless pricing model; each transition
// validates, prices, and then applies a single Deltas value, so a rejected
// trade never mutates state.
package market

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/delvtech/hyperdrive-engine/internal/checkpoint"
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
	"github.com/delvtech/hyperdrive-engine/internal/metrics"
	"github.com/delvtech/hyperdrive-engine/internal/pricing"
	"github.com/delvtech/hyperdrive-engine/internal/wallet"
)

var (
	// ErrAlreadyInitialized is returned when initialize is called on a pool
	// that already has reserves or LP supply.
	ErrAlreadyInitialized = errors.New("market: pool is already initialized")

	// ErrInsufficientLiquidity is returned when a trade exceeds what the
	// reserves can absorb.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity for trade")

	// ErrInsufficientBalance is returned when a wallet cannot cover a trade
	// or holds less of a position than it is trying to close.
	ErrInsufficientBalance = errors.New("market: insufficient wallet balance")

	// ErrInvalidCheckpointTime is returned for checkpoint times in the
	// future or not aligned to the checkpoint duration.
	ErrInvalidCheckpointTime = errors.New("market: invalid checkpoint time")

	// ErrOutputLimit is returned when a redemption pays out less than the
	// caller's stated minimum.
	ErrOutputLimit = errors.New("market: output below minimum")

	// ErrTermMismatch is returned by New when the position duration does not
	// normalize to a full term.
	ErrTermMismatch = errors.New("market: position duration days must equal the normalizing constant")
)

// State holds every mutable pool variable. Reserves are in shares and
// bonds; buffers back open positions; the per-bucket maps track position
// token supply keyed by mint time in seconds.
type State struct {
	ShareReserves fixedpoint.FP
	BondReserves  fixedpoint.FP
	BaseBuffer    fixedpoint.FP
	BondBuffer    fixedpoint.FP
	LPTotalSupply fixedpoint.FP

	VariableAPR    fixedpoint.FP
	SharePrice     fixedpoint.FP
	InitSharePrice fixedpoint.FP

	CurveFee       fixedpoint.FP
	FlatFee        fixedpoint.FP
	GovernanceFee  fixedpoint.FP
	GovFeesAccrued fixedpoint.FP

	LongsOutstanding         fixedpoint.FP
	ShortsOutstanding        fixedpoint.FP
	LongAverageMaturityTime  fixedpoint.FP
	ShortAverageMaturityTime fixedpoint.FP
	LongBaseVolume           fixedpoint.FP
	ShortBaseVolume          fixedpoint.FP

	TotalSupplyWithdrawShares fixedpoint.FP
	WithdrawSharesReady       fixedpoint.FP
	WithdrawCapital           fixedpoint.FP
	WithdrawInterest          fixedpoint.FP

	TotalSupplyLongs  map[int64]fixedpoint.FP
	TotalSupplyShorts map[int64]fixedpoint.FP
}

// Market is the state machine. All transitions go through its mutex; a
// Market must not be shared the way the stateless pricing model can be.
type Market struct {
	mu sync.Mutex

	id    uuid.UUID
	model *pricing.Model
	state State

	duration          hdtime.StretchedTime
	durationSeconds   int64
	checkpointSeconds int64

	clock       *hdtime.BlockTime
	checkpoints *checkpoint.Store
	log         *slog.Logger
}

// New builds a market over the given pricing model and clock. The position
// duration must be a full term (days equal to the normalizing constant).
// checkpointSeconds defaults to one day when zero.
func New(
	model *pricing.Model,
	state State,
	positionDuration hdtime.StretchedTime,
	clock *hdtime.BlockTime,
	checkpointSeconds int64,
	logger *slog.Logger,
) (*Market, error) {
	if !positionDuration.Days().Eq(positionDuration.NormalizingConstant()) {
		return nil, ErrTermMismatch
	}
	if checkpointSeconds <= 0 {
		checkpointSeconds = hdtime.SecondsPerDay
	}
	if logger == nil {
		logger = slog.Default()
	}
	if state.SharePrice.IsZero() {
		state.SharePrice = fixedpoint.One()
	}
	if state.InitSharePrice.IsZero() {
		state.InitSharePrice = state.SharePrice
	}
	if state.TotalSupplyLongs == nil {
		state.TotalSupplyLongs = make(map[int64]fixedpoint.FP)
	}
	if state.TotalSupplyShorts == nil {
		state.TotalSupplyShorts = make(map[int64]fixedpoint.FP)
	}
	years := positionDuration.Days().Div(fixedpoint.NewFromInt(365))
	m := &Market{
		id:                uuid.New(),
		model:             model,
		state:             state,
		duration:          positionDuration,
		durationSeconds:   hdtime.SecondsFromYears(years),
		checkpointSeconds: checkpointSeconds,
		clock:             clock,
		checkpoints:       checkpoint.NewStore(),
		log:               logger.With("market", "hyperdrive"),
	}
	return m, nil
}

// ID returns the market's identifier.
func (m *Market) ID() uuid.UUID { return m.id }

// State returns a snapshot of the pool state. The per-bucket maps are
// copied, so the snapshot is safe to hold across later trades.
func (m *Market) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.TotalSupplyLongs = make(map[int64]fixedpoint.FP, len(m.state.TotalSupplyLongs))
	for t, v := range m.state.TotalSupplyLongs {
		s.TotalSupplyLongs[t] = v
	}
	s.TotalSupplyShorts = make(map[int64]fixedpoint.FP, len(m.state.TotalSupplyShorts))
	for t, v := range m.state.TotalSupplyShorts {
		s.TotalSupplyShorts[t] = v
	}
	return s
}

// CheckpointAt returns the checkpoint record for the bucket starting at t.
func (m *Market) CheckpointAt(t int64) checkpoint.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints.Get(t)
}

// PositionDuration returns the full-term position duration.
func (m *Market) PositionDuration() hdtime.StretchedTime { return m.duration }

// pool builds the pricing view of the current reserves and fee schedule.
func (m *Market) pool() pricing.Pool {
	s := &m.state
	return pricing.Pool{
		ShareReserves:    s.ShareReserves,
		BondReserves:     s.BondReserves,
		BaseBuffer:       s.BaseBuffer,
		BondBuffer:       s.BondBuffer,
		LPTotalSupply:    s.LPTotalSupply,
		SharePrice:       s.SharePrice,
		InitSharePrice:   s.InitSharePrice,
		LongsOutstanding: s.LongsOutstanding,
		CurveFee:         s.CurveFee,
		FlatFee:          s.FlatFee,
		GovernanceFee:    s.GovernanceFee,
	}
}

// SpotPrice returns the current price of one bond in base.
func (m *Market) SpotPrice() (fixedpoint.FP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model.SpotPrice(m.pool(), m.duration)
}

// FixedAPR returns the pool's current fixed rate.
func (m *Market) FixedAPR() (fixedpoint.FP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fixedAPR()
}

func (m *Market) fixedAPR() (fixedpoint.FP, error) {
	return m.model.APR(m.pool(), m.duration)
}

// LatestCheckpointTime returns the start of the checkpoint bucket
// containing the current block time.
func (m *Market) LatestCheckpointTime() int64 {
	return hdtime.AlignCheckpoint(m.clock.Seconds(), m.checkpointSeconds)
}

// annualizedDuration returns the position duration in years.
func (m *Market) annualizedDuration() fixedpoint.FP {
	return m.duration.Days().Div(fixedpoint.NewFromInt(365))
}

// timeRemaining builds the stretched time left on a position minted at
// mintTime seconds.
func (m *Market) timeRemaining(mintTime int64) (hdtime.StretchedTime, error) {
	years, err := hdtime.YearsRemaining(m.clock.Seconds(), mintTime, m.durationSeconds)
	if err != nil {
		return hdtime.StretchedTime{}, err
	}
	return hdtime.NewStretchedTimeFromYears(
		years, m.duration.TimeStretch(), m.duration.NormalizingConstant(),
	), nil
}

// SetVariableAPR records the yield source's current variable rate.
func (m *Market) SetVariableAPR(apr fixedpoint.FP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.VariableAPR = apr
}

// AccrueInterest applies one day of the variable rate to the share price.
// With compound true the yield accrues on the current share price,
// otherwise on the initial share price.
func (m *Market) AccrueInterest(compound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	multiplier := m.state.InitSharePrice
	if compound {
		multiplier = m.state.SharePrice
	}
	daily := m.state.VariableAPR.Div(fixedpoint.NewFromInt(365)).Mul(multiplier)
	m.applyDelta(Deltas{SharePrice: daily})
}

// Initialize seeds the pool with its first liquidity and prices it at the
// target APR. It can only run once; the initializer receives the full LP
// supply of contribution + bond_reserves tokens.
func (m *Market) Initialize(w *wallet.Wallet, contribution, targetAPR fixedpoint.FP) (Deltas, wallet.Deltas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.state
	if s.ShareReserves.Sign() > 0 || s.BondReserves.Sign() > 0 || s.LPTotalSupply.Sign() > 0 {
		metrics.TradesRejected.WithLabelValues("already_initialized").Inc()
		return Deltas{}, wallet.Deltas{}, ErrAlreadyInitialized
	}
	if w.Base.Lt(contribution) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return Deltas{}, wallet.Deltas{}, ErrInsufficientBalance
	}
	shareReserves := contribution.Div(s.SharePrice)
	bondReserves, err := m.model.InitialBondReserves(targetAPR, pricing.Pool{
		ShareReserves:  shareReserves,
		SharePrice:     s.SharePrice,
		InitSharePrice: s.InitSharePrice,
	}, m.duration)
	if err != nil {
		return Deltas{}, wallet.Deltas{}, err
	}
	lpTokens := s.SharePrice.Mul(shareReserves).Add(bondReserves)
	md := Deltas{Base: contribution, Bonds: bondReserves, LPTotalSupply: lpTokens}
	m.applyDelta(md)
	wd := wallet.Deltas{Base: contribution.Neg(), LPTokens: lpTokens}
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("initialize").Inc()
	metrics.LPTokenSupply.Set(m.state.LPTotalSupply.Float64())
	m.log.Info("pool initialized",
		"contribution", contribution.String(),
		"target_apr", targetAPR.String(),
		"bond_reserves", bondReserves.String(),
		"lp_tokens", lpTokens.String(),
	)
	return md, wd, nil
}

// Checkpoint mints the checkpoint record for checkpointTime. Minting an
// existing checkpoint is a no-op; future or misaligned times are rejected.
// For a past bucket the share price is borrowed from the next minted
// checkpoint, falling back to the current price at the latest bucket.
func (m *Market) Checkpoint(checkpointTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoints.Has(checkpointTime) {
		return nil
	}
	latest := m.LatestCheckpointTime()
	if checkpointTime%m.checkpointSeconds != 0 || checkpointTime > latest {
		return ErrInvalidCheckpointTime
	}
	if checkpointTime == latest {
		_, err := m.applyCheckpoint(latest, m.state.SharePrice)
		return err
	}
	for t := checkpointTime; t <= latest; t += m.checkpointSeconds {
		price := m.checkpoints.Get(t).SharePrice
		if t == latest {
			price = m.state.SharePrice
		}
		if !price.IsZero() {
			_, err := m.applyCheckpoint(checkpointTime, price)
			return err
		}
	}
	return ErrInvalidCheckpointTime
}

// applyCheckpoint mints the record at checkpointTime if absent and sweeps
// positions that matured in its bucket, closing them at the recorded price
// and zeroing their outstanding balances. Returns the bucket's share price.
func (m *Market) applyCheckpoint(checkpointTime int64, sharePrice fixedpoint.FP) (fixedpoint.FP, error) {
	if m.checkpoints.Has(checkpointTime) || checkpointTime > m.clock.Seconds() {
		return m.checkpoints.Get(checkpointTime).SharePrice, nil
	}
	m.checkpoints.Update(checkpointTime, func(cp *checkpoint.Checkpoint) {
		cp.SharePrice = sharePrice
	})
	metrics.CheckpointsMinted.Inc()

	mintTime := checkpointTime - m.durationSeconds
	if matured := m.state.TotalSupplyLongs[mintTime]; matured.Sign() > 0 {
		md, _, _, err := m.closeLongDeltas(matured, mintTime, false)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		m.applyDelta(md)
		metrics.MaturedPositionsSwept.WithLabelValues("long").Inc()
		m.log.Info("matured longs swept", "mint_time", mintTime, "bonds", matured.String())
	}
	if matured := m.state.TotalSupplyShorts[mintTime]; matured.Sign() > 0 {
		openSharePrice := m.checkpoints.Get(mintTime).SharePrice
		md, _, _, err := m.closeShortDeltas(matured, mintTime, openSharePrice)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		m.applyDelta(md)
		metrics.MaturedPositionsSwept.WithLabelValues("short").Inc()
		m.log.Info("matured shorts swept", "mint_time", mintTime, "bonds", matured.String())
	}
	return m.checkpoints.Get(checkpointTime).SharePrice, nil
}

// RedeemWithdrawShares pays out queued withdrawal shares once enough margin
// has been freed by position closes or checkpoint sweeps. Returns the base
// paid out.
func (m *Market) RedeemWithdrawShares(w *wallet.Wallet, shares, minOutput fixedpoint.FP) (fixedpoint.FP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.applyCheckpoint(m.LatestCheckpointTime(), m.state.SharePrice); err != nil {
		return fixedpoint.Zero(), err
	}
	s := &m.state
	if w.WithdrawShares.Lt(shares) {
		metrics.TradesRejected.WithLabelValues("insufficient_balance").Inc()
		return fixedpoint.Zero(), ErrInsufficientBalance
	}
	if s.WithdrawSharesReady.Lt(shares) {
		metrics.TradesRejected.WithLabelValues("insufficient_liquidity").Inc()
		return fixedpoint.Zero(), ErrInsufficientLiquidity
	}
	recoveredMargin := shares.Mul(s.WithdrawCapital).Div(s.WithdrawSharesReady)
	recoveredInterest := shares.Mul(s.WithdrawInterest).Div(s.WithdrawSharesReady)
	baseProceeds := recoveredMargin.Add(recoveredInterest).Mul(s.SharePrice)
	if minOutput.Gt(baseProceeds) {
		return fixedpoint.Zero(), ErrOutputLimit
	}
	md := Deltas{
		WithdrawSharesReady: shares.Neg(),
		WithdrawCapital:     recoveredMargin.Neg(),
		WithdrawInterest:    recoveredInterest.Neg(),
	}
	m.applyDelta(md)
	wd := wallet.Deltas{Base: baseProceeds, WithdrawShares: shares.Neg()}
	w.Apply(wd)

	metrics.TradesTotal.WithLabelValues("redeem_withdraw_shares").Inc()
	m.log.Info("withdraw shares redeemed",
		"shares", shares.String(),
		"base_out", baseProceeds.String(),
	)
	return baseProceeds, nil
}
