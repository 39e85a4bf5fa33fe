package market

import (
	"github.com/delvtech/hyperdrive-engine/internal/checkpoint"
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

// Deltas is the full set of signed state changes produced by one market
// transition. A transition computes its Deltas first and applies them in one
// step, so a rejected trade never leaves a partial write behind.
//
// Base is denominated in base and is converted to shares at the current
// share price when applied. The checkpoint maps adjust per-bucket volume
// aggregates and position token supplies, keyed by mint time in seconds.
type Deltas struct {
	Base          fixedpoint.FP
	Bonds         fixedpoint.FP
	BaseBuffer    fixedpoint.FP
	BondBuffer    fixedpoint.FP
	LPTotalSupply fixedpoint.FP
	SharePrice    fixedpoint.FP

	LongsOutstanding         fixedpoint.FP
	ShortsOutstanding        fixedpoint.FP
	LongAverageMaturityTime  fixedpoint.FP
	ShortAverageMaturityTime fixedpoint.FP
	LongBaseVolume           fixedpoint.FP
	ShortBaseVolume          fixedpoint.FP

	GovFeesAccrued fixedpoint.FP

	TotalSupplyWithdrawShares fixedpoint.FP
	WithdrawSharesReady       fixedpoint.FP
	WithdrawCapital           fixedpoint.FP
	WithdrawInterest          fixedpoint.FP

	LongCheckpoints   map[int64]fixedpoint.FP
	ShortCheckpoints  map[int64]fixedpoint.FP
	TotalSupplyLongs  map[int64]fixedpoint.FP
	TotalSupplyShorts map[int64]fixedpoint.FP
}

// applyDelta merges d into the market state and checkpoint ledger.
func (m *Market) applyDelta(d Deltas) {
	s := &m.state
	s.ShareReserves = s.ShareReserves.Add(d.Base.Div(s.SharePrice))
	s.BondReserves = s.BondReserves.Add(d.Bonds)
	s.BaseBuffer = s.BaseBuffer.Add(d.BaseBuffer)
	s.BondBuffer = s.BondBuffer.Add(d.BondBuffer)
	s.LPTotalSupply = s.LPTotalSupply.Add(d.LPTotalSupply)
	s.SharePrice = s.SharePrice.Add(d.SharePrice)

	s.LongsOutstanding = s.LongsOutstanding.Add(d.LongsOutstanding)
	s.ShortsOutstanding = s.ShortsOutstanding.Add(d.ShortsOutstanding)
	s.LongAverageMaturityTime = s.LongAverageMaturityTime.Add(d.LongAverageMaturityTime)
	s.ShortAverageMaturityTime = s.ShortAverageMaturityTime.Add(d.ShortAverageMaturityTime)
	s.LongBaseVolume = s.LongBaseVolume.Add(d.LongBaseVolume)
	s.ShortBaseVolume = s.ShortBaseVolume.Add(d.ShortBaseVolume)

	s.GovFeesAccrued = s.GovFeesAccrued.Add(d.GovFeesAccrued)

	s.TotalSupplyWithdrawShares = s.TotalSupplyWithdrawShares.Add(d.TotalSupplyWithdrawShares)
	s.WithdrawSharesReady = s.WithdrawSharesReady.Add(d.WithdrawSharesReady)
	s.WithdrawCapital = s.WithdrawCapital.Add(d.WithdrawCapital)
	s.WithdrawInterest = s.WithdrawInterest.Add(d.WithdrawInterest)

	for t, dv := range d.LongCheckpoints {
		dv := dv
		m.checkpoints.Update(t, func(cp *checkpoint.Checkpoint) {
			cp.LongBaseVolume = cp.LongBaseVolume.Add(dv)
		})
	}
	for t, dv := range d.ShortCheckpoints {
		dv := dv
		m.checkpoints.Update(t, func(cp *checkpoint.Checkpoint) {
			cp.ShortBaseVolume = cp.ShortBaseVolume.Add(dv)
		})
	}
	for t, dv := range d.TotalSupplyLongs {
		s.TotalSupplyLongs[t] = s.TotalSupplyLongs[t].Add(dv)
	}
	for t, dv := range d.TotalSupplyShorts {
		s.TotalSupplyShorts[t] = s.TotalSupplyShorts[t].Add(dv)
	}
}
