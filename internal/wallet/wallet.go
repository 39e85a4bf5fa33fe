// Package wallet tracks an agent's balances and open positions. The market
// core only reads wallets to validate trades and hands back deltas; all
// bookkeeping beyond that belongs to the caller.
//
// Positions are keyed by their mint time in int64 seconds, never by
// fixed-point values.
package wallet

import (
	"github.com/google/uuid"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

// Long is an open long position: bonds that redeem 1:1 for base at
// maturity.
type Long struct {
	Balance fixedpoint.FP `json:"balance"`
}

// Short is an open short position. OpenSharePrice is the share price at
// mint; short proceeds depend on the spread between it and the close-time
// share price.
type Short struct {
	Balance        fixedpoint.FP `json:"balance"`
	OpenSharePrice fixedpoint.FP `json:"open_share_price"`
}

// Wallet holds an agent's fungible balances and positions.
type Wallet struct {
	ID             uuid.UUID       `json:"id"`
	Base           fixedpoint.FP   `json:"base"`
	LPTokens       fixedpoint.FP   `json:"lp_tokens"`
	WithdrawShares fixedpoint.FP   `json:"withdraw_shares"`
	FeesPaid       fixedpoint.FP   `json:"fees_paid"`
	Longs          map[int64]Long  `json:"longs"`
	Shorts         map[int64]Short `json:"shorts"`
}

// New creates an empty wallet funded with the given base balance.
func New(base fixedpoint.FP) *Wallet {
	return &Wallet{
		ID:     uuid.New(),
		Base:   base,
		Longs:  make(map[int64]Long),
		Shorts: make(map[int64]Short),
	}
}

// LongBalance returns the bonds held long at the given mint time.
func (w *Wallet) LongBalance(mintTime int64) fixedpoint.FP {
	return w.Longs[mintTime].Balance
}

// ShortBalance returns the bonds held short at the given mint time.
func (w *Wallet) ShortBalance(mintTime int64) fixedpoint.FP {
	return w.Shorts[mintTime].Balance
}

// OpenSharePrice returns the share price recorded when the short at
// mintTime was opened, or zero if no such short exists.
func (w *Wallet) OpenSharePrice(mintTime int64) fixedpoint.FP {
	return w.Shorts[mintTime].OpenSharePrice
}

// Deltas is a set of signed balance changes produced by one market
// transition. Position deltas are keyed by mint time; a new short delta
// carries the open share price to record on first touch.
type Deltas struct {
	Base           fixedpoint.FP
	LPTokens       fixedpoint.FP
	WithdrawShares fixedpoint.FP
	FeesPaid       fixedpoint.FP
	Longs          map[int64]fixedpoint.FP
	Shorts         map[int64]Short
}

// AddLong records a long position delta at the given mint time.
func (d *Deltas) AddLong(mintTime int64, bonds fixedpoint.FP) {
	if d.Longs == nil {
		d.Longs = make(map[int64]fixedpoint.FP)
	}
	d.Longs[mintTime] = d.Longs[mintTime].Add(bonds)
}

// AddShort records a short position delta at the given mint time.
func (d *Deltas) AddShort(mintTime int64, bonds, openSharePrice fixedpoint.FP) {
	if d.Shorts == nil {
		d.Shorts = make(map[int64]Short)
	}
	prev := d.Shorts[mintTime]
	d.Shorts[mintTime] = Short{
		Balance:        prev.Balance.Add(bonds),
		OpenSharePrice: openSharePrice,
	}
}

// Apply merges the deltas into the wallet. Positions whose balance reaches
// zero are removed; the open share price of an existing short is never
// rewritten by a reduction.
func (w *Wallet) Apply(d Deltas) {
	w.Base = w.Base.Add(d.Base)
	w.LPTokens = w.LPTokens.Add(d.LPTokens)
	w.WithdrawShares = w.WithdrawShares.Add(d.WithdrawShares)
	w.FeesPaid = w.FeesPaid.Add(d.FeesPaid)
	for mintTime, bonds := range d.Longs {
		if w.Longs == nil {
			w.Longs = make(map[int64]Long)
		}
		balance := w.Longs[mintTime].Balance.Add(bonds)
		if balance.IsZero() {
			delete(w.Longs, mintTime)
			continue
		}
		w.Longs[mintTime] = Long{Balance: balance}
	}
	for mintTime, short := range d.Shorts {
		if w.Shorts == nil {
			w.Shorts = make(map[int64]Short)
		}
		prev, ok := w.Shorts[mintTime]
		balance := prev.Balance.Add(short.Balance)
		if balance.IsZero() {
			delete(w.Shorts, mintTime)
			continue
		}
		openPrice := prev.OpenSharePrice
		if !ok {
			openPrice = short.OpenSharePrice
		}
		w.Shorts[mintTime] = Short{Balance: balance, OpenSharePrice: openPrice}
	}
}
