// Package hdtime models simulation time for the market engine: a block
// clock measured in integer seconds, and the normalized/stretched time
// values the pricing curve consumes.
//
// Times used as map keys (mint times, checkpoint times) are always int64
// seconds, never fixed-point values.
package hdtime

import (
	"errors"
	"fmt"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

// SecondsPerYear uses the 365-day year the protocol's term math assumes.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

// SecondsPerDay is the width of the default checkpoint bucket.
const SecondsPerDay int64 = 24 * 60 * 60

var ErrTimeReversal = errors.New("hdtime: mint time after market time")

// BlockTime is the mutable simulation clock. It only moves forward.
type BlockTime struct {
	seconds int64
	block   uint64
	step    int64 // seconds per block
}

// NewBlockTime creates a clock at time zero advancing stepSeconds per block.
func NewBlockTime(stepSeconds int64) *BlockTime {
	if stepSeconds <= 0 {
		stepSeconds = SecondsPerDay
	}
	return &BlockTime{step: stepSeconds}
}

// Seconds returns the current market time in seconds.
func (b *BlockTime) Seconds() int64 { return b.seconds }

// Block returns the current block number.
func (b *BlockTime) Block() uint64 { return b.block }

// StepSeconds returns the seconds added per block tick.
func (b *BlockTime) StepSeconds() int64 { return b.step }

// Years returns the current market time as fixed-point years.
func (b *BlockTime) Years() fixedpoint.FP {
	return YearsFromSeconds(b.seconds)
}

// Tick advances the clock by n blocks.
func (b *BlockTime) Tick(n uint64) {
	b.block += n
	b.seconds += int64(n) * b.step
}

// SetSeconds moves the clock to an absolute time. The clock never runs
// backward.
func (b *BlockTime) SetSeconds(s int64) error {
	if s < b.seconds {
		return fmt.Errorf("hdtime: cannot rewind clock from %d to %d", b.seconds, s)
	}
	b.seconds = s
	return nil
}

// YearsFromSeconds converts integer seconds into fixed-point years.
func YearsFromSeconds(s int64) fixedpoint.FP {
	return fixedpoint.NewFromInt(s).Div(fixedpoint.NewFromInt(SecondsPerYear))
}

// SecondsFromYears converts fixed-point years to whole seconds, rounding to
// the nearest second so values produced by YearsFromSeconds round-trip.
func SecondsFromYears(years fixedpoint.FP) int64 {
	s := years.Mul(fixedpoint.NewFromInt(SecondsPerYear)).Scaled()
	half := fixedpoint.One().Scaled()
	half.Rsh(half, 1)
	s.Add(s, half)
	return s.Quo(s, fixedpoint.One().Scaled()).Int64()
}

// YearsRemaining returns the time left on a position in years: the position
// duration minus the time elapsed since mint, floored at zero once matured.
func YearsRemaining(marketSeconds, mintSeconds, positionDurationSeconds int64) (fixedpoint.FP, error) {
	if mintSeconds > marketSeconds {
		return fixedpoint.Zero(), ErrTimeReversal
	}
	remaining := positionDurationSeconds - (marketSeconds - mintSeconds)
	if remaining < 0 {
		remaining = 0
	}
	return YearsFromSeconds(remaining), nil
}

// AlignCheckpoint returns the start of the checkpoint bucket containing t.
func AlignCheckpoint(t, checkpointDuration int64) int64 {
	return t - t%checkpointDuration
}

// StretchedTime stores a term length in days along with the pool's
// time-stretch divisor and normalizing constant, and derives the normalized
// and stretched exponents the pricing curve uses. Immutable once built.
type StretchedTime struct {
	days                fixedpoint.FP
	timeStretch         fixedpoint.FP
	normalizingConstant fixedpoint.FP
}

// NewStretchedTime builds a StretchedTime from days remaining, the
// time-stretch divisor, and the normalizing constant (the full term in
// days).
func NewStretchedTime(days, timeStretch, normalizingConstant fixedpoint.FP) StretchedTime {
	return StretchedTime{days: days, timeStretch: timeStretch, normalizingConstant: normalizingConstant}
}

// NewStretchedTimeFromYears is NewStretchedTime with the remaining term
// given in years.
func NewStretchedTimeFromYears(years, timeStretch, normalizingConstant fixedpoint.FP) StretchedTime {
	days := years.Mul(fixedpoint.NewFromInt(365))
	return NewStretchedTime(days, timeStretch, normalizingConstant)
}

// Days returns the remaining term in days.
func (t StretchedTime) Days() fixedpoint.FP { return t.days }

// TimeStretch returns the time-stretch divisor.
func (t StretchedTime) TimeStretch() fixedpoint.FP { return t.timeStretch }

// NormalizingConstant returns the full term in days.
func (t StretchedTime) NormalizingConstant() fixedpoint.FP { return t.normalizingConstant }

// Normalized returns days / normalizing_constant, in [0, 1]: 1 for a freshly
// opened position, 0 at maturity.
func (t StretchedTime) Normalized() fixedpoint.FP {
	return t.days.Div(t.normalizingConstant)
}

// Stretched returns days / normalizing_constant / time_stretch, the tau
// exponent of the yield-space invariant.
func (t StretchedTime) Stretched() fixedpoint.FP {
	return t.Normalized().Div(t.timeStretch)
}

// WithDays returns a copy with a different remaining term.
func (t StretchedTime) WithDays(days fixedpoint.FP) StretchedTime {
	t.days = days
	return t
}

// String renders the term for logs.
func (t StretchedTime) String() string {
	return fmt.Sprintf("StretchedTime(days=%s, stretch=%s, normalizing=%s)",
		t.days, t.timeStretch, t.normalizingConstant)
}
