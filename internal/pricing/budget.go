package pricing

import (
	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
)

// budgetIterations is the number of halving steps used when bisecting a
// trade size against a collateral budget. Convergence tests rely on the
// result being stable beyond this count.
const budgetIterations = 25

// MaxLongForBudget returns the base a trader with the given budget can put
// into a long: the smaller of the budget and the reserve-implied maximum.
func (m *Model) MaxLongForBudget(budget fixedpoint.FP, pool Pool, t hdtime.StretchedTime) (fixedpoint.FP, error) {
	maxLong, _, err := m.MaxLong(pool, t)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	return fixedpoint.Min(budget, maxLong), nil
}

// MaxShortForBudget returns the largest bond amount a trader can short with
// the given budget covering the short's maximum loss. When the budget covers
// the reserve-implied maximum the unconstrained value is returned directly.
// Otherwise the trade size is bisected: each step prices the candidate short
// and moves the bond fraction up if the realized max loss is affordable,
// down if not. A final probe at step 1/(2^25+1) unsticks the bisection when
// it converges from the unaffordable side.
func (m *Model) MaxShortForBudget(budget fixedpoint.FP, pool Pool, t hdtime.StretchedTime) (fixedpoint.FP, error) {
	maxLossBound, maxShort, err := m.MaxShort(pool, t)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	if budget.Gte(maxLossBound) {
		return maxShort, nil
	}

	lastGood := fixedpoint.Zero()
	bondPercent := fixedpoint.One()
	for x := 0; x < budgetIterations; x++ {
		stepSize := fixedpoint.One().Div(fixedpoint.NewFromInt(1 << (x + 1)))
		candidate := maxShort.Mul(bondPercent)
		res, err := m.OutGivenIn(Quantity{Amount: candidate, Unit: Bond}, pool, t)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		// The short's max loss is the bond obligation minus the base
		// proceeds received up front.
		maxLoss := candidate.Sub(res.User.Base)
		if maxLoss.Gt(budget) {
			bondPercent = bondPercent.Sub(stepSize)
		} else {
			lastGood = candidate
			if bondPercent.Eq(fixedpoint.One()) {
				return lastGood, nil
			}
			bondPercent = bondPercent.Add(stepSize)
		}
	}

	if lastGood.IsZero() {
		// No affordable short was found at any fraction.
		return fixedpoint.Zero(), nil
	}

	// One more probe in case the bisection was stuck approaching a short
	// whose max loss sits just above the budget.
	res, err := m.OutGivenIn(Quantity{Amount: lastGood, Unit: Bond}, pool, t)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	maxLoss := lastGood.Sub(res.User.Base)
	if maxLoss.Gt(budget) {
		lastStep := fixedpoint.One().Div(fixedpoint.NewFromInt(1<<budgetIterations + 1))
		bondPercent = bondPercent.Sub(lastStep)
		lastGood = maxShort.Mul(bondPercent)
	}
	return lastGood, nil
}
