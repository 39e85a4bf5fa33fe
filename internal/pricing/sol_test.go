package pricing

import (
	"testing"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

// Reserve snapshot taken from an on-chain pool trace: 500M base deposited at
// share price 1 into a 5% one-year pool.
var (
	solShareReserves = fixedpoint.MustFromScaledString("500000000000000000000000000")
	solBondReserves  = fixedpoint.MustFromScaledString("1498059016940075710500000000")
	solTimeStretch   = fixedpoint.MustFromScaledString("44463125629060298")
)

func TestCalculateSpotPrice_TracePin(t *testing.T) {
	got, err := CalculateSpotPrice(solShareReserves, solBondReserves, fixedpoint.One(), solTimeStretch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := fixedpoint.MustFromScaledString("952380952380952380")
	if !got.Eq(want) {
		t.Errorf("spot price mismatch: got %s, want %s", got.Scaled(), want.Scaled())
	}
}

// The expected amounts are the exact wei values the contracts return for
// this pool; any drift in the fixed-point kernel or the iteration sequence
// shows up here.
func TestCalculateMaxLong_TracePin(t *testing.T) {
	result, err := CalculateMaxLong(
		solShareReserves, solBondReserves,
		fixedpoint.Zero(), // longsOutstanding
		solTimeStretch,
		fixedpoint.One(), // sharePrice
		fixedpoint.One(), // initialSharePrice
		fixedpoint.Zero(),
		20,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantBase := fixedpoint.MustFromScaledString("493213221042049515844300901")
	wantBonds := fixedpoint.MustFromScaledString("504845795898026194655699099")
	if !result.BaseAmount.Eq(wantBase) {
		t.Errorf("base amount mismatch: got %s, want %s", result.BaseAmount.Scaled(), wantBase.Scaled())
	}
	if !result.BondAmount.Eq(wantBonds) {
		t.Errorf("bond amount mismatch: got %s, want %s", result.BondAmount.Scaled(), wantBonds.Scaled())
	}
}

func TestCalculateMaxLong_SolventUpperBound(t *testing.T) {
	// With no longs outstanding and generous reserves relative to the
	// buffer, the unconstrained max buy must already be solvent, so more
	// iterations cannot change the answer.
	r20, err := CalculateMaxLong(
		solShareReserves, solBondReserves, fixedpoint.Zero(), solTimeStretch,
		fixedpoint.One(), fixedpoint.One(), fixedpoint.Zero(), 20,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r50, err := CalculateMaxLong(
		solShareReserves, solBondReserves, fixedpoint.Zero(), solTimeStretch,
		fixedpoint.One(), fixedpoint.One(), fixedpoint.Zero(), 50,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r20.BaseAmount.Eq(r50.BaseAmount) || !r20.BondAmount.Eq(r50.BondAmount) {
		t.Errorf("result not stable in iteration count: 20 iters %s/%s, 50 iters %s/%s",
			r20.BaseAmount, r20.BondAmount, r50.BaseAmount, r50.BondAmount)
	}
}

func TestCalculateMaxShort_Pin(t *testing.T) {
	got, err := CalculateMaxShort(
		solShareReserves, solBondReserves,
		fixedpoint.Zero(),
		solTimeStretch,
		fixedpoint.One(),
		fixedpoint.One(),
		fixedpoint.One(), // minimumShareReserves of 1.0
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := fixedpoint.MustFromScaledString("553481229469973716375181531")
	if !got.Eq(want) {
		t.Errorf("max short mismatch: got %s, want %s", got.Scaled(), want.Scaled())
	}
}

func TestCalculateMaxShort_ShrinksWithLongsOutstanding(t *testing.T) {
	free, err := CalculateMaxShort(
		solShareReserves, solBondReserves, fixedpoint.Zero(), solTimeStretch,
		fixedpoint.One(), fixedpoint.One(), fixedpoint.One(),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	burdened, err := CalculateMaxShort(
		solShareReserves, solBondReserves,
		fixedpoint.MustFromString("100000000.0"), // 100M longs outstanding
		solTimeStretch, fixedpoint.One(), fixedpoint.One(), fixedpoint.One(),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !burdened.Lt(free) {
		t.Errorf("longs outstanding should reduce the max short: free=%s burdened=%s", free, burdened)
	}
}
