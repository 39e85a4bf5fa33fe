package market

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
	"github.com/delvtech/hyperdrive-engine/internal/pricing"
	"github.com/delvtech/hyperdrive-engine/internal/wallet"
)

func fp(s string) fixedpoint.FP { return fixedpoint.MustFromString(s) }

func scaled(s string) fixedpoint.FP { return fixedpoint.MustFromScaledString(s) }

func approxEq(a, b, tolWei fixedpoint.FP) bool {
	return a.Sub(b).Abs().Lte(tolWei)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestMarket builds an uninitialized one-year market with daily
// checkpoints and the given fee schedule.
func newTestMarket(t *testing.T, curveFee, flatFee, govFee string) *Market {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CurveFee = fp(curveFee)
	cfg.FlatFee = fp(flatFee)
	cfg.GovernanceFee = fp(govFee)
	m, err := NewFromConfig(
		pricing.NewModel(), cfg, hdtime.NewBlockTime(hdtime.SecondsPerDay), testLogger(),
	)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	return m
}

// initializedMarket seeds a feeless pool with 500M base at a 5% target rate
// and returns the initializer's wallet.
func initializedMarket(t *testing.T) (*Market, *wallet.Wallet) {
	t.Helper()
	m := newTestMarket(t, "0", "0", "0")
	w := wallet.New(fp("600000000"))
	if _, _, err := m.Initialize(w, fp("500000000"), fp("0.05")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m, w
}

func TestInitialize_SeedsReservesAtTargetRate(t *testing.T) {
	m, w := initializedMarket(t)
	st := m.State()
	if !st.ShareReserves.Eq(fp("500000000")) {
		t.Fatalf("share reserves = %s, want 500000000", st.ShareReserves)
	}
	wantBonds := scaled("499029508470037855250000000")
	if !st.BondReserves.Eq(wantBonds) {
		t.Fatalf("bond reserves = %s, want %s", st.BondReserves.Scaled(), wantBonds.Scaled())
	}
	wantLP := fp("500000000").Add(wantBonds)
	if !st.LPTotalSupply.Eq(wantLP) {
		t.Fatalf("lp supply = %s, want %s", st.LPTotalSupply, wantLP)
	}
	if !w.LPTokens.Eq(wantLP) {
		t.Fatalf("wallet lp = %s, want %s", w.LPTokens, wantLP)
	}
	if !w.Base.Eq(fp("100000000")) {
		t.Fatalf("wallet base = %s, want 100000000", w.Base)
	}
	spot, err := m.SpotPrice()
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	if !spot.Eq(scaled("952380952380952380")) {
		t.Fatalf("spot = %s, want 0.952380952380952380", spot.Scaled())
	}
	apr, err := m.FixedAPR()
	if err != nil {
		t.Fatalf("FixedAPR: %v", err)
	}
	if !approxEq(apr, fp("0.05"), scaled("10")) {
		t.Fatalf("apr = %s, want ~0.05", apr)
	}
}

func TestInitialize_OnlyOnce(t *testing.T) {
	m, w := initializedMarket(t)
	if _, _, err := m.Initialize(w, fp("1000"), fp("0.05")); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitialize_InsufficientBalance(t *testing.T) {
	m := newTestMarket(t, "0", "0", "0")
	w := wallet.New(fp("100"))
	if _, _, err := m.Initialize(w, fp("1000"), fp("0.05")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestNew_RejectsPartialTermDuration(t *testing.T) {
	duration := hdtime.NewStretchedTime(fp("91.25"), pricing.CalcTimeStretch(fp("0.05")), fp("365"))
	_, err := New(
		pricing.NewModel(), State{}, duration,
		hdtime.NewBlockTime(hdtime.SecondsPerDay), hdtime.SecondsPerDay, testLogger(),
	)
	if !errors.Is(err, ErrTermMismatch) {
		t.Fatalf("err = %v, want ErrTermMismatch", err)
	}
}

func TestOpenLong_DebitsBaseAndMintsBonds(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("2000000"))
	baseIn := fp("1000000")
	md, wd, err := m.OpenLong(trader, baseIn)
	if err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	if !wd.Base.Eq(baseIn.Neg()) {
		t.Fatalf("wallet base delta = %s, want %s", wd.Base, baseIn.Neg())
	}
	bondsOut := trader.LongBalance(0)
	if !bondsOut.Gt(baseIn) {
		t.Fatalf("bonds out = %s, want > base in %s", bondsOut, baseIn)
	}
	st := m.State()
	if !st.LongsOutstanding.Eq(bondsOut) {
		t.Fatalf("longs outstanding = %s, want %s", st.LongsOutstanding, bondsOut)
	}
	if !st.BaseBuffer.Eq(bondsOut) {
		t.Fatalf("base buffer = %s, want %s", st.BaseBuffer, bondsOut)
	}
	if !st.TotalSupplyLongs[0].Eq(bondsOut) {
		t.Fatalf("long token supply = %s, want %s", st.TotalSupplyLongs[0], bondsOut)
	}
	if !md.Base.Eq(baseIn) {
		t.Fatalf("pool base delta = %s, want %s", md.Base, baseIn)
	}
	// The open price recorded for the bucket is the current share price.
	if !m.CheckpointAt(0).LongSharePrice.Eq(fixedpoint.One()) {
		t.Fatalf("long share price = %s, want 1", m.CheckpointAt(0).LongSharePrice)
	}
}

func TestOpenLong_LowersFixedAPR(t *testing.T) {
	m, _ := initializedMarket(t)
	before, _ := m.FixedAPR()
	trader := wallet.New(fp("10000000"))
	if _, _, err := m.OpenLong(trader, fp("10000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	after, _ := m.FixedAPR()
	if !after.Lt(before) {
		t.Fatalf("apr %s -> %s, want decrease", before, after)
	}
}

func TestOpenLong_InsufficientBalance(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("10"))
	if _, _, err := m.OpenLong(trader, fp("1000")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestOpenLong_InsufficientLiquidity(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("900000000"))
	if _, _, err := m.OpenLong(trader, fp("900000000")); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientLiquidity", err)
	}
}

func TestCloseLong_RoundTripLosesOnlySlippage(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	baseIn := fp("1000000")
	if _, _, err := m.OpenLong(trader, baseIn); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	bonds := trader.LongBalance(0)
	_, wd, err := m.CloseLong(trader, bonds, 0)
	if err != nil {
		t.Fatalf("CloseLong: %v", err)
	}
	baseOut := wd.Base
	if !baseOut.Lt(baseIn) {
		t.Fatalf("base out = %s, want < base in %s", baseOut, baseIn)
	}
	if baseOut.Lt(baseIn.Mul(fp("0.99"))) {
		t.Fatalf("base out = %s, lost more than 1%% to slippage", baseOut)
	}
	if !trader.LongBalance(0).IsZero() {
		t.Fatalf("residual long balance = %s", trader.LongBalance(0))
	}
	st := m.State()
	if !st.LongsOutstanding.IsZero() || !st.BaseBuffer.IsZero() {
		t.Fatalf("longs outstanding = %s, base buffer = %s, want both zero",
			st.LongsOutstanding, st.BaseBuffer)
	}
	if !st.TotalSupplyLongs[0].IsZero() {
		t.Fatalf("long token supply = %s, want zero", st.TotalSupplyLongs[0])
	}
}

func TestCloseLong_MoreThanHeld(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	if _, _, err := m.OpenLong(trader, fp("1000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	held := trader.LongBalance(0)
	if _, _, err := m.CloseLong(trader, held.Add(fixedpoint.One()), 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestOpenShort_CollectsMaxLossDeposit(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	bonds := fp("1000000")
	_, wd, err := m.OpenShort(trader, bonds, fixedpoint.Zero())
	if err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	deposit := wd.Base.Neg()
	if deposit.Sign() <= 0 || !deposit.Lt(bonds) {
		t.Fatalf("deposit = %s, want in (0, %s)", deposit, bonds)
	}
	if !trader.ShortBalance(0).Eq(bonds) {
		t.Fatalf("short balance = %s, want %s", trader.ShortBalance(0), bonds)
	}
	if !trader.OpenSharePrice(0).Eq(fixedpoint.One()) {
		t.Fatalf("open share price = %s, want 1", trader.OpenSharePrice(0))
	}
	st := m.State()
	if !st.ShortsOutstanding.Eq(bonds) || !st.BondBuffer.Eq(bonds) {
		t.Fatalf("shorts outstanding = %s, bond buffer = %s, want both %s",
			st.ShortsOutstanding, st.BondBuffer, bonds)
	}
	if !st.TotalSupplyShorts[0].Eq(bonds) {
		t.Fatalf("short token supply = %s, want %s", st.TotalSupplyShorts[0], bonds)
	}
}

func TestOpenShort_RaisesFixedAPR(t *testing.T) {
	m, _ := initializedMarket(t)
	before, _ := m.FixedAPR()
	trader := wallet.New(fp("10000000"))
	if _, _, err := m.OpenShort(trader, fp("10000000"), fixedpoint.Zero()); err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	after, _ := m.FixedAPR()
	if !after.Gt(before) {
		t.Fatalf("apr %s -> %s, want increase", before, after)
	}
}

func TestOpenShort_OutputLimit(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	if _, _, err := m.OpenShort(trader, fp("1000000"), scaled("1")); !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("err = %v, want ErrOutputLimit", err)
	}
}

func TestCloseShort_ReturnsMarginLessSlippage(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	bonds := fp("1000000")
	_, openWD, err := m.OpenShort(trader, bonds, fixedpoint.Zero())
	if err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	deposit := openWD.Base.Neg()
	_, closeWD, err := m.CloseShort(trader, bonds, 0)
	if err != nil {
		t.Fatalf("CloseShort: %v", err)
	}
	baseOut := closeWD.Base
	if baseOut.Sign() <= 0 {
		t.Fatalf("base out = %s, want > 0", baseOut)
	}
	// With no fees and no share price movement the round trip recovers the
	// deposit up to slippage and the reserve rescale on open.
	if !approxEq(baseOut, deposit, fp("10")) {
		t.Fatalf("base out %s far from deposit %s on a flat market", baseOut, deposit)
	}
	if !trader.ShortBalance(0).IsZero() {
		t.Fatalf("residual short balance = %s", trader.ShortBalance(0))
	}
	st := m.State()
	if !st.ShortsOutstanding.IsZero() || !st.BondBuffer.IsZero() {
		t.Fatalf("shorts outstanding = %s, bond buffer = %s, want both zero",
			st.ShortsOutstanding, st.BondBuffer)
	}
}

func TestCloseShort_MoreThanHeld(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	if _, _, err := m.OpenShort(trader, fp("1000000"), fixedpoint.Zero()); err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	if _, _, err := m.CloseShort(trader, fp("1000001"), 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestAccrueInterest_CompoundsDailyRate(t *testing.T) {
	m, _ := initializedMarket(t)
	m.SetVariableAPR(fp("0.5"))
	m.clock.Tick(1)
	m.AccrueInterest(true)
	st := m.State()
	if !st.VariableAPR.Eq(fp("0.5")) {
		t.Fatalf("variable apr = %s, want 0.5", st.VariableAPR)
	}
	want := scaled("1001369863013698630")
	if !st.SharePrice.Eq(want) {
		t.Fatalf("share price = %s, want %s", st.SharePrice.Scaled(), want.Scaled())
	}
}

func TestAccrueInterest_SimpleUsesInitialPrice(t *testing.T) {
	m, _ := initializedMarket(t)
	m.SetVariableAPR(fp("0.5"))
	for day := 0; day < 2; day++ {
		m.clock.Tick(1)
		m.AccrueInterest(false)
	}
	// Two simple days add twice the same increment on top of c = 1.
	want := fp("1").Add(scaled("1369863013698630").Mul(fp("2")))
	if got := m.State().SharePrice; !got.Eq(want) {
		t.Fatalf("share price = %s, want %s", got.Scaled(), want.Scaled())
	}
}

func TestCloseShort_EarnsVariableInterest(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("100000"))
	bonds := fp("1000000")
	_, openWD, err := m.OpenShort(trader, bonds, fixedpoint.Zero())
	if err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	deposit := openWD.Base.Neg()
	m.SetVariableAPR(fp("0.5"))
	for day := 0; day < 100; day++ {
		m.clock.Tick(1)
		m.AccrueInterest(true)
	}
	if got, want := m.State().SharePrice, scaled("1146704940764880755"); !got.Eq(want) {
		t.Fatalf("share price = %s, want %s", got.Scaled(), want.Scaled())
	}
	_, closeWD, err := m.CloseShort(trader, bonds, 0)
	if err != nil {
		t.Fatalf("CloseShort: %v", err)
	}
	baseOut := closeWD.Base
	if !baseOut.Gt(deposit) {
		t.Fatalf("base out %s did not exceed deposit %s", baseOut, deposit)
	}
	if !approxEq(baseOut, scaled("181311402568310445343162"), fp("1")) {
		t.Fatalf("base out = %s", baseOut.Scaled())
	}
}

func TestOpenLong_FeeSplit(t *testing.T) {
	m := newTestMarket(t, "0.1", "0.1", "0.5")
	lp := wallet.New(fp("600000000"))
	if _, _, err := m.Initialize(lp, fp("500000000"), fp("0.05")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	trader := wallet.New(fp("1000000"))
	md, wd, err := m.OpenLong(trader, fp("1000000"))
	if err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	if md.GovFeesAccrued.Sign() <= 0 {
		t.Fatalf("gov fees = %s, want > 0", md.GovFeesAccrued)
	}
	if wd.FeesPaid.Sign() <= 0 {
		t.Fatalf("fees paid = %s, want > 0", wd.FeesPaid)
	}
	st := m.State()
	if !st.GovFeesAccrued.Eq(md.GovFeesAccrued) {
		t.Fatalf("accrued gov fees = %s, want %s", st.GovFeesAccrued, md.GovFeesAccrued)
	}
	// Fresh full-term trades ride the curve only.
	if !trader.FeesPaid.Eq(wd.FeesPaid) {
		t.Fatalf("wallet fees = %s, want %s", trader.FeesPaid, wd.FeesPaid)
	}
}

func TestCheckpoint_Idempotent(t *testing.T) {
	m, _ := initializedMarket(t)
	if err := m.Checkpoint(0); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	cp := m.CheckpointAt(0)
	if !cp.SharePrice.Eq(fixedpoint.One()) {
		t.Fatalf("checkpoint share price = %s, want 1", cp.SharePrice)
	}
	if err := m.Checkpoint(0); err != nil {
		t.Fatalf("second Checkpoint: %v", err)
	}
	if !m.CheckpointAt(0).SharePrice.Eq(cp.SharePrice) {
		t.Fatal("second mint changed the checkpoint")
	}
}

func TestCheckpoint_RejectsFutureAndMisaligned(t *testing.T) {
	m, _ := initializedMarket(t)
	future := m.LatestCheckpointTime() + hdtime.SecondsPerDay
	if err := m.Checkpoint(future); !errors.Is(err, ErrInvalidCheckpointTime) {
		t.Fatalf("future: err = %v, want ErrInvalidCheckpointTime", err)
	}
	if err := m.Checkpoint(12345); !errors.Is(err, ErrInvalidCheckpointTime) {
		t.Fatalf("misaligned: err = %v, want ErrInvalidCheckpointTime", err)
	}
}

func TestCheckpoint_BackfillsPastBuckets(t *testing.T) {
	m, _ := initializedMarket(t)
	m.clock.Tick(3)
	past := hdtime.SecondsPerDay
	if err := m.Checkpoint(past); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !m.CheckpointAt(past).SharePrice.Eq(fixedpoint.One()) {
		t.Fatalf("backfilled share price = %s, want 1", m.CheckpointAt(past).SharePrice)
	}
}

func TestCheckpoint_SweepsMaturedLongs(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	if _, _, err := m.OpenLong(trader, fp("1000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	m.clock.Tick(365)
	maturity := m.LatestCheckpointTime()
	if err := m.Checkpoint(maturity); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	st := m.State()
	if !st.LongsOutstanding.IsZero() {
		t.Fatalf("longs outstanding = %s, want zero after sweep", st.LongsOutstanding)
	}
	if !st.BaseBuffer.IsZero() {
		t.Fatalf("base buffer = %s, want zero after sweep", st.BaseBuffer)
	}
	if !st.TotalSupplyLongs[0].IsZero() {
		t.Fatalf("long token supply = %s, want zero after sweep", st.TotalSupplyLongs[0])
	}
}

func TestCheckpoint_SweepsMaturedShorts(t *testing.T) {
	m, _ := initializedMarket(t)
	trader := wallet.New(fp("1000000"))
	if _, _, err := m.OpenShort(trader, fp("1000000"), fixedpoint.Zero()); err != nil {
		t.Fatalf("OpenShort: %v", err)
	}
	m.clock.Tick(365)
	if err := m.Checkpoint(m.LatestCheckpointTime()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	st := m.State()
	if !st.ShortsOutstanding.IsZero() {
		t.Fatalf("shorts outstanding = %s, want zero after sweep", st.ShortsOutstanding)
	}
	if !st.BondBuffer.IsZero() {
		t.Fatalf("bond buffer = %s, want zero after sweep", st.BondBuffer)
	}
}

func TestCheckpoint_SweepsQuarterYearTerm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PositionDurationDays = fp("90")
	m, err := NewFromConfig(
		pricing.NewModel(), cfg, hdtime.NewBlockTime(hdtime.SecondsPerDay), testLogger(),
	)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	lp := wallet.New(fp("500000000"))
	if _, _, err := m.Initialize(lp, fp("500000000"), fp("0.05")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	trader := wallet.New(fp("1000000"))
	if _, _, err := m.OpenLong(trader, fp("1000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	m.clock.Tick(90)
	if err := m.Checkpoint(m.LatestCheckpointTime()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	st := m.State()
	if !st.LongsOutstanding.IsZero() {
		t.Fatalf("longs outstanding = %s, want zero after sweep", st.LongsOutstanding)
	}
	if !st.TotalSupplyLongs[0].IsZero() {
		t.Fatalf("long token supply = %s, want zero after sweep", st.TotalSupplyLongs[0])
	}
}

func TestAddLiquidity_MintsProportionalLP(t *testing.T) {
	m, _ := initializedMarket(t)
	before := m.State()
	lp := wallet.New(fp("50000000"))
	baseIn := fp("50000000")
	md, wd, err := m.AddLiquidity(lp, baseIn)
	if err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	// No open positions, so the mint is a pure pro-rata share.
	wantLP := baseIn.Mul(before.LPTotalSupply).Div(before.ShareReserves)
	if !md.LPTotalSupply.Eq(wantLP) {
		t.Fatalf("lp out = %s, want %s", md.LPTotalSupply, wantLP)
	}
	if !wd.LPTokens.Eq(wantLP) || !wd.Base.Eq(baseIn.Neg()) {
		t.Fatalf("wallet deltas = (%s, %s), want (%s, %s)",
			wd.LPTokens, wd.Base, wantLP, baseIn.Neg())
	}
	st := m.State()
	if !st.ShareReserves.Eq(before.ShareReserves.Add(baseIn)) {
		t.Fatalf("share reserves = %s, want %s", st.ShareReserves, before.ShareReserves.Add(baseIn))
	}
}

func TestAddLiquidity_PreservesFixedAPR(t *testing.T) {
	m, _ := initializedMarket(t)
	before, _ := m.FixedAPR()
	lp := wallet.New(fp("100000000"))
	if _, _, err := m.AddLiquidity(lp, fp("100000000")); err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	after, _ := m.FixedAPR()
	if !approxEq(after, before, scaled("1000")) {
		t.Fatalf("apr moved %s -> %s on liquidity add", before, after)
	}
}

func TestRemoveLiquidity_NoOpenPositions(t *testing.T) {
	m, w := initializedMarket(t)
	before := m.State()
	half := w.LPTokens.Div(fp("2"))
	_, wd, err := m.RemoveLiquidity(w, half)
	if err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	if !wd.WithdrawShares.IsZero() {
		t.Fatalf("withdraw shares = %s, want zero with no open positions", wd.WithdrawShares)
	}
	// Half the LP supply redeems close to half the share reserves.
	wantBase := before.ShareReserves.Div(fp("2"))
	if !approxEq(wd.Base, wantBase, scaled("1000000000000")) {
		t.Fatalf("base out = %s, want ~%s", wd.Base, wantBase)
	}
	st := m.State()
	if !st.LPTotalSupply.Eq(before.LPTotalSupply.Sub(half)) {
		t.Fatalf("lp supply = %s, want %s", st.LPTotalSupply, before.LPTotalSupply.Sub(half))
	}
}

func TestRemoveLiquidity_OpenLongsIssueWithdrawShares(t *testing.T) {
	m, w := initializedMarket(t)
	trader := wallet.New(fp("10000000"))
	if _, _, err := m.OpenLong(trader, fp("10000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	_, wd, err := m.RemoveLiquidity(w, w.LPTokens.Div(fp("2")))
	if err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	if wd.WithdrawShares.Sign() <= 0 {
		t.Fatalf("withdraw shares = %s, want > 0 with longs open", wd.WithdrawShares)
	}
	st := m.State()
	if !st.TotalSupplyWithdrawShares.Eq(wd.WithdrawShares) {
		t.Fatalf("withdraw share supply = %s, want %s",
			st.TotalSupplyWithdrawShares, wd.WithdrawShares)
	}
}

func TestRemoveLiquidity_MoreThanHeld(t *testing.T) {
	m, w := initializedMarket(t)
	if _, _, err := m.RemoveLiquidity(w, w.LPTokens.Add(fixedpoint.One())); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestRedeemWithdrawShares_PaysAfterLongsClose(t *testing.T) {
	m, w := initializedMarket(t)
	trader := wallet.New(fp("10000000"))
	if _, _, err := m.OpenLong(trader, fp("10000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	if _, _, err := m.RemoveLiquidity(w, w.LPTokens.Div(fp("2"))); err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	if _, _, err := m.CloseLong(trader, trader.LongBalance(0), 0); err != nil {
		t.Fatalf("CloseLong: %v", err)
	}
	st := m.State()
	if st.WithdrawSharesReady.Sign() <= 0 {
		t.Fatalf("withdraw shares ready = %s, want > 0 after close", st.WithdrawSharesReady)
	}
	redeem := fixedpoint.Min(st.WithdrawSharesReady, w.WithdrawShares)
	baseOut, err := m.RedeemWithdrawShares(w, redeem, fixedpoint.Zero())
	if err != nil {
		t.Fatalf("RedeemWithdrawShares: %v", err)
	}
	if baseOut.Sign() <= 0 {
		t.Fatalf("base out = %s, want > 0", baseOut)
	}
}

func TestRedeemWithdrawShares_Rejections(t *testing.T) {
	m, w := initializedMarket(t)
	if _, err := m.RedeemWithdrawShares(w, fp("10"), fixedpoint.Zero()); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	trader := wallet.New(fp("10000000"))
	if _, _, err := m.OpenLong(trader, fp("10000000")); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	if _, _, err := m.RemoveLiquidity(w, w.LPTokens.Div(fp("2"))); err != nil {
		t.Fatalf("RemoveLiquidity: %v", err)
	}
	// Margin is still locked behind the open long.
	if _, err := m.RedeemWithdrawShares(w, w.WithdrawShares, fixedpoint.Zero()); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("err = %v, want ErrInsufficientLiquidity", err)
	}
	if _, _, err := m.CloseLong(trader, trader.LongBalance(0), 0); err != nil {
		t.Fatalf("CloseLong: %v", err)
	}
	ready := m.State().WithdrawSharesReady
	if _, err := m.RedeemWithdrawShares(w, ready, fp("99999999999")); !errors.Is(err, ErrOutputLimit) {
		t.Fatalf("err = %v, want ErrOutputLimit", err)
	}
}

func TestWeightedAverage(t *testing.T) {
	avg := updateWeightedAverage(fp("1"), fp("10"), fp("2"), fp("10"), true)
	if !avg.Eq(fp("1.5")) {
		t.Fatalf("adding: avg = %s, want 1.5", avg)
	}
	avg = updateWeightedAverage(fp("1.5"), fp("20"), fp("2"), fp("10"), false)
	if !avg.Eq(fp("1")) {
		t.Fatalf("removing: avg = %s, want 1", avg)
	}
	avg = updateWeightedAverage(fp("1.5"), fp("10"), fp("2"), fp("10"), false)
	if !avg.IsZero() {
		t.Fatalf("removing all weight: avg = %s, want 0", avg)
	}
}

func TestCalculateBaseVolume(t *testing.T) {
	// Full time remaining: volume is the base amount.
	v := calculateBaseVolume(fp("100"), fp("120"), fp("1"))
	if !v.Eq(fp("100")) {
		t.Fatalf("t=1: volume = %s, want 100", v)
	}
	// Half elapsed: base = 0.5*volume + 0.5*bonds.
	v = calculateBaseVolume(fp("110"), fp("120"), fp("0.5"))
	if !v.Eq(fp("100")) {
		t.Fatalf("t=0.5: volume = %s, want 100", v)
	}
	if !calculateBaseVolume(fp("100"), fp("120"), fixedpoint.Zero()).IsZero() {
		t.Fatal("t=0: volume should be zero")
	}
}

func TestUpdateReserves(t *testing.T) {
	z, y := updateReserves(fp("100"), fp("200"), fp("10"))
	if !z.Eq(fp("110")) || !y.Eq(fp("220")) {
		t.Fatalf("got (%s, %s), want (110, 220)", z, y)
	}
	z, y = updateReserves(fp("100"), fp("200"), fixedpoint.Zero())
	if !z.Eq(fp("100")) || !y.Eq(fp("200")) {
		t.Fatalf("zero delta: got (%s, %s), want inputs unchanged", z, y)
	}
}

func TestShortProceedsAndInterest(t *testing.T) {
	// No price movement: proceeds are the margin above the share cost.
	p := shortProceeds(fp("100"), fp("95"), fp("1"), fp("1"), fp("1"))
	if !p.Eq(fp("5")) {
		t.Fatalf("proceeds = %s, want 5", p)
	}
	// Cost above the marked value floors at zero.
	p = shortProceeds(fp("100"), fp("105"), fp("1"), fp("1"), fp("1"))
	if !p.IsZero() {
		t.Fatalf("proceeds = %s, want 0", p)
	}
	i := shortInterest(fp("100"), fp("1"), fp("1.1"), fp("1"))
	if !approxEq(i, fp("10"), scaled("10")) {
		t.Fatalf("interest = %s, want ~10", i)
	}
	if !shortInterest(fp("100"), fp("1.1"), fp("1"), fp("1")).IsZero() {
		t.Fatal("negative interest should floor at zero")
	}
}
