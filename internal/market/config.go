package market

import (
	"log/slog"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
	"github.com/delvtech/hyperdrive-engine/internal/hdtime"
	"github.com/delvtech/hyperdrive-engine/internal/pricing"
)

// Config collects the pool parameters fixed at deployment. Fees are
// fractions in [0, 1]; the time stretch is derived from the APR the pool is
// tuned for.
type Config struct {
	// PositionDurationDays is the bond term. It is also the normalizing
	// constant of the stretched-time basis, so terms are always full.
	PositionDurationDays fixedpoint.FP

	// TimeStretchAPR is the target rate the curve is calibrated around.
	TimeStretchAPR fixedpoint.FP

	// CheckpointSeconds is the checkpoint bucket width.
	CheckpointSeconds int64

	CurveFee      fixedpoint.FP
	FlatFee       fixedpoint.FP
	GovernanceFee fixedpoint.FP

	// InitialSharePrice is the yield source's share price at deployment.
	InitialSharePrice fixedpoint.FP
}

// DefaultConfig is a feeless one-year pool with daily checkpoints tuned
// around a 5% rate.
func DefaultConfig() Config {
	return Config{
		PositionDurationDays: fixedpoint.NewFromInt(365),
		TimeStretchAPR:       fixedpoint.MustFromString("0.05"),
		CheckpointSeconds:    hdtime.SecondsPerDay,
		CurveFee:             fixedpoint.Zero(),
		FlatFee:              fixedpoint.Zero(),
		GovernanceFee:        fixedpoint.Zero(),
		InitialSharePrice:    fixedpoint.One(),
	}
}

// NewFromConfig builds a market from deployment parameters, deriving the
// time stretch and an empty initial state.
func NewFromConfig(model *pricing.Model, cfg Config, clock *hdtime.BlockTime, logger *slog.Logger) (*Market, error) {
	duration := hdtime.NewStretchedTime(
		cfg.PositionDurationDays,
		pricing.CalcTimeStretch(cfg.TimeStretchAPR),
		cfg.PositionDurationDays,
	)
	state := State{
		SharePrice:     cfg.InitialSharePrice,
		InitSharePrice: cfg.InitialSharePrice,
		CurveFee:       cfg.CurveFee,
		FlatFee:        cfg.FlatFee,
		GovernanceFee:  cfg.GovernanceFee,
	}
	return New(model, state, duration, clock, cfg.CheckpointSeconds, logger)
}
