// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trades applied to a market, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperdrive_trades_total",
		Help: "Total number of trades applied to the market",
	}, []string{"action"})

	// TradesRejected counts trades rejected before any state mutation.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperdrive_trades_rejected_total",
		Help: "Trades rejected by pre-trade validation",
	}, []string{"reason"})

	// CheckpointsMinted counts checkpoint records created.
	CheckpointsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hyperdrive_checkpoints_minted_total",
		Help: "Checkpoint records minted",
	})

	// MaturedPositionsSwept counts matured positions closed by checkpoint
	// sweeps, partitioned by position side.
	MaturedPositionsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hyperdrive_matured_positions_swept_total",
		Help: "Matured positions closed during checkpoint sweeps",
	}, []string{"position"})

	// GovFeesAccrued tracks governance fees accrued by the pool, in shares.
	GovFeesAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hyperdrive_gov_fees_accrued_shares",
		Help: "Cumulative governance fees accrued, denominated in shares",
	})

	// LPTokenSupply tracks the pool's outstanding LP token supply.
	LPTokenSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hyperdrive_lp_token_supply",
		Help: "Outstanding LP token supply",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
