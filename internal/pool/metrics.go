package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PromBlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "blocks_processed",
	}, []string{"currency"})
	PromStakesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "stakes_found",
	}, []string{"currency"})
	PromStakesStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "stakes_stale",
	}, []string{"currency"})
	PromStakesFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "stakes_flagged",
	}, []string{"currency"})
	PromPayoutsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "payouts_settled",
	}, []string{"currency"})
	PromSatsDisbursed = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "sats_disbursed",
	}, []string{"currency"})
	PromPaymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pool",
		Name:      "payments_rejected",
	}, []string{"currency"})
	PromOpenRound = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "pool",
		Name:      "open_round",
	}, []string{"currency"})
)
