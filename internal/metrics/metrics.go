package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairness_jobs_processed_total",
		Help: "Jobs handled by the worker, by queue and outcome.",
	}, []string{"queue", "outcome"})

	JobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairness_jobs_dead_lettered_total",
		Help: "Jobs moved to the dead-letter list after exhausting retries.",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fairness_queue_depth",
		Help: "Jobs waiting per queue and state (scheduled, processing, dead).",
	}, []string{"queue", "state"})

	SettlementsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairness_settlements_executed_total",
		Help: "Escrows fully settled with all payouts sent.",
	})

	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairness_settlement_failures_total",
		Help: "Settlement attempts that left unpaid payouts behind.",
	})

	ProofsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairness_proofs_resolved_total",
		Help: "Proof records resolved, by terminal status.",
	}, []string{"status"})

	DepositsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairness_deposits_processed_total",
		Help: "On-chain deposits matched to escrow participants.",
	})

	TransfersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairness_transfers_sent_total",
		Help: "Outbound TON transfers (payouts, fees, refunds).",
	})
)

// Serve exposes /metrics on its own listener so scrapes never contend
// with the API port.
func Serve(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics listener stopped", zap.Error(err))
		}
	}()
}
