package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 消耗
	ConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_consume_total",
			Help: "Consume requests by outcome",
		},
		[]string{"outcome"},
	)
	CreditsConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_credits_consumed_total",
			Help: "Credits drawn from grants",
		},
	)

	// 发放
	GrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_grants_total",
			Help: "Grant requests by transaction type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// 冻结 / 解冻
	FreezeRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_freeze_rows_total",
			Help: "Grant rows frozen, refrozen or unfrozen",
		},
		[]string{"op"},
	)

	IntegrityViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_integrity_violations_total",
			Help: "Aborted operations caused by ledger integrity violations",
		},
		[]string{"kind"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_webhook_events_total",
			Help: "Payment events applied to the ledger",
		},
		[]string{"type", "status"},
	)

	TxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_tx_duration_seconds",
			Help:    "Duration of ledger transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Register 注册到默认 registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ConsumeTotal,
			CreditsConsumedTotal,
			GrantsTotal,
			FreezeRowsTotal,
			IntegrityViolationsTotal,
			WebhookEventsTotal,
			TxDuration,
		)
	})
}

// Handler /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTx 记录事务耗时，用法：defer metrics.ObserveTx("consume", time.Now())
func ObserveTx(op string, start time.Time) {
	TxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
