package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "questpay_jobs_claimed_total", Help: "Jobs claimed by workers"},
		[]string{"type"},
	)
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "questpay_jobs_completed_total", Help: "Jobs finalized as completed"},
		[]string{"type"},
	)
	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "questpay_jobs_failed_total", Help: "Jobs finalized as failed"},
		[]string{"type"},
	)
	JobsRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "questpay_jobs_requeued_total", Help: "Jobs requeued after transient failures"},
		[]string{"type"},
	)
	Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "questpay_verifications_total", Help: "Verification decisions"},
		[]string{"decision"},
	)
	PayoutsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "questpay_payouts_completed_total", Help: "Payouts completed with a budget debit"})
	PayoutsRecredited = prometheus.NewCounter(prometheus.CounterOpts{Name: "questpay_payouts_recredited_total", Help: "Budget recredits after post-debit transfer failures"})
	IntakeRejected    = prometheus.NewCounter(prometheus.CounterOpts{Name: "questpay_intake_rate_limited_total", Help: "Submissions rejected by the intake rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "questpay_queue_depth", Help: "Jobs waiting to be claimed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsRequeued,
			Verifications,
			PayoutsCompleted,
			PayoutsRecredited,
			IntakeRejected,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
