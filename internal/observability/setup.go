package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	challengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_challenges_total",
			Help: "Join challenges by outcome",
		},
		[]string{"outcome"}, // issued, verified, expired, recovered
	)

	profileWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_profile_warnings_total",
			Help: "Profile completeness warnings issued",
		},
	)

	restrictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_restrictions_total",
			Help: "Users restricted, by trigger",
		},
		[]string{"reason"}, // message_count, time, probation
	)

	probationViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_probation_violations_total",
			Help: "Probation rule violations recorded",
		},
	)

	updateProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_update_processing_duration_seconds",
			Help:    "Time spent processing updates",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func Init(ctx context.Context, metricsAddr string) error {
	prometheus.MustRegister(
		challengesTotal,
		profileWarningsTotal,
		restrictionsTotal,
		probationViolationsTotal,
		updateProcessingDuration,
	)

	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return nil
}

func RecordChallenge(outcome string) {
	challengesTotal.WithLabelValues(outcome).Inc()
}

func RecordProfileWarning() {
	profileWarningsTotal.Inc()
}

func RecordRestriction(reason string) {
	restrictionsTotal.WithLabelValues(reason).Inc()
}

func RecordProbationViolation() {
	probationViolationsTotal.Inc()
}

// StartUpdateProcessing returns a closure that records the elapsed
// duration under the final status label.
func StartUpdateProcessing() func(status string) {
	start := time.Now()
	return func(status string) {
		updateProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
