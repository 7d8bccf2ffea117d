// Package metrics exposes pipeline activity as Prometheus metrics through
// mealupload hooks.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tendant/meal-snap/pkg/mealupload"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	runs          *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	quotaLeft     prometheus.Gauge
}

// New registers the pipeline collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealupload_runs_total",
			Help: "Finished pipeline runs by outcome and error category",
		}, []string{"outcome", "category"}), // outcome=complete|error
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealupload_state_transitions_total",
			Help: "Pipeline state transitions by target state",
		}, []string{"to"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mealupload_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		quotaLeft: f.NewGauge(prometheus.GaugeOpts{
			Name: "mealupload_quota_remaining",
			Help: "Analyses remaining in the current window (-1 for unlimited)",
		}),
	}
}

// Hooks returns pipeline hooks that feed the collectors.
func (m *Metrics) Hooks() mealupload.Hooks {
	return mealupload.Hooks{
		OnStateChange: []mealupload.StateChangeHook{
			func(ctx context.Context, t mealupload.Transition) {
				m.transitions.WithLabelValues(string(t.To)).Inc()
			},
		},
		OnStageComplete: []mealupload.StageCompleteHook{
			func(ctx context.Context, runID string, stage mealupload.Stage, elapsed time.Duration, err error) {
				m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
			},
		},
		OnError: []mealupload.ErrorHook{
			func(ctx context.Context, runID string, err *mealupload.Error) {
				m.runs.WithLabelValues("error", string(err.Category)).Inc()
				if err.Quota != nil {
					m.ObserveQuota(*err.Quota)
				}
			},
		},
		OnComplete: []mealupload.CompleteHook{
			func(ctx context.Context, runID string, result *mealupload.AnalysisResult) {
				m.runs.WithLabelValues("complete", "").Inc()
			},
		},
	}
}

// ObserveQuota records the latest snapshot. It can be passed to
// Reconciler.Subscribe.
func (m *Metrics) ObserveQuota(snap mealupload.QuotaSnapshot) {
	m.quotaLeft.Set(float64(snap.Remaining))
}
