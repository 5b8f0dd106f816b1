package driver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "laminar_"

type metrics struct {
	queuedRuns    prometheus.Gauge
	runningRuns   prometheus.Gauge
	completedRuns *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	factory := promauto.With(registerer)
	return &metrics{
		queuedRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "queued_runs",
			Help: "Number of runs waiting for a free executor",
		}),
		runningRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "running_runs",
			Help: "Number of runs assigned to a node",
		}),
		completedRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "completed_runs",
				Help: "Number of runs that reached a terminal state",
			},
			[]string{"job", "result"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "run_duration_seconds",
				Help:    "Time from the first script starting to the run completing",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"job"},
		),
	}
}

func (m *metrics) recordCompleted(s RunStatus) {
	m.completedRuns.
		With(map[string]string{"job": s.Name, "result": s.Result.String()}).
		Inc()
	if d := s.Duration(); d > 0 {
		m.runDuration.
			With(map[string]string{"job": s.Name}).
			Observe(d.Seconds())
	}
}

func (m *metrics) setQueueSizes(queued int, running int) {
	m.queuedRuns.Set(float64(queued))
	m.runningRuns.Set(float64(running))
}
