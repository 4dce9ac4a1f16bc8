// Package observability wires the scheduler's prometheus collectors.
//
// Everything hangs off an explicit registry passed in at construction; there
// is no package-level mutable state.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Picks       prometheus.Counter
	LostRaces   prometheus.Counter
	Completions *prometheus.CounterVec // result: success|retry|failed
	Reaped      prometheus.Counter
	Created     prometheus.Counter

	ExecDuration *prometheus.HistogramVec // job_type

	JobsByStatus *prometheus.GaugeVec // status
	LoopLastTick *prometheus.GaugeVec // loop, unix seconds
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Picks: f.NewCounter(prometheus.CounterOpts{
			Name: "jobd_picks_total",
			Help: "Jobs successfully picked and locked by this instance.",
		}),
		LostRaces: f.NewCounter(prometheus.CounterOpts{
			Name: "jobd_pick_conflicts_total",
			Help: "Lock attempts that affected zero rows (another instance won).",
		}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobd_completions_total",
			Help: "Terminal attempt outcomes written back by this instance.",
		}, []string{"result"}),
		Reaped: f.NewCounter(prometheus.CounterOpts{
			Name: "jobd_locks_reaped_total",
			Help: "Expired leases released by the reaper loop.",
		}),
		Created: f.NewCounter(prometheus.CounterOpts{
			Name: "jobd_jobs_created_total",
			Help: "Jobs materialized from cron definitions.",
		}),
		ExecDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobd_execution_seconds",
			Help:    "Payload execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job_type"}),
		JobsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobd_jobs",
			Help: "Jobs per status from the latest statistics scan.",
		}, []string{"status"}),
		LoopLastTick: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobd_loop_last_tick_seconds",
			Help: "Unix time of each loop's most recent completed tick.",
		}, []string{"loop"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
