// Package metrics exposes engine outcomes as Prometheus series.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/studio-engine/studio"
)

const namespace = "studio"

// Recorder implements studio.Metrics on its own registry.
type Recorder struct {
	registry      *prometheus.Registry
	commits       *prometheus.CounterVec
	commitLatency *prometheus.HistogramVec
	ledgerEntries *prometheus.CounterVec
	creditsMoved  *prometheus.CounterVec
	seatsFreed    prometheus.Counter
	audits        *prometheus.CounterVec
	diverged      prometheus.Gauge
}

var _ studio.Metrics = (*Recorder)(nil)

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_commits_total",
			Help:      "Attendance units of work by outcome.",
		}, []string{"outcome"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attendance_commit_duration_seconds",
			Help:      "Time from load to commit of a unit of work.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries written, by reason.",
		}, []string{"reason"}),
		creditsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Absolute applied credit movement, by direction.",
		}, []string{"direction"}),
		seatsFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seat_freed_events_total",
			Help:      "Commits that freed a seat while members were waiting.",
		}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_audits_total",
			Help:      "Ledger audit runs by result.",
		}, []string{"result"}),
		diverged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_diverged_members",
			Help:      "Members whose balance diverged from the ledger at the last audit.",
		}),
	}
	r.registry.MustRegister(
		r.commits, r.commitLatency, r.ledgerEntries, r.creditsMoved, r.seatsFreed, r.audits, r.diverged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) ObserveCommit(outcome string, elapsed time.Duration) {
	r.commits.WithLabelValues(outcome).Inc()
	r.commitLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveEntries(entries []studio.LedgerEntry) {
	for _, e := range entries {
		reason := string(e.Reason)
		if e.Reason.IsExceptional() {
			reason = strings.SplitN(reason, ":", 2)[0]
		}
		r.ledgerEntries.WithLabelValues(reason).Inc()
		switch {
		case e.Delta > 0:
			r.creditsMoved.WithLabelValues("credit").Add(float64(e.Delta))
		case e.Delta < 0:
			r.creditsMoved.WithLabelValues("debit").Add(float64(-e.Delta))
		}
	}
}

func (r *Recorder) ObserveSeatFreed() {
	r.seatsFreed.Inc()
}

func (r *Recorder) ObserveAudit(report studio.AuditReport, err error) {
	switch {
	case err != nil:
		r.audits.WithLabelValues("error").Inc()
		return
	case len(report.Diverged) > 0:
		r.audits.WithLabelValues("diverged").Inc()
	default:
		r.audits.WithLabelValues("ok").Inc()
	}
	r.diverged.Set(float64(len(report.Diverged)))
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
