// Package metrics exposes reconciliation counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciler records dual-write outcomes. A nil *Reconciler is valid and
// records nothing.
type Reconciler struct {
	registry       *prometheus.Registry
	votes          *prometheus.CounterVec
	ledgerFailures *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	confirmLatency prometheus.Histogram
	decodeSource   *prometheus.CounterVec
	discrepancies  *prometheus.CounterVec
	drift          prometheus.Counter
	replayed       prometheus.Counter
	unapplied      prometheus.Gauge
}

// New registers the reconciler metrics on a fresh registry.
func New() *Reconciler {
	reg := prometheus.NewRegistry()
	m := &Reconciler{
		registry: reg,
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govsync_votes_total",
			Help: "Votes applied to the replica by effective type and backing.",
		}, []string{"type", "backing"}),
		ledgerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govsync_ledger_failures_total",
			Help: "Ledger submissions that degraded to local-only, by reason.",
		}, []string{"reason"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govsync_ledger_submissions_total",
			Help: "Ledger transactions broadcast, by kind.",
		}, []string{"kind"}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "govsync_ledger_confirm_seconds",
			Help:    "Time from broadcast to receipt.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 180},
		}),
		decodeSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govsync_proposal_id_decode_total",
			Help: "Ledger proposal id recoveries by strategy; none when all failed.",
		}, []string{"source"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govsync_status_discrepancies_total",
			Help: "Status changes applied locally but not on the ledger, by reason.",
		}, []string{"reason"}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "govsync_tally_drift_total",
			Help: "Tally caches found inconsistent and recomputed.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "govsync_sweep_replayed_total",
			Help: "Confirmed ledger transactions replayed into the replica by the sweep.",
		}),
		unapplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "govsync_unapplied_transactions",
			Help: "Confirmed ledger transactions not yet applied to the replica at the last sweep.",
		}),
	}
	reg.MustRegister(
		m.votes,
		m.ledgerFailures,
		m.submissions,
		m.confirmLatency,
		m.decodeSource,
		m.discrepancies,
		m.drift,
		m.replayed,
		m.unapplied,
	)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Reconciler) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the prometheus text format.
func (m *Reconciler) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (m *Reconciler) ObserveVote(voteType string, localOnly bool) {
	if m == nil {
		return
	}
	backing := "ledger"
	if localOnly {
		backing = "local"
	}
	m.votes.WithLabelValues(orUnknown(voteType), backing).Inc()
}

func (m *Reconciler) ObserveLedgerFailure(reason string) {
	if m == nil {
		return
	}
	m.ledgerFailures.WithLabelValues(orUnknown(reason)).Inc()
}

func (m *Reconciler) ObserveSubmission(kind string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(orUnknown(kind)).Inc()
}

func (m *Reconciler) ObserveConfirmLatency(seconds float64) {
	if m == nil {
		return
	}
	m.confirmLatency.Observe(seconds)
}

func (m *Reconciler) ObserveDecode(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.decodeSource.WithLabelValues(source).Inc()
}

func (m *Reconciler) ObserveDiscrepancy(reason string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(orUnknown(reason)).Inc()
}

func (m *Reconciler) ObserveDrift() {
	if m == nil {
		return
	}
	m.drift.Inc()
}

func (m *Reconciler) ObserveReplayed(n int) {
	if m == nil {
		return
	}
	m.replayed.Add(float64(n))
}

func (m *Reconciler) SetUnapplied(n int) {
	if m == nil {
		return
	}
	m.unapplied.Set(float64(n))
}
