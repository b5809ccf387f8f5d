package scan

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts token issuance, scan outcomes and compensations.
type Metrics struct {
	Issued   *prometheus.CounterVec
	Scans    *prometheus.CounterVec
	Releases *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "academy",
			Name:      "tokens_issued_total",
			Help:      "QR tokens handed out, by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "academy",
			Name:      "scans_total",
			Help:      "Scanned tokens, by purpose and outcome code.",
		}, []string{"purpose", "outcome"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "academy",
			Name:      "token_releases_total",
			Help:      "Redemptions undone after the durable write failed.",
		}, []string{"purpose", "released"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "academy",
			Name:      "scan_duration_seconds",
			Help:      "End to end scan latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"purpose"}),
	}
	if reg != nil {
		reg.MustRegister(m.Issued, m.Scans, m.Releases, m.Duration)
	}
	return m
}
