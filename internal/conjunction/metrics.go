package conjunction

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the conjunction subsystem.
type Metrics struct {
	ScreeningsTotal     *prometheus.CounterVec
	ScreeningDuration   prometheus.Histogram
	ScreeningCandidates prometheus.Histogram
	ScreeningSkipped    prometheus.Counter
	IngestsTotal        *prometheus.CounterVec
	DedupConflicts      prometheus.Counter
	EventsDeactivated   prometheus.Counter
	NotifiesTotal       *prometheus.CounterVec
}

// NewMetrics registers and returns conjunction metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScreeningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perigee_screenings_total",
			Help: "Total screening runs by outcome.",
		}, []string{"status"}),
		ScreeningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perigee_screening_duration_seconds",
			Help:    "Duration of screening runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		ScreeningCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perigee_screening_candidates",
			Help:    "Candidate encounters found per screening run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. ~512
		}),
		ScreeningSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perigee_screening_skipped_objects_total",
			Help: "Catalog objects skipped for propagation failures.",
		}),
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perigee_ingests_total",
			Help: "Total observation ingestions by source kind and result.",
		}, []string{"source", "result"}),
		DedupConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perigee_dedup_conflicts_total",
			Help: "Concurrent write conflicts resolved by retry.",
		}),
		EventsDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perigee_events_deactivated_total",
			Help: "Events flagged inactive after not being re-observed.",
		}),
		NotifiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perigee_notifies_total",
			Help: "Webhook notifications by outcome.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.ScreeningsTotal,
		m.ScreeningDuration,
		m.ScreeningCandidates,
		m.ScreeningSkipped,
		m.IngestsTotal,
		m.DedupConflicts,
		m.EventsDeactivated,
		m.NotifiesTotal,
	)

	return m
}
