package screening

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the screening pipeline's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	messages       prometheus.Counter
	observations   prometheus.Counter
	nonNumeric     prometheus.Counter
	flagged        *prometheus.CounterVec
	lookupDuration prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
}

// NewMetrics registers the screening collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "labflag",
			Name:      "messages_total",
			Help:      "ORU messages (MSH groups) screened.",
		}),
		observations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "labflag",
			Name:      "observations_total",
			Help:      "Well-formed OBX observations extracted.",
		}),
		nonNumeric: f.NewCounter(prometheus.CounterOpts{
			Namespace: "labflag",
			Name:      "non_numeric_total",
			Help:      "Observations whose value could not be compared numerically.",
		}),
		flagged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labflag",
			Name:      "results_flagged_total",
			Help:      "Observation/metric pairs outside a reference range, by range kind.",
		}, []string{"range"}),
		lookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "labflag",
			Name:      "lookup_duration_seconds",
			Help:      "Reference-range lookup latency.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labflag",
			Name:      "range_cache_lookups_total",
			Help:      "Range cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeGroups(messages, observations int) {
	if m == nil {
		return
	}
	m.messages.Add(float64(messages))
	m.observations.Add(float64(observations))
}

func (m *Metrics) observeEvaluation(numeric bool, evs []Evaluation) {
	if m == nil {
		return
	}
	if !numeric {
		m.nonNumeric.Inc()
	}
	for _, ev := range evs {
		if ev.Flags.OutOfStandardRange() {
			m.flagged.WithLabelValues("standard").Inc()
		}
		if ev.Flags.OutOfEverlabRange() {
			m.flagged.WithLabelValues("everlab").Inc()
		}
	}
}

func (m *Metrics) observeLookup(start time.Time) {
	if m == nil {
		return
	}
	m.lookupDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) cacheAccess(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}
