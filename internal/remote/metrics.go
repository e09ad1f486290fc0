package remote

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the server-side step-loop counters/gauges SPEC_FULL.md §4
// adds as a supplement to spec.md §4.5's step(): steps applied, poison
// marks recorded, and a per-client unapplied-entry gauge so an operator
// can see scheduling fairness in practice.
type Metrics struct {
	StepsApplied   prometheus.Counter
	PoisonMarks    prometheus.Counter
	UnappliedDepth *prometheus.GaugeVec
}

// NewMetrics registers the step-loop metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rowsync",
			Subsystem: "remote",
			Name:      "steps_applied_total",
			Help:      "Mutations successfully applied by the step loop.",
		}),
		PoisonMarks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rowsync",
			Subsystem: "remote",
			Name:      "poison_marks_total",
			Help:      "Mutations rolled back and poison-marked by the step loop.",
		}),
		UnappliedDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rowsync",
			Subsystem: "remote",
			Name:      "client_unapplied_depth",
			Help:      "Unapplied journal entries outstanding for a client.",
		}, []string{"client_id"}),
	}
	reg.MustRegister(m.StepsApplied, m.PoisonMarks, m.UnappliedDepth)
	return m
}
