package multigrid

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports cycle statistics to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	cycles      prometheus.Counter
	failed      prometheus.Counter
	baseSolves  prometheus.Counter
	smoothSteps *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewMetrics registers the cycle collectors with reg. Processes sharing one
// registry tell their series apart by constLabels, e.g. a rank label.
func NewMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gmg",
			Name:        "cycles_total",
			Help:        "Completed multigrid cycles.",
			ConstLabels: constLabels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gmg",
			Name:        "failed_cycles_total",
			Help:        "Cycles ending in a non-convergent step.",
			ConstLabels: constLabels,
		}),
		baseSolves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gmg",
			Name:        "base_solves_total",
			Help:        "Base solver applications.",
			ConstLabels: constLabels,
		}),
		smoothSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gmg",
			Name:        "smoothing_steps_total",
			Help:        "Smoother applications per level.",
			ConstLabels: constLabels,
		}, []string{"level"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "gmg",
			Name:        "cycle_duration_seconds",
			Help:        "Wall time of one cycle.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.cycles, m.failed, m.baseSolves, m.smoothSteps, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) cycleDone(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	if !ok {
		m.failed.Inc()
	}
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) baseSolve() {
	if m == nil {
		return
	}
	m.baseSolves.Inc()
}

func (m *Metrics) smoothed(lev, steps int) {
	if m == nil || steps == 0 {
		return
	}
	m.smoothSteps.WithLabelValues(strconv.Itoa(lev)).Add(float64(steps))
}
