package supervisor

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/flowbind/internal/runtime/errors"
)

// Metrics exports pipeline statistics to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	mu sync.Mutex

	state       *prometheus.GaugeVec
	restarts    *prometheus.CounterVec
	faults      *prometheus.CounterVec
	commits     *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	backoffHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

var pipelineLabels = []string{"binding", "partition"}

func newPipelineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbind",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPipelineGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowbind",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the pipeline collectors. A nil registerer selects the
// Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		state:      newPipelineGaugeVec("state", "Current pipeline state (0 starting, 1 running, 2 draining, 3 stopped, 4 restarting)", pipelineLabels),
		restarts:   newPipelineCounterVec("restarts_total", "Total number of pipeline restarts", pipelineLabels),
		faults:     newPipelineCounterVec("faults_total", "Total number of pipeline faults by kind", append(pipelineLabels, "kind")),
		commits:    newPipelineCounterVec("commits_total", "Total number of persisted offset commits", pipelineLabels),
		inFlight:   newPipelineGaugeVec("in_flight", "Uncommitted elements currently in flight", pipelineLabels),
		backoffHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "flowbind",
				Subsystem: "pipeline",
				Name:      "backoff_seconds",
				Help:      "Delay applied before a pipeline restart",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"binding"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range m.collectors() {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Unregister removes the collectors again.
func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered {
		return
	}
	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
	m.registered = false
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.state,
		m.restarts,
		m.faults,
		m.commits,
		m.inFlight,
		m.backoffHist,
	}
}

func (m *Metrics) setState(key Key, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(key.labels()...).Set(float64(s))
}

func (m *Metrics) restarted(key Key, delay time.Duration) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(key.labels()...).Inc()
	m.backoffHist.WithLabelValues(key.Binding).Observe(delay.Seconds())
}

func (m *Metrics) fault(key Key, err error) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(append(key.labels(), faultKind(err))...).Inc()
}

func (m *Metrics) committed(key Key) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(key.labels()...).Inc()
}

func (m *Metrics) setInFlight(key Key, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(key.labels()...).Set(float64(n))
}

func (k Key) labels() []string {
	return []string{k.Binding, strconv.Itoa(k.Partition)}
}

func faultKind(err error) string {
	switch {
	case errors.Is(err, errspkg.ErrFatalSupervision), errors.Is(err, errspkg.ErrIncomparableOffsets):
		return "fatal"
	case errors.Is(err, errspkg.ErrHandlerFault):
		return "handler"
	default:
		return "transport"
	}
}
