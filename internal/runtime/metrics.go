package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/commandflow/internal/runtime/masterjob"
	"github.com/drblury/commandflow/internal/runtime/outgoing"
	"github.com/drblury/commandflow/internal/runtime/scheduler"
	"github.com/drblury/commandflow/transport"
)

const metricsNamespace = "commandflow"

// Metrics holds the Prometheus collectors of a Service. A nil *Metrics
// records nothing, which is how a service with metrics disabled runs.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	deadLetters      *prometheus.CounterVec
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	outgoingTotal    *prometheus.CounterVec
	outgoingLatency  prometheus.Histogram
	transmitTotal    *prometheus.CounterVec
	masterState      *prometheus.GaugeVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// NewMetrics creates the collectors and registers them, together with the Go
// and process collectors, on a registry owned by the returned Metrics.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry:         prometheus.NewRegistry(),
		dispatchTotal:    newCounterVec("dispatch", "total", "Dispatched payloads by command and outcome.", "command", "outcome"),
		dispatchDuration: newHistogramVec("dispatch", "duration_seconds", "Command handler duration.", "command"),
		deadLetters:      newCounterVec("dispatch", "dead_letters_total", "Payloads handled as dead letters.", "command"),
		tasksTotal:       newCounterVec("scheduler", "tasks_total", "Scheduler task outcomes by level.", "level", "outcome"),
		taskDuration:     newHistogramVec("scheduler", "task_duration_seconds", "Task run time by level.", "level"),
		outgoingTotal:    newCounterVec("outgoing", "requests_total", "Outgoing request completions by status.", "status"),
		outgoingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "outgoing",
			Name:      "latency_seconds",
			Help:      "Time from transmit to completion of outgoing requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		transmitTotal: newCounterVec("transport", "transmit_total", "Transport publishes by topic and error class.", "topic", "class"),
		masterState:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: metricsNamespace, Subsystem: "masterjob", Name: "state", Help: "Election state per master command."}, []string{"command"}),
	}
	collectorList := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatchTotal,
		m.dispatchDuration,
		m.deadLetters,
		m.tasksTotal,
		m.taskDuration,
		m.outgoingTotal,
		m.outgoingLatency,
		m.transmitTotal,
		m.masterState,
	}
	for _, c := range collectorList {
		if err := m.registry.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

// Registry exposes the registry so embedders can add their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// DecorateTransport wraps the transport publisher and subscribers with
// watermill's Prometheus decorators so broker traffic is measured too.
func (m *Metrics) DecorateTransport(tr transport.Transport, pubsubSystem string) (transport.Transport, error) {
	if m == nil {
		return tr, nil
	}
	builder := wmmetrics.NewPrometheusMetricsBuilder(m.registry, metricsNamespace, pubsubSystem)
	var err error
	if tr.Publisher != nil {
		if tr.Publisher, err = builder.DecoratePublisher(tr.Publisher); err != nil {
			return tr, err
		}
	}
	decorate := func(sub message.Subscriber) (message.Subscriber, error) {
		if sub == nil {
			return nil, nil
		}
		return builder.DecorateSubscriber(sub)
	}
	broadcast := tr.Broadcast
	if tr.Subscriber, err = decorate(tr.Subscriber); err != nil {
		return tr, err
	}
	if broadcast != nil {
		if tr.Broadcast, err = decorate(broadcast); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

func (m *Metrics) dispatched(command string, elapsed time.Duration, err error, deadLetter bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.dispatchTotal.WithLabelValues(command, outcome).Inc()
	m.dispatchDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	if deadLetter {
		m.deadLetters.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) transmitted(topic string) {
	if m == nil {
		return
	}
	m.transmitTotal.WithLabelValues(topic, "ok").Inc()
}

func (m *Metrics) transmitFailed(topic string, err error) {
	if m == nil {
		return
	}
	m.transmitTotal.WithLabelValues(topic, transport.ClassOf(err).String()).Inc()
}

// SchedulerHooks feeds task outcomes into the scheduler collectors.
func (m *Metrics) SchedulerHooks() scheduler.Hooks {
	if m == nil {
		return scheduler.Hooks{}
	}
	record := func(outcome string) func(int, string, time.Duration) {
		return func(level int, _ string, elapsed time.Duration) {
			lv := strconv.Itoa(level)
			m.tasksTotal.WithLabelValues(lv, outcome).Inc()
			if outcome != "started" {
				m.taskDuration.WithLabelValues(lv).Observe(elapsed.Seconds())
			}
		}
	}
	return scheduler.MetricsHooks(record("started"), record("completed"), record("failed"), record("killed"))
}

func (m *Metrics) observeOutgoing(ev outgoing.Event) {
	if m == nil {
		return
	}
	m.outgoingTotal.WithLabelValues(outgoing.StatusText(ev.Status)).Inc()
	m.outgoingLatency.Observe(ev.Elapsed.Seconds())
}

func (m *Metrics) observeMasterState(change masterjob.StateChange) {
	if m == nil {
		return
	}
	m.masterState.WithLabelValues(change.Command).Set(float64(change.To))
}
