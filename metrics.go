package ariarpc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ariarpc"

// Call outcomes used as the "outcome" label.
const (
	outcomeOK         = "ok"
	outcomeRemote     = "remote_error"
	outcomeTimeout    = "timeout"
	outcomeConnection = "connection_error"
	outcomeCanceled   = "canceled"
)

// Metrics holds the collectors a Trigger reports to. One Metrics may be
// shared by several triggers. A nil *Metrics records nothing.
type Metrics struct {
	calls           *prometheus.CounterVec
	retries         prometheus.Counter
	pending         prometheus.Gauge
	notifications   *prometheus.CounterVec
	dropped         prometheus.Counter
	handlerFailures *prometheus.CounterVec
	protocolErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// that reg already holds are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "trigger",
			Name:      "calls_total",
			Help:      "Correlated calls by final outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "trigger",
			Name:      "retries_total",
			Help:      "Calls re-sent after a correlation timeout",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "trigger",
			Name:      "pending_calls",
			Help:      "Calls waiting for their response",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Notifications received by event name",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "dropped_notifications_total",
			Help:      "Notifications dropped because the dispatch queue was full",
		}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "handler_failures_total",
			Help:      "Handler invocations that returned an error or panicked",
		}, []string{"event"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "trigger",
			Name:      "protocol_errors_total",
			Help:      "Inbound frames dropped as malformed",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.calls = register(reg, m.calls, &err)
	m.retries = register(reg, m.retries, &err)
	m.pending = register(reg, m.pending, &err)
	m.notifications = register(reg, m.notifications, &err)
	m.dropped = register(reg, m.dropped, &err)
	m.handlerFailures = register(reg, m.handlerFailures, &err)
	m.protocolErrors = register(reg, m.protocolErrors, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *Metrics) observeCall(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) addPending(delta float64) {
	if m == nil {
		return
	}
	m.pending.Add(delta)
}

func (m *Metrics) observeNotification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

func (m *Metrics) observeDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) observeHandlerFailure(event string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) observeProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}
