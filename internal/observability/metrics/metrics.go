// Package metrics exports scheduler and remote-call telemetry to Prometheus.
//
// Collectors are fed from the event bus, so the schedulers and policies never
// import Prometheus themselves.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"followback/internal/eventbus"
)

const namespace = "followback"

// Metrics holds the registered collectors.
type Metrics struct {
	bus eventbus.Bus

	attempts      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	cycleDuration *prometheus.HistogramVec
	remoteErrors  *prometheus.CounterVec
	idsPersisted  *prometheus.CounterVec
	follows       *prometheus.CounterVec
	storeErrors   prometheus.Counter
}

// New registers the collectors with reg. bus may be nil, in which case Run
// has nothing to consume and only Observe feeds the collectors.
func New(reg prometheus.Registerer, bus eventbus.Bus) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		bus: bus,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_attempts_total",
			Help:      "Task attempts per scheduler.",
		}, []string{"scheduler"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Task outcomes per scheduler (requeued, dropped, panic).",
		}, []string{"scheduler", "outcome"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Tasks left in the scheduler heap after the last step.",
		}, []string{"scheduler"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time from the start of a cycle until its heap drained.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"scheduler"}),
		remoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "Classified directory API failures.",
		}, []string{"op", "class"}),
		idsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_persisted_total",
			Help:      "Relationship ids written to the store.",
		}, []string{"kind"}),
		follows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "follows_total",
			Help:      "Follow attempts by result.",
		}, []string{"result"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed relationship writes.",
		}),
	}

	collectors := []prometheus.Collector{
		m.attempts, m.outcomes, m.pending, m.cycleDuration,
		m.remoteErrors, m.idsPersisted, m.follows, m.storeErrors,
	}
	if bus != nil {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }))
	}
	for _, c := range collectors {
		if err := register(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return fmt.Errorf("register metric: %w", err)
	}
	return nil
}

// Observe updates the collectors for one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.TypeAttempt:
		if d, ok := e.Data.(eventbus.TaskEvent); ok {
			m.attempts.WithLabelValues(d.Scheduler).Inc()
			m.pending.WithLabelValues(d.Scheduler).Set(float64(d.Pending))
		}
	case eventbus.TypeRequeued:
		m.outcome(e, "requeued")
	case eventbus.TypeDropped:
		m.outcome(e, "dropped")
	case eventbus.TypePanic:
		m.outcome(e, "panic")
	case eventbus.TypeCycleDone:
		if d, ok := e.Data.(eventbus.CycleEvent); ok {
			m.cycleDuration.WithLabelValues(d.Scheduler).Observe(d.Duration.Seconds())
		}
	case eventbus.TypeRemoteError:
		if d, ok := e.Data.(eventbus.RemoteErrorEvent); ok {
			m.remoteErrors.WithLabelValues(d.Op, d.Class).Inc()
		}
	case eventbus.TypeIDsPersisted:
		if d, ok := e.Data.(eventbus.IDsEvent); ok {
			m.idsPersisted.WithLabelValues(d.Kind).Add(float64(d.Count))
		}
	case eventbus.TypeFollow:
		if d, ok := e.Data.(eventbus.FollowEvent); ok {
			m.follows.WithLabelValues(d.Result).Inc()
		}
	case eventbus.TypeStoreError:
		m.storeErrors.Inc()
	}
}

func (m *Metrics) outcome(e eventbus.Event, outcome string) {
	d, ok := e.Data.(eventbus.TaskEvent)
	if !ok {
		return
	}
	m.outcomes.WithLabelValues(d.Scheduler, outcome).Inc()
	if outcome != "panic" {
		m.pending.WithLabelValues(d.Scheduler).Set(float64(d.Pending))
	}
}

// Run consumes bus events until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := m.bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// InstrumentTransport wraps next with request counters and latency
// histograms labelled by status code and method.
func InstrumentTransport(reg prometheus.Registerer, next http.RoundTripper) (http.RoundTripper, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if next == nil {
		next = http.DefaultTransport
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "HTTP requests sent to the directory API.",
	}, []string{"code", "method"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Directory API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method"})
	for _, c := range []prometheus.Collector{requests, latency} {
		if err := reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch c {
				case requests:
					requests = are.ExistingCollector.(*prometheus.CounterVec)
				case latency:
					latency = are.ExistingCollector.(*prometheus.HistogramVec)
				}
				continue
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return promhttp.InstrumentRoundTripperCounter(requests,
		promhttp.InstrumentRoundTripperDuration(latency, next)), nil
}
