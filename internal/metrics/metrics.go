// Package metrics exports proxy metrics to Prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pior/cacheproxy/internal/backend"
	"github.com/pior/cacheproxy/internal/wire"
)

const namespace = "cacheproxy"

// Backend latency buckets, in seconds.
var latencyBuckets = []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1}

// Info describes one exported metric.
type Info struct {
	Name string
	Type string
	Help string
}

// Metrics owns the registry and every proxy metric.
type Metrics struct {
	registry *prometheus.Registry
	catalog  []Info

	requests       *prometheus.CounterVec
	requestErrors  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	connectionsCurrent  *prometheus.GaugeVec

	backendCalls   *prometheus.CounterVec
	backendErrors  *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec

	snapshots *snapshotCollector
}

// New builds the metrics on a fresh registry with the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.requests = m.counterVec("requests_total", "Client requests received", "route", "command")
	m.requestErrors = m.counterVec("request_errors_total", "Requests answered with an error", "route", "class")
	m.requestLatency = m.histogramVec("request_duration_seconds", "Time from decode to response, per command", "route", "command")

	m.connectionsAccepted = m.counterVec("connections_accepted_total", "Client connections accepted", "route")
	m.connectionsClosed = m.counterVec("connections_closed_total", "Client connections closed", "route")
	m.connectionsCurrent = m.gaugeVec("connections_current", "Client connections open", "route")

	m.backendCalls = m.counterVec("backend_calls_total", "Backend calls", "route", "op", "endpoint")
	m.backendErrors = m.counterVec("backend_errors_total", "Failed backend calls", "route", "op", "kind")
	m.backendLatency = m.histogramVec("backend_call_duration_seconds", "Backend call latency", "route", "op")

	m.snapshots = newSnapshotCollector()
	m.registry.MustRegister(m.snapshots)
	m.catalog = append(m.catalog, m.snapshots.catalog()...)

	sort.Slice(m.catalog, func(i, j int) bool { return m.catalog[i].Name < m.catalog[j].Name })
	return m
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(v)
	m.catalog = append(m.catalog, Info{Name: namespace + "_" + name, Type: "counter", Help: help})
	return v
}

func (m *Metrics) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(v)
	m.catalog = append(m.catalog, Info{Name: namespace + "_" + name, Type: "gauge", Help: help})
	return v
}

func (m *Metrics) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: latencyBuckets}, labels)
	m.registry.MustRegister(v)
	m.catalog = append(m.catalog, Info{Name: namespace + "_" + name, Type: "histogram", Help: help})
	return v
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Catalog lists the proxy metrics, sorted by name. Go runtime and process
// metrics are not included.
func (m *Metrics) Catalog() []Info {
	return m.catalog
}

// AddSource exports the snapshots of src on every scrape.
func (m *Metrics) AddSource(src Source) {
	m.snapshots.add(src)
}

// Route returns the recorder for one route.
func (m *Metrics) Route(name string) *RouteMetrics {
	return &RouteMetrics{
		m:                   m,
		route:               name,
		errorsClient:        m.requestErrors.WithLabelValues(name, "client"),
		errorsServer:        m.requestErrors.WithLabelValues(name, "server"),
		connectionsAccepted: m.connectionsAccepted.WithLabelValues(name),
		connectionsClosed:   m.connectionsClosed.WithLabelValues(name),
		connectionsCurrent:  m.connectionsCurrent.WithLabelValues(name),
	}
}

// RouteMetrics records the events of one route. It implements
// backend.Observer.
type RouteMetrics struct {
	m     *Metrics
	route string

	errorsClient        prometheus.Counter
	errorsServer        prometheus.Counter
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsCurrent  prometheus.Gauge

	commands sync.Map // wire.Command -> *commandMetrics
}

type commandMetrics struct {
	requests prometheus.Counter
	latency  prometheus.Observer
}

var _ backend.Observer = (*RouteMetrics)(nil)

func (r *RouteMetrics) ConnectionOpened() {
	r.connectionsAccepted.Inc()
	r.connectionsCurrent.Inc()
}

func (r *RouteMetrics) ConnectionClosed() {
	r.connectionsClosed.Inc()
	r.connectionsCurrent.Dec()
}

// RequestDone records one answered request.
func (r *RouteMetrics) RequestDone(cmd wire.Command, resp *wire.Response, d time.Duration) {
	cm := r.command(cmd)
	cm.requests.Inc()
	cm.latency.Observe(d.Seconds())

	if resp != nil && resp.Kind == wire.KindError && resp.Err != nil {
		if resp.Err.IsClient() {
			r.errorsClient.Inc()
		} else {
			r.errorsServer.Inc()
		}
	}
}

func (r *RouteMetrics) command(cmd wire.Command) *commandMetrics {
	if v, ok := r.commands.Load(cmd); ok {
		return v.(*commandMetrics)
	}
	name := cmd.String()
	cm := &commandMetrics{
		requests: r.m.requests.WithLabelValues(r.route, name),
		latency:  r.m.requestLatency.WithLabelValues(r.route, name),
	}
	v, _ := r.commands.LoadOrStore(cmd, cm)
	return v.(*commandMetrics)
}

// ObserveCall records one backend call.
func (r *RouteMetrics) ObserveCall(op, endpoint string, d time.Duration, err error) {
	r.m.backendCalls.WithLabelValues(r.route, op, endpoint).Inc()
	r.m.backendLatency.WithLabelValues(r.route, op).Observe(d.Seconds())
	if err != nil {
		r.m.backendErrors.WithLabelValues(r.route, op, backend.KindOf(err).String()).Inc()
	}
}
