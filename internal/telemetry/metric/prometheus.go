package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatmesh"

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec // result: accepted, banned, throttled

	// Command metrics
	CommandsTotal   *prometheus.CounterVec   // cmd, outcome
	CommandDuration *prometheus.HistogramVec // cmd

	// Chat metrics
	MessagesTotal  *prometheus.CounterVec // target: room, direct
	PushesDropped  prometheus.Counter
	BansTotal      prometheus.Counter
	TransfersTotal *prometheus.CounterVec // status: complete, failed
	TransferBytes  prometheus.Counter
}

// NewRegistry creates a registry with every ChatMesh collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open client connections",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted and refused client connections",
		}, []string{"result"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by command and outcome",
		}, []string{"cmd", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling latency",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"cmd"}),

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages routed, by target",
		}, []string{"target"}),
		PushesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_dropped_total",
			Help:      "Pushes dropped because a connection queue was full",
		}),
		BansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Temporary IP bans issued",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished file transfers, by final status",
		}, []string{"status"}),
		TransferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes of successfully completed uploads",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ConnectionsActive,
		r.ConnectionsTotal,
		r.CommandsTotal,
		r.CommandDuration,
		r.MessagesTotal,
		r.PushesDropped,
		r.BansTotal,
		r.TransfersTotal,
		r.TransferBytes,
	)
	return r
}

// Registerer exposes the underlying registry for component-owned collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer exposes the underlying registry for tests and exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler returns the /metrics handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ConnectionOpened records an accepted connection.
func (r *Registry) ConnectionOpened() {
	r.ConnectionsTotal.WithLabelValues("accepted").Inc()
	r.ConnectionsActive.Inc()
}

// ConnectionClosed records the end of an accepted connection.
func (r *Registry) ConnectionClosed() {
	r.ConnectionsActive.Dec()
}

// ConnectionRefused records a connection refused at accept time.
func (r *Registry) ConnectionRefused(reason string) {
	r.ConnectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveCommand records one handled command. outcome is "ok" or the error
// kind.
func (r *Registry) ObserveCommand(cmd, outcome string, seconds float64) {
	r.CommandsTotal.WithLabelValues(cmd, outcome).Inc()
	r.CommandDuration.WithLabelValues(cmd).Observe(seconds)
}

// RecordMessage records a routed message.
func (r *Registry) RecordMessage(direct bool) {
	target := "room"
	if direct {
		target = "direct"
	}
	r.MessagesTotal.WithLabelValues(target).Inc()
}

// RecordTransfer records a finished transfer.
func (r *Registry) RecordTransfer(status string, bytes int64) {
	r.TransfersTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		r.TransferBytes.Add(float64(bytes))
	}
}

// IncBans records an issued ban.
func (r *Registry) IncBans() {
	r.BansTotal.Inc()
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry()
	})
	return global
}

// Handler returns the /metrics handler of the global registry.
func Handler() http.Handler {
	return Global().Handler()
}
