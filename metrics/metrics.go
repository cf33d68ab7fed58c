// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomyedwab/etes/internal/apperr"
	"github.com/tomyedwab/etes/processes"
)

const namespace = "etes"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	uploads       *prometheus.CounterVec
	commands      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	proxyRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Executable uploads by outcome",
			},
			[]string{"result"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Control panel commands by type and outcome",
			},
			[]string{"type", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors reported to operators by kind",
			},
			[]string{"kind"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_refreshes_total",
				Help:      "Upstream state refreshes by outcome",
			},
			[]string{"result"},
		),
		proxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Subdomain router requests by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.uploads,
		m.commands,
		m.errors,
		m.refreshes,
		m.proxyRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Sources are read on every scrape.
type Sources struct {
	Services   func() []processes.Service
	PortsInUse func() int
	Clients    func() int
}

// RegisterSources adds gauges backed by live component state.
func (m *Metrics) RegisterSources(src Sources) {
	if m == nil {
		return
	}
	if src.Services != nil {
		for _, state := range []processes.State{processes.StatePending, processes.StateRunning, processes.StateError} {
			state := state
			m.registry.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace:   namespace,
					Name:        "services",
					Help:        "Services by state",
					ConstLabels: prometheus.Labels{"state": string(state)},
				},
				func() float64 { return float64(countState(src.Services(), state)) },
			))
		}
	}
	if src.PortsInUse != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ports_in_use",
				Help:      "Ports held by services",
			},
			func() float64 { return float64(src.PortsInUse()) },
		))
	}
	if src.Clients != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Connected control panels",
			},
			func() float64 { return float64(src.Clients()) },
		))
	}
}

func countState(services []processes.Service, state processes.State) int {
	n := 0
	for _, svc := range services {
		if svc.State == state {
			n++
		}
	}
	return n
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.Kind(err)
}

// UploadCompleted counts an upload; err is nil on success.
func (m *Metrics) UploadCompleted(err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result(err)).Inc()
	if err != nil {
		m.ObserveError(err)
	}
}

// CommandCompleted counts a control panel command.
func (m *Metrics) CommandCompleted(commandType string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, result(err)).Inc()
	if err != nil {
		m.ObserveError(err)
	}
}

func (m *Metrics) RefreshCompleted(err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(err)).Inc()
}

// ProxyRequest counts a router request with outcome proxied, redirected,
// started, not_found or error.
func (m *Metrics) ProxyRequest(outcome string) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errors.WithLabelValues(apperr.Kind(err)).Inc()
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
