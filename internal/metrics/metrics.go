// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus instruments of the daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all uplink Prometheus metrics.
type Metrics struct {
	Activations        *prometheus.CounterVec
	Switches           prometheus.Counter
	ActiveConnection   *prometheus.GaugeVec
	FacilityEvents     *prometheus.CounterVec
	FacilityViolations *prometheus.CounterVec
	RouteApplyErrors   *prometheus.CounterVec
	RoutesApplied      prometheus.Gauge
	ResolverRestarts   *prometheus.CounterVec
	GatewayInterfaces  prometheus.Gauge
}

// New creates the metric set without registering it.
func New() *Metrics {
	return &Metrics{
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_activations_total",
			Help: "Connection activations by outcome",
		}, []string{"connection", "result"}),

		Switches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uplink_arbitration_switches_total",
			Help: "Times a newly available connection preempted the current one",
		}),

		ActiveConnection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uplink_connection_active",
			Help: "Whether a connection currently holds the fact group (1 for active)",
		}, []string{"connection"}),

		FacilityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_facility_events_total",
			Help: "Fact events received from traffic facilities",
		}, []string{"facility", "operation"}),

		FacilityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_facility_violations_total",
			Help: "Facility sessions terminated by a protocol violation",
		}, []string{"facility"}),

		RouteApplyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_route_apply_errors_total",
			Help: "Kernel route apply errors by class",
		}, []string{"class"}),

		RoutesApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uplink_routes_applied",
			Help: "Routes currently installed by the daemon",
		}),

		ResolverRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_resolver_restarts_total",
			Help: "Caching resolver restarts by outcome",
		}, []string{"result"}),

		GatewayInterfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uplink_gateway_interfaces",
			Help: "Interfaces with gateway firewall rules installed",
		}),
	}
}

// Register registers every metric with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Activations, m.Switches, m.ActiveConnection, m.FacilityEvents,
		m.FacilityViolations, m.RouteApplyErrors, m.RoutesApplied,
		m.ResolverRestarts, m.GatewayInterfaces,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler exposing reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Activation(conn, result string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(conn, result).Inc()
}

func (m *Metrics) Switch() {
	if m == nil {
		return
	}
	m.Switches.Inc()
}

func (m *Metrics) SetActive(conn string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.ActiveConnection.WithLabelValues(conn).Set(v)
}

func (m *Metrics) FacilityEvent(facility, op string) {
	if m == nil {
		return
	}
	m.FacilityEvents.WithLabelValues(facility, op).Inc()
}

func (m *Metrics) FacilityViolation(facility string) {
	if m == nil {
		return
	}
	m.FacilityViolations.WithLabelValues(facility).Inc()
}

func (m *Metrics) RouteError(class string) {
	if m == nil {
		return
	}
	m.RouteApplyErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) SetRoutes(n int) {
	if m == nil {
		return
	}
	m.RoutesApplied.Set(float64(n))
}

func (m *Metrics) ResolverRestart(result string) {
	if m == nil {
		return
	}
	m.ResolverRestarts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetGatewayInterfaces(n int) {
	if m == nil {
		return
	}
	m.GatewayInterfaces.Set(float64(n))
}
