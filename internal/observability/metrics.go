package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gate outcomes.
const (
	GateGrant = "grant"
	GateAdmit = "admit"
	GateDeny  = "deny"
)

// Upgrade results and rejection reasons.
const (
	UpgradeForwarded = "forwarded"
	UpgradeRejected  = "rejected"

	ReasonNone     = ""
	ReasonPath     = "path"
	ReasonGrant    = "grant"
	ReasonCapacity = "capacity"
	ReasonHijack   = "hijack"
	ReasonState    = "state"
)

// Metrics groups every collector the gateway exports. Collectors are registered on the
// Registerer passed to NewMetrics so tests can use a private registry.
type Metrics struct {
	GateDecisions   *prometheus.CounterVec
	StaticResponses *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Upgrades        *prometheus.CounterVec
	ActiveTunnels   prometheus.Gauge
	TunnelBytes     *prometheus.CounterVec
	TunnelDialFails prometheus.Counter

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
	Goroutines        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalgate_gate_decisions_total",
			Help: "Access gate decisions, labeled by outcome (grant, admit, deny).",
		}, []string{"outcome"}),
		StaticResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalgate_static_responses_total",
			Help: "Static router responses, labeled by the mount prefix that served them (none for the not-found page).",
		}, []string{"mount"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portalgate_http_request_duration_seconds",
			Help:    "Latency of non-upgrade HTTP requests, labeled by method and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		Upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalgate_upgrades_total",
			Help: "Protocol upgrade attempts, labeled by result, rejection reason and upgrade kind.",
		}, []string{"result", "reason", "kind"}),
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portalgate_active_tunnels",
			Help: "Number of tunnels currently handed to the tunnel handler.",
		}),
		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalgate_tunnel_bytes_total",
			Help: "Bytes spliced between clients and the tunnel backend, labeled by direction (upstream, downstream).",
		}, []string{"direction"}),
		TunnelDialFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalgate_tunnel_dial_failures_total",
			Help: "Failed dials to the tunnel backend.",
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portalgate_process_cpu_percent",
			Help: "Process CPU usage sampled once per minute.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portalgate_process_rss_bytes",
			Help: "Process resident set size sampled once per minute.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portalgate_goroutines",
			Help: "Goroutine count sampled once per minute.",
		}),
	}

	reg.MustRegister(
		m.GateDecisions,
		m.StaticResponses,
		m.RequestDuration,
		m.Upgrades,
		m.ActiveTunnels,
		m.TunnelBytes,
		m.TunnelDialFails,
		m.ProcessCPUPercent,
		m.ProcessRSSBytes,
		m.Goroutines,
	)
	return m
}
