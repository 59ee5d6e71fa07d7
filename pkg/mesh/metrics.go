package mesh

import (
	"overlay-go/pkg/p2p"
	"overlay-go/pkg/router"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "overlay"

type metrics struct {
	registry *prometheus.Registry

	peers            *prometheus.GaugeVec
	activePeers      prometheus.Gauge
	securePeers      prometheus.Gauge
	packets          prometheus.Counter
	routes           *prometheus.CounterVec
	routeErrors      prometheus.Counter
	probes           prometheus.Counter
	reestablishments prometheus.Counter
	evictions        prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Known peers by path status.",
		}, []string{"status"}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_active",
			Help: "Peers that sent a packet within the teardown timeout.",
		}),
		securePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_secure",
			Help: "Peers with a completed security handshake.",
		}),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Packets attributed to a peer.",
		}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_decisions_total",
			Help: "Route decisions by chosen path.",
		}, []string{"path"}),
		routeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_errors_total",
			Help: "Route requests that could not be served.",
		}),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probes_sent_total",
			Help: "Keepalive probes handed to the prober.",
		}),
		reestablishments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reestablishments_total",
			Help: "Direct paths declared lost and handed to path discovery.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "evictions_total",
			Help: "Peers removed after prolonged silence.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.peers, m.activePeers, m.securePeers, m.packets, m.routes,
		m.routeErrors, m.probes, m.reestablishments, m.evictions,
	)
	return m
}

func (m *metrics) observeRoute(d router.Decision, err error) {
	if err != nil {
		m.routeErrors.Inc()
		return
	}
	m.routes.WithLabelValues(d.Path.String()).Inc()
}

// refresh recomputes the peer gauges from the registry.
func (m *metrics) refresh(c p2p.Counts) {
	for _, st := range []p2p.Status{p2p.StatusNoPath, p2p.StatusTunnelled, p2p.StatusReestablishing, p2p.StatusDirect} {
		m.peers.WithLabelValues(st.String()).Set(float64(c.ByStatus[st]))
	}
	m.activePeers.Set(float64(c.Active))
	m.securePeers.Set(float64(c.Secure))
}
