// Package metrics renders the proxy's Stats component (K) as Prometheus
// series: global connection/auth/query counters and per-backend
// NodeStats counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this proxy exposes. Adapted
// from the teacher's per-tenant pool Collector: independent registry per
// instance, GaugeVec/CounterVec fields, but retargeted from pooled
// Postgres/MySQL connection stats onto the metric taxonomy of SPEC_FULL §6.
type Collector struct {
	Registry *prometheus.Registry

	connectionsAccepted     prometheus.Counter
	connectionsRejected     prometheus.Counter
	clientBytesReceived     prometheus.Counter
	clientPacketsReceived   prometheus.Counter
	clientMalformedPackets  prometheus.Counter
	clientHandshakeResponse prometheus.Counter
	clientAuthOK            prometheus.Counter
	clientAuthErr           prometheus.Counter
	clientQueries           prometheus.Counter
	luaErrors               prometheus.Counter

	backendConnects        *prometheus.CounterVec
	backendConnectErrors   *prometheus.CounterVec
	backendBytesReceived   *prometheus.CounterVec
	backendPacketsReceived *prometheus.CounterVec
	backendMalformed       *prometheus.CounterVec
	backendQueries         *prometheus.CounterVec
	backendQueryErrors     *prometheus.CounterVec
	backendQueryWarnings   *prometheus.CounterVec
	backendNoGoodIndex     *prometheus.CounterVec
	backendNoIndex         *prometheus.CounterVec
	backendSlowQueries     *prometheus.CounterVec
	backendAffectedRows    *prometheus.CounterVec
	backendQueryWait       *prometheus.CounterVec

	serverState *prometheus.GaugeVec
}

// New creates and registers every metric on a fresh, independent
// registry — safe to call multiple times (e.g. in tests).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_connections_accepted_total",
			Help: "Client connections accepted.",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_connections_rejected_total",
			Help: "Client connections rejected.",
		}),
		clientBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_bytes_received_total",
			Help: "Bytes received from clients.",
		}),
		clientPacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_packets_received_total",
			Help: "Packets received from clients.",
		}),
		clientMalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_malformed_packets_total",
			Help: "Malformed packets received from clients.",
		}),
		clientHandshakeResponse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_handshake_responses_total",
			Help: "Client HandshakeResponse41 packets parsed.",
		}),
		clientAuthOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_auth_ok_total",
			Help: "Client logins that completed successfully.",
		}),
		clientAuthErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_auth_err_total",
			Help: "Client logins rejected.",
		}),
		clientQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_client_queries_total",
			Help: "COM_QUERY packets observed from clients.",
		}),
		luaErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "myproxy_lua_errors_total",
			Help: "Policy hook script errors.",
		}),

		backendConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_connects_total",
			Help: "Backend connection attempts that succeeded.",
		}, []string{"server"}),
		backendConnectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_connect_errors_total",
			Help: "Backend connection attempts that failed.",
		}, []string{"server"}),
		backendBytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_bytes_received_total",
			Help: "Bytes received from a backend.",
		}, []string{"server"}),
		backendPacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_packets_received_total",
			Help: "Packets received from a backend.",
		}, []string{"server"}),
		backendMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_malformed_packets_total",
			Help: "Malformed packets received from a backend.",
		}, []string{"server"}),
		backendQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_queries_total",
			Help: "Queries forwarded to a backend.",
		}, []string{"server"}),
		backendQueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_query_errors_total",
			Help: "Queries that returned ERR_Packet from a backend.",
		}, []string{"server"}),
		backendQueryWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_query_warnings_total",
			Help: "Queries that returned warnings from a backend.",
		}, []string{"server"}),
		backendNoGoodIndex: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_no_good_index_queries_total",
			Help: "Queries flagged no-good-index by a backend.",
		}, []string{"server"}),
		backendNoIndex: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_no_index_queries_total",
			Help: "Queries flagged no-index by a backend.",
		}, []string{"server"}),
		backendSlowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_slow_queries_total",
			Help: "Queries flagged slow by a backend.",
		}, []string{"server"}),
		backendAffectedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_affected_rows_total",
			Help: "Cumulative affected_rows reported by a backend.",
		}, []string{"server"}),
		backendQueryWait: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myproxy_backend_query_wait_seconds_total",
			Help: "Cumulative time spent waiting on backend query responses.",
		}, []string{"server"}),

		serverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "myproxy_server_state",
			Help: "Backend node state (1=reported state active).",
		}, []string{"server", "state"}),
	}

	reg.MustRegister(
		c.connectionsAccepted, c.connectionsRejected,
		c.clientBytesReceived, c.clientPacketsReceived, c.clientMalformedPackets,
		c.clientHandshakeResponse, c.clientAuthOK, c.clientAuthErr, c.clientQueries,
		c.luaErrors,
		c.backendConnects, c.backendConnectErrors, c.backendBytesReceived,
		c.backendPacketsReceived, c.backendMalformed, c.backendQueries,
		c.backendQueryErrors, c.backendQueryWarnings, c.backendNoGoodIndex,
		c.backendNoIndex, c.backendSlowQueries, c.backendAffectedRows,
		c.backendQueryWait, c.serverState,
	)

	return c
}

func (c *Collector) ConnectionAccepted()        { c.connectionsAccepted.Inc() }
func (c *Collector) ConnectionRejected()        { c.connectionsRejected.Inc() }
func (c *Collector) ClientBytesReceived(n int)  { c.clientBytesReceived.Add(float64(n)) }
func (c *Collector) ClientPacketReceived()      { c.clientPacketsReceived.Inc() }
func (c *Collector) ClientMalformedPacket()     { c.clientMalformedPackets.Inc() }
func (c *Collector) ClientHandshakeResponse()   { c.clientHandshakeResponse.Inc() }
func (c *Collector) ClientAuthOK()              { c.clientAuthOK.Inc() }
func (c *Collector) ClientAuthErr()             { c.clientAuthErr.Inc() }
func (c *Collector) ClientQuery()               { c.clientQueries.Inc() }
func (c *Collector) LuaError()                  { c.luaErrors.Inc() }

func (c *Collector) BackendConnect(server string)      { c.backendConnects.WithLabelValues(server).Inc() }
func (c *Collector) BackendConnectError(server string) { c.backendConnectErrors.WithLabelValues(server).Inc() }
func (c *Collector) BackendBytesReceived(server string, n int) {
	c.backendBytesReceived.WithLabelValues(server).Add(float64(n))
}
func (c *Collector) BackendPacketReceived(server string) {
	c.backendPacketsReceived.WithLabelValues(server).Inc()
}
func (c *Collector) BackendMalformedPacket(server string) {
	c.backendMalformed.WithLabelValues(server).Inc()
}
func (c *Collector) BackendQuery(server string) { c.backendQueries.WithLabelValues(server).Inc() }
func (c *Collector) BackendQueryError(server string) {
	c.backendQueryErrors.WithLabelValues(server).Inc()
}
func (c *Collector) BackendQueryWarning(server string) {
	c.backendQueryWarnings.WithLabelValues(server).Inc()
}
func (c *Collector) BackendNoGoodIndex(server string) {
	c.backendNoGoodIndex.WithLabelValues(server).Inc()
}
func (c *Collector) BackendNoIndex(server string) {
	c.backendNoIndex.WithLabelValues(server).Inc()
}
func (c *Collector) BackendSlowQuery(server string) {
	c.backendSlowQueries.WithLabelValues(server).Inc()
}
func (c *Collector) BackendAffectedRows(server string, n uint64) {
	c.backendAffectedRows.WithLabelValues(server).Add(float64(n))
}
func (c *Collector) BackendQueryWait(server string, seconds float64) {
	c.backendQueryWait.WithLabelValues(server).Add(seconds)
}

// SetServerState reports a backend node's current state label (e.g.
// "ok", "dead", "read_only"), clearing any previously reported
// state for that server first so only one state gauge is ever set to 1.
func (c *Collector) SetServerState(server, state string, oldState string) {
	if oldState != "" && oldState != state {
		c.serverState.WithLabelValues(server, oldState).Set(0)
	}
	c.serverState.WithLabelValues(server, state).Set(1)
}

// RemoveServer clears every per-backend series for a removed node.
func (c *Collector) RemoveServer(server string) {
	c.backendConnects.DeleteLabelValues(server)
	c.backendConnectErrors.DeleteLabelValues(server)
	c.backendBytesReceived.DeleteLabelValues(server)
	c.backendPacketsReceived.DeleteLabelValues(server)
	c.backendMalformed.DeleteLabelValues(server)
	c.backendQueries.DeleteLabelValues(server)
	c.backendQueryErrors.DeleteLabelValues(server)
	c.backendQueryWarnings.DeleteLabelValues(server)
	c.backendNoGoodIndex.DeleteLabelValues(server)
	c.backendNoIndex.DeleteLabelValues(server)
	c.backendSlowQueries.DeleteLabelValues(server)
	c.backendAffectedRows.DeleteLabelValues(server)
	c.backendQueryWait.DeleteLabelValues(server)
	c.serverState.DeletePartialMatch(prometheus.Labels{"server": server})
}
