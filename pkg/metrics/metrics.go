package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditstream_active_connections",
		Help: "Current number of admitted subscriber connections",
	})
	AdmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditstream_admissions_rejected_total",
		Help: "Total number of handshakes rejected before admission",
	}, []string{"reason"})
	BroadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditstream_broadcasts_total",
		Help: "Total number of fan-out broadcast cycles performed",
	})
	BroadcastsCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditstream_broadcasts_coalesced_total",
		Help: "Total number of change notifications dropped by the debounce window",
	})
	SnapshotLoadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditstream_snapshot_load_failures_total",
		Help: "Total number of broadcast cycles aborted because the snapshot could not be loaded or validated",
	})
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditstream_send_failures_total",
		Help: "Total number of per-connection send errors during fan-out",
	})
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditstream_heartbeat_evictions_total",
		Help: "Total number of connections evicted for missing a liveness probe",
	})
	MessagesOversized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditstream_messages_oversized_total",
		Help: "Total number of inbound messages rejected for exceeding the byte cap",
	})
	ChangeNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditstream_change_notifications_total",
		Help: "Total number of snapshot change notifications received, by source",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(AdmissionsRejected)
	prometheus.MustRegister(BroadcastsSent)
	prometheus.MustRegister(BroadcastsCoalesced)
	prometheus.MustRegister(SnapshotLoadFailures)
	prometheus.MustRegister(SendFailures)
	prometheus.MustRegister(HeartbeatEvictions)
	prometheus.MustRegister(MessagesOversized)
	prometheus.MustRegister(ChangeNotifications)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
