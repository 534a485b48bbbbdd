package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentlink_connection_state",
		Help: "Current control-channel state (0=disconnected .. 5=closed)",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentlink_reconnects_total",
		Help: "Automatic reconnect attempts",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentlink_heartbeats_sent_total",
		Help: "Ping frames sent while ready",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentlink_frames_received_total",
		Help: "Inbound control frames by action",
	}, []string{"action"})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentlink_calls_total",
		Help: "Calls tracked by direction",
	}, []string{"direction"})

	CallActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentlink_call_active",
		Help: "1 while a call record is non-terminal",
	})

	SamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentlink_network_samples_total",
		Help: "Network quality samples produced",
	})
)
