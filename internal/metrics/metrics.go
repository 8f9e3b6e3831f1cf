// Package metrics exposes the Prometheus collectors shared by the
// voice connection core. Components accept a *Registry so tests and
// multiple Supervisors in one process don't fight over the default
// global registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters/gauges every component contributes to.
type Registry struct {
	PacketsSent    prometheus.Counter
	PacketsDropped *prometheus.CounterVec
	CryptoFailures prometheus.Counter
	ReconnectAttempts prometheus.Counter
	MissedFrames   prometheus.Counter
	KeepAliveRTT   prometheus.Gauge
}

// NewRegistry builds a fresh Registry and registers its collectors
// against reg. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the process-wide default registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicelink",
			Name:      "rtp_packets_sent_total",
			Help:      "RTP audio packets successfully transmitted.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicelink",
			Name:      "rtp_packets_dropped_total",
			Help:      "RTP audio packets dropped before or during transmission, by reason.",
		}, []string{"reason"}),
		CryptoFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicelink",
			Name:      "crypto_failures_total",
			Help:      "AEAD encrypt/decrypt failures.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicelink",
			Name:      "reconnect_attempts_total",
			Help:      "Supervisor reconnect attempts.",
		}),
		MissedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicelink",
			Name:      "scheduler_missed_frames_total",
			Help:      "Audio scheduler ticks where the frame source yielded nothing.",
		}),
		KeepAliveRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicelink",
			Name:      "udp_keepalive_rtt_seconds",
			Help:      "Most recent UDP keep-alive round-trip time.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.PacketsSent,
			r.PacketsDropped,
			r.CryptoFailures,
			r.ReconnectAttempts,
			r.MissedFrames,
			r.KeepAliveRTT,
		)
	}

	return r
}
