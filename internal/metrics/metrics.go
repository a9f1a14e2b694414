// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks currently open websocket sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatarhub_ws_sessions_active",
		Help: "Currently open websocket sessions.",
	})

	// SessionsTotal counts websocket sessions ever opened.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_ws_sessions_total",
		Help: "Total websocket sessions opened.",
	})

	// PingsPublished counts pings fanned out to topics.
	PingsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_pings_published_total",
		Help: "Client pings published to broadcast topics.",
	})

	// PingsRateLimited counts pings dropped by the per-session limiter.
	PingsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_pings_rate_limited_total",
		Help: "Client pings dropped by the per-session rate limiter.",
	})

	// FramesDropped counts outbound frames dropped on full queues.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_frames_dropped_total",
		Help: "Outbound frames dropped because a session queue was full.",
	})

	// EventsSent counts avatar-changed events emitted.
	EventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_events_sent_total",
		Help: "Avatar-changed events emitted.",
	})

	// AuthSuccess counts completed stage-2 verifications.
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_auth_success_total",
		Help: "Successful authentication handshakes.",
	})

	// AuthFailure counts rejected stage-2 verifications.
	AuthFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatarhub_auth_failure_total",
		Help: "Failed authentication handshakes.",
	})
)
