// Package metrics registers the process-wide Prometheus collectors. The
// gateway exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PresenceMerges counts reconciler merge decisions by outcome:
	// "applied" advanced the partner view, "stale" was dropped as older
	// than or equal to the accepted timestamp.
	PresenceMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duoroom",
		Subsystem: "presence",
		Name:      "merges_total",
		Help:      "Presence merge decisions by outcome.",
	}, []string{"outcome"})

	// CallTransitions counts durable call-signal status transitions.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duoroom",
		Subsystem: "call",
		Name:      "transitions_total",
		Help:      "Call signal status transitions by target status.",
	}, []string{"status"})

	// MessagesSent counts locally sent chat messages by media type
	// ("text" for plain messages).
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duoroom",
		Subsystem: "chat",
		Name:      "messages_sent_total",
		Help:      "Chat messages sent by this party.",
	})

	// BroadcastDropped counts broadcast events rejected at the
	// subscription boundary.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duoroom",
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Broadcast events dropped as malformed.",
	})
)
