package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceivedTotal counts frames decoded and queued by listeners.
	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "listener",
		Name:      "messages_received_total",
		Help:      "Messages decoded and queued by WebSocket listeners",
	})

	// FramesDroppedTotal counts frames that were not queued.
	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "listener",
		Name:      "frames_dropped_total",
		Help:      "Frames discarded by WebSocket listeners (reason=empty/invalid_json)",
	}, []string{"reason"})

	// ConnectAttemptsTotal counts dial attempts made in URL mode.
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "listener",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts made by URL-mode listeners (status=ok/failed)",
	}, []string{"status"})

	// ActiveListeners tracks listeners whose receive loop is running.
	ActiveListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "avrharness",
		Subsystem: "listener",
		Name:      "active",
		Help:      "Listeners with a running receive loop",
	})
)
