package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "avrharness",
		Subsystem: "stub",
		Name:      "connected_clients",
		Help:      "WebSocket clients connected to the simulator stub",
	})

	RequestsHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "stub",
		Name:      "requests_handled_total",
		Help:      "Requests handled by the simulator stub, by message type",
	}, []string{"type"})

	InvalidFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "stub",
		Name:      "invalid_frames_total",
		Help:      "Frames dropped by the simulator stub because they were not JSON objects",
	})

	PinStatesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "stub",
		Name:      "pin_states_published_total",
		Help:      "pinState notifications delivered to watchers",
	})
)
