package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avrharness",
		Subsystem: "steps",
		Name:      "requests_sent_total",
		Help:      "Requests written to the simulator, by message type",
	}, []string{"type"})

	WaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "avrharness",
		Subsystem: "steps",
		Name:      "wait_duration_seconds",
		Help:      "Time spent waiting for simulator messages (wait=reply/pin_state/message/toggles, result=ok/timeout/canceled)",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"wait", "result"})
)
