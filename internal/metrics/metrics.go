// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts control requests sent to workers.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framectl",
		Name:      "worker_requests_total",
		Help:      "Control requests sent to workers, by endpoint and command.",
	}, []string{"endpoint", "msg_val"})

	// RequestTimeouts counts requests that saw no matching response in time.
	RequestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framectl",
		Name:      "worker_request_timeouts_total",
		Help:      "Worker requests that timed out without a matching response.",
	}, []string{"endpoint"})

	// StaleResponses counts responses discarded for carrying a stale id.
	StaleResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framectl",
		Name:      "worker_stale_responses_total",
		Help:      "Responses discarded because their id did not match the request in flight.",
	}, []string{"endpoint"})

	// AcquisitionsTotal counts triggered acquisitions by outcome.
	AcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framectl",
		Name:      "acquisitions_total",
		Help:      "Acquisitions triggered through the dispatcher, by outcome.",
	}, []string{"subsystem", "outcome"})

	// FramesWritten reports the aggregated frames-written counter.
	FramesWritten = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "framectl",
		Name:      "frames_written",
		Help:      "Frames written across a subsystem's workers, from the last status poll.",
	}, []string{"subsystem"})
)
