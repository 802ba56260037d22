package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_commands_enqueued_total",
			Help: "Total number of commands appended to device queues.",
		},
		[]string{"kind"},
	)

	CommandsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetline_commands_delivered_total",
			Help: "Total number of commands handed to devices (pending -> sent).",
		},
	)

	CommandsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_commands_resolved_total",
			Help: "Total number of device-reported command outcomes.",
		},
		[]string{"outcome"},
	)

	DeploymentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_deployments_finished_total",
			Help: "Total number of deployments by final status.",
		},
		[]string{"status"},
	)

	DeploymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetline_deployment_duration_seconds",
			Help:    "Wall time from dispatch to final aggregate.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetline_devices_online",
			Help: "Devices currently considered online.",
		},
	)
)
