package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters, labeled by outcome so denials by reason are visible
// on a dashboard without log digging.
var (
	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "activations_total",
		Help:      "License activation attempts by result.",
	}, []string{"result"})

	heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "heartbeats_total",
		Help:      "License validation heartbeats by result.",
	}, []string{"result"})

	deactivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "deactivations_total",
		Help:      "License deactivations by result.",
	}, []string{"result"})
)

const (
	resultSuccess = "success"
)
