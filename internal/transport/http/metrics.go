package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "download_tokens_issued_total",
		Help:      "Signed download tokens issued.",
	})

	downloadVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "download_verifications_total",
		Help:      "Download token verifications by result.",
	}, []string{"result"})
)
