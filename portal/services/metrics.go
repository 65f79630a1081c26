package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exportMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dossier_exports_total", Help: "Dossier exports by format",
	}, []string{"format"})

	generationMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dossier_generations_total", Help: "AI generation requests",
	})

	generationFailedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dossier_generations_failed_total", Help: "Failed AI generation requests",
	})
)
