package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestsTotal counts uploads by result.
	// Labels: result (stored, unindexed, processing_failed, no_text, error)
	IngestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsearch",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total number of document uploads by result",
		},
		[]string{"result"},
	)

	// EmbeddingUpsertFailures counts documents saved without a vector index entry.
	EmbeddingUpsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docsearch",
			Subsystem: "ingest",
			Name:      "embedding_upsert_failures_total",
			Help:      "Documents persisted whose embedding could not be stored",
		},
	)

	// DeletesTotal counts document deletions by result.
	DeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsearch",
			Subsystem: "ingest",
			Name:      "deletes_total",
			Help:      "Total number of document deletions by result",
		},
		[]string{"result"},
	)
)
