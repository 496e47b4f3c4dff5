package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Search outcomes.
const (
	outcomeOK               = "ok"
	outcomeEmpty            = "empty"
	outcomeEmptyQuery       = "empty_query"
	outcomeUpstream         = "upstream_unavailable"
	outcomeInvalidEmbedding = "invalid_embedding_response"
	outcomeIndex            = "index_unavailable"
	outcomeStore            = "store_unavailable"
	outcomeError            = "error"
)

// Filter reasons.
const (
	reasonBelowFloor        = "below_floor"
	reasonMissingDocumentID = "missing_document_id"
	reasonDuplicate         = "duplicate"
	reasonMissingRecord     = "missing_record"
)

var (
	// SearchesTotal counts semantic searches by outcome.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsearch",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Total number of semantic searches",
		},
		[]string{"outcome"},
	)

	// SearchDuration tracks end-to-end search latency.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docsearch",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of semantic searches in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// FilteredHitsTotal counts index hits dropped before projection.
	// Labels: reason (below_floor, missing_document_id, duplicate, missing_record)
	FilteredHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docsearch",
			Subsystem: "retrieval",
			Name:      "filtered_hits_total",
			Help:      "Index hits dropped by the retrieval filter",
		},
		[]string{"reason"},
	)
)
