package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printcal_retrieval_duration_seconds",
			Help:    "Retrieval duration in seconds by level",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"level"},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printcal_retrieval_results_count",
			Help:    "Number of results returned per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"level"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printcal_search_duration_seconds",
			Help:    "Document search duration in seconds by mode",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"mode"},
	)

	ChatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printcal_chat_requests_total",
			Help: "Total chat requests processed",
		},
		[]string{"status"},
	)

	ChatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printcal_chat_duration_seconds",
			Help:    "End-to-end chat request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	EmbeddingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printcal_embedding_failures_total",
			Help: "Total failed embedding calls",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printcal_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printcal_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printcal_documents_processed_total",
			Help: "Total documents ingested",
		},
	)

	KGEntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "printcal_kg_entities_total",
			Help: "Total entities in knowledge graph",
		},
	)

	KGRelationshipsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "printcal_kg_relationships_total",
			Help: "Total relationships in knowledge graph",
		},
	)
)

func Init() {
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(ChatRequests)
	prometheus.MustRegister(ChatDuration)
	prometheus.MustRegister(EmbeddingFailures)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(KGEntitiesTotal)
	prometheus.MustRegister(KGRelationshipsTotal)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
