package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var docsIndexed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "search_docs_indexed_total",
	Help: "Number of documents written to the index.",
})

var docsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "search_docs_deleted_total",
	Help: "Number of documents removed from the index.",
})

var queries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "search_queries_total",
	Help: "Number of search queries served.",
})
