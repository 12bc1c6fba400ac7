package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var follows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "graph_follows_total",
	Help: "Number of follow edges created.",
})

var unfollows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "graph_unfollows_total",
	Help: "Number of follow edges removed.",
})
