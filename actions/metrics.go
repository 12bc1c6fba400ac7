package actions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var created = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "actions_created_total",
	Help: "Number of action rows created, by kind",
}, []string{"kind"})

var deleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "actions_deleted_total",
	Help: "Number of action rows deleted, by kind",
}, []string{"kind"})
