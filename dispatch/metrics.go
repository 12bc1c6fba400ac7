package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_jobs_enqueued_total",
	Help: "Number of jobs enqueued, by job name",
}, []string{"job"})

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_jobs_processed_total",
	Help: "Number of job executions, by job name and outcome",
}, []string{"job", "status"})
