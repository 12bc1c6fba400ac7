package content

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var postsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "content_posts_created_total",
	Help: "Number of posts committed.",
})

var postsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "content_posts_deleted_total",
	Help: "Number of posts removed.",
})
