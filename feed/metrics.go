package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fanoutPosts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_fanout_posts_total",
	Help: "Number of posts fanned out to follower timelines.",
})

var deliveries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_deliveries_total",
	Help: "Number of timeline entries written by fan-out.",
})

var overlayAdds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_overlay_admissions_total",
	Help: "Number of posts admitted into the hot overlay.",
})

var overlayMerges = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feed_overlay_merges_total",
	Help: "Number of overlay merges triggered by reads with a lapsed freshness marker.",
})
