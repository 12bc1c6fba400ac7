package mail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mail_sent_total",
	Help: "Number of mails handed to the smtp relay.",
})
