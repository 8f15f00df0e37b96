package dispatch

import "github.com/prometheus/client_golang/prometheus"

var dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "dispatch",
	Name:      "packets_total",
	Help:      "Packets executed, by command kind and reply status.",
}, []string{"kind", "status"})

var queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fabric",
	Subsystem: "dispatch",
	Name:      "queue_depth",
	Help:      "Packets waiting in the queue of an execution context.",
}, []string{"context"})

var replyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fabric",
	Subsystem: "dispatch",
	Name:      "reply_seconds",
	Help:      "Time from sending a request to routing its reply.",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
}, []string{"op"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{dispatched, queueDepth, replyLatency}
}
