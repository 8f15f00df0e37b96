package rle

import "github.com/prometheus/client_golang/prometheus"

var bytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "rle",
	Name:      "uncompressed_bytes_total",
	Help:      "Bytes fed to the RLE compressor.",
}, []string{"kind"})

var bytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "rle",
	Name:      "compressed_bytes_total",
	Help:      "Bytes produced by the RLE compressor.",
}, []string{"kind"})

// Collectors lists the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{bytesIn, bytesOut}
}
