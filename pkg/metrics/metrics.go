// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "theyr"

var Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "mutations_total",
	Help:      "Mutations handled by the gateway, by kind and result.",
}, []string{"kind", "result"})

var Suppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "gateway",
	Name:      "suppressed_broadcasts_total",
	Help:      "Broadcasts suppressed by the duplicate filter.",
}, []string{"kind"})

var Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "fanout",
	Name:      "broadcasts_total",
	Help:      "Broadcasts delivered by the fanout worker, by policy.",
}, []string{"policy"})

var SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "fanout",
	Name:      "send_failures_total",
	Help:      "Messages that could not be written to a client.",
})

var ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "network",
	Name:      "connected_clients",
	Help:      "Currently connected WebSocket clients.",
})

var ColdStorage = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "storage",
	Name:      "operations_total",
	Help:      "Cold storage loads and saves, by result.",
}, []string{"op", "result"})

// Collectors returns every collector defined in this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Mutations,
		Suppressed,
		Broadcasts,
		SendFailures,
		ConnectedClients,
		ColdStorage,
	}
}

// Register registers the package collectors and any extra collectors with reg.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	for _, c := range append(Collectors(), extra...) {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
