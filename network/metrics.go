package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"oscmesh/models"
)

// Metrics holds the node's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Received  *prometheus.CounterVec
	Forwarded *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Peers     *prometheus.GaugeVec
}

// NewMetrics registers the node collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams decoded, by sender class",
		}, []string{"class"}),
		Forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages handed to peers, by recipient class",
		}, []string{"class"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound or outbound messages dropped, by reason",
		}, []string{"reason"}),
		Peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Known peers, by class",
		}, []string{"class"}),
	}
}

func (m *Metrics) received(class models.Class) {
	if m != nil {
		m.Received.WithLabelValues(class.String()).Inc()
	}
}

func (m *Metrics) forwarded(class models.Class) {
	if m != nil {
		m.Forwarded.WithLabelValues(class.String()).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) setPeers(counts map[models.Class]int) {
	if m == nil {
		return
	}
	for _, class := range []models.Class{models.ClassLocalNode, models.ClassLocalClient, models.ClassRemoteNode} {
		m.Peers.WithLabelValues(class.String()).Set(float64(counts[class]))
	}
}
