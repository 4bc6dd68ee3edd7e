package monitoring

import (
	"watchsync/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	roomsResident prometheus.Gauge

	roomClients *prometheus.GaugeVec

	requestDuration *prometheus.HistogramVec

	broadcastFailures *prometheus.CounterVec
	forwardsTotal     *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsResident: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "watchsync_rooms_resident",
			Help: "Number of rooms resident on this node",
		}),

		roomClients: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchsync_room_clients",
			Help: "Number of clients connected per room",
		}, []string{"room"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchsync_room_request_duration_seconds",
			Help:    "Room request processing time by kind and outcome",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind", "outcome"}),

		broadcastFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "watchsync_broadcast_failures_total",
			Help: "Server messages that could not be delivered to a client",
		}, []string{"room"}),

		forwardsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "watchsync_forwards_total",
			Help: "Requests forwarded to other nodes by outcome",
		}, []string{"outcome"}),
	}
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) ObserveRoomRequest(kind, outcome string, seconds float64) {
	p.requestDuration.WithLabelValues(kind, outcome).Observe(seconds)
}

func (p *PrometheusCollector) RecordBroadcastFailure(room string) {
	p.broadcastFailures.WithLabelValues(room).Inc()
}

func (p *PrometheusCollector) SetRoomClients(room string, n int) {
	if n == 0 {
		p.roomClients.DeleteLabelValues(room)
		return
	}
	p.roomClients.WithLabelValues(room).Set(float64(n))
}

func (p *PrometheusCollector) SetRoomsResident(n int) {
	p.roomsResident.Set(float64(n))
}

func (p *PrometheusCollector) RecordForward(outcome string) {
	p.forwardsTotal.WithLabelValues(outcome).Inc()
}
