package monitoring

import (
	"meshroom/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records presence and signaling metrics. It observes
// the presence manager and the signaling server.
type PrometheusCollector struct {
	// Presence
	roomsActive    prometheus.Gauge
	participants   prometheus.Gauge
	presenceEvents *prometheus.CounterVec
	roomSize       prometheus.Histogram

	// Signaling
	connectionsOpen  prometheus.Gauge
	connectionsTotal prometheus.Counter
	messagesReceived *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
}

// NewPrometheusCollector registers the collector's metrics on reg; nil
// means the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_rooms_active",
			Help: "Number of rooms with at least one participant",
		}),

		participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_participants",
			Help: "Number of participants across all rooms",
		}),

		presenceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_presence_events_total",
			Help: "Presence broadcast steps by event type",
		}, []string{"type"}),

		roomSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshroom_room_size_on_join",
			Help:    "Room size right after a participant joined",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),

		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshroom_signal_connections_open",
			Help: "Open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshroom_signal_connections_total",
			Help: "Signaling connections accepted",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_messages_total",
			Help: "Client messages received by type",
		}, []string{"type"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshroom_signal_messages_rejected_total",
			Help: "Client messages answered with an error envelope",
		}, []string{"type", "code"}),
	}
}

func (p *PrometheusCollector) OnPresenceEvent(evt domain.PresenceEvent, room domain.RoomSummary) {
	p.presenceEvents.WithLabelValues(string(evt.Type)).Inc()

	switch evt.Type {
	case domain.EventParticipantJoined:
		p.participants.Inc()
		p.roomSize.Observe(float64(room.ParticipantCount))
		if room.ParticipantCount == 1 {
			p.roomsActive.Inc()
		}
	case domain.EventParticipantLeft:
		p.participants.Dec()
		if room.ParticipantCount == 0 {
			p.roomsActive.Dec()
		}
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsOpen.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsOpen.Dec()
}

func (p *PrometheusCollector) MessageReceived(messageType string) {
	p.messagesReceived.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) MessageRejected(messageType, code string) {
	p.messagesRejected.WithLabelValues(messageType, code).Inc()
}
