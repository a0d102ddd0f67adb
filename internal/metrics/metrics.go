package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})
	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_rooms",
		Help: "Conversation rooms with at least one joined connection",
	})
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_event_deliveries_total",
		Help: "Events enqueued to connections, by event type and outcome",
	}, []string{"type", "outcome"})
	AppointmentEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appointment_events_consumed_total",
		Help: "Appointment events read from Kafka, by outcome",
	}, []string{"outcome"})
)

// Init registers the collectors with the default registry. Collectors work
// unregistered too, which is what tests rely on.
func Init() {
	prometheus.MustRegister(Connections, Rooms, Deliveries, AppointmentEvents)
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
