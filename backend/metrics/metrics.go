package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registrationStates = []string{"Unregistered", "Registering", "Registered", "RenewalDue", "ExpiringSoon", "Failed"}

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry                *prometheus.Registry
	registrationState       *prometheus.GaugeVec
	registrationTransitions prometheus.Counter
	sessionTransitions      *prometheus.CounterVec
	activeSessions          prometheus.Gauge
	queries                 *prometheus.CounterVec
	catalogChannels         prometheus.Gauge
	sendErrors              *prometheus.CounterVec
	httpRequests            *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	registrationState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gbgw_registration_state",
		Help: "1 for the current registration state, 0 otherwise",
	}, []string{"state"})
	registrationTransitions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gbgw_registration_transitions_total",
		Help: "Registration state changes",
	})
	sessionTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gbgw_session_transitions_total",
		Help: "Stream session state changes by target state",
	}, []string{"to"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gbgw_active_sessions",
		Help: "Stream sessions not yet terminal",
	})
	queries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gbgw_queries_total",
		Help: "Platform queries by kind and whether they were absorbed as duplicates",
	}, []string{"kind", "deduplicated"})
	catalogChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gbgw_catalog_channels",
		Help: "Channels in the current catalog",
	})
	sendErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gbgw_signaling_send_errors_total",
		Help: "Outbound signaling actions that failed to send",
	}, []string{"action"})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gbgw_http_requests_total",
		Help: "Admin API requests by method and status",
	}, []string{"method", "status"})

	registry.MustRegister(
		registrationState,
		registrationTransitions,
		sessionTransitions,
		activeSessions,
		queries,
		catalogChannels,
		sendErrors,
		httpRequests,
	)
	for _, state := range registrationStates {
		registrationState.WithLabelValues(state).Set(0)
	}
	registrationState.WithLabelValues("Unregistered").Set(1)

	return &Metrics{
		registry:                registry,
		registrationState:       registrationState,
		registrationTransitions: registrationTransitions,
		sessionTransitions:      sessionTransitions,
		activeSessions:          activeSessions,
		queries:                 queries,
		catalogChannels:         catalogChannels,
		sendErrors:              sendErrors,
		httpRequests:            httpRequests,
	}
}

// ObserveRegistration records a move into state.
func (m *Metrics) ObserveRegistration(state string) {
	for _, s := range registrationStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.registrationState.WithLabelValues(s).Set(value)
	}
	m.registrationTransitions.Inc()
}

func (m *Metrics) ObserveSessionTransition(to string) {
	m.sessionTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// ObserveQuery matches the dispatcher's observer signature.
func (m *Metrics) ObserveQuery(kind string, deduplicated bool) {
	m.queries.WithLabelValues(kind, strconv.FormatBool(deduplicated)).Inc()
}

func (m *Metrics) SetCatalogChannels(n int) {
	m.catalogChannels.Set(float64(n))
}

func (m *Metrics) IncSendErrors(action string) {
	m.sendErrors.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveHTTP(method string, status int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
