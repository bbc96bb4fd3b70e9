package server

import (
	"net/http"
	"strings"

	"github.com/aeolun/mcconnect/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions        prometheus.Gauge
	authenticatedSessions prometheus.Gauge
	sessionsCreated       *prometheus.CounterVec // by connection type
	sessionsClosed        *prometheus.CounterVec // by close reason

	// Message metrics
	messagesReceived *prometheus.CounterVec // by command kind
	messagesSent     *prometheus.CounterVec // by message kind
	replies          *prometheus.CounterVec // by reply code
	droppedCommands  *prometheus.CounterVec // by reason

	// Relay work
	authAttempts *prometheus.CounterVec
	loginPushes  *prometheus.CounterVec
	nameLookups  *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec

	listenOverflows prometheus.Counter
}

// NewMetrics creates a metrics instance with its own registry, so several
// relays can live in one process (tests do this)
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcconnect_active_sessions",
				Help: "Current number of open plugin connections",
			},
		),
		authenticatedSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcconnect_authenticated_sessions",
				Help: "Current number of servers with a registered session",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"conn_type"},
		),
		sessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_sessions_closed_total",
				Help: "Total number of sessions closed by reason",
			},
			[]string{"reason"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_messages_received_total",
				Help: "Total number of frames received from plugins by command",
			},
			[]string{"command"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_messages_sent_total",
				Help: "Total number of frames sent to plugins by kind",
			},
			[]string{"kind"},
		),
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_replies_total",
				Help: "Total number of replies sent by code",
			},
			[]string{"code"},
		),
		droppedCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_commands_dropped_total",
				Help: "Commands ignored without a reply by reason",
			},
			[]string{"reason"},
		),
		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_auth_attempts_total",
				Help: "Total number of !AUTH attempts by outcome",
			},
			[]string{"outcome"},
		),
		loginPushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_login_challenges_total",
				Help: "Login challenges handled by the broadcaster by outcome",
			},
			[]string{"outcome"},
		),
		nameLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_name_lookups_total",
				Help: "Player name lookups by outcome",
			},
			[]string{"outcome"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcconnect_store_errors_total",
				Help: "Data store failures by operation",
			},
			[]string{"op"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcconnect_listen_overflows_total",
				Help: "TCP listen queue overflows observed by the kernel",
			},
		),
	}
}

// Registry returns the registry the metrics live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordActiveSessions updates the open session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordAuthenticatedSessions updates the registered server count
func (m *Metrics) RecordAuthenticatedSessions(count int) {
	m.authenticatedSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(connType string) {
	m.sessionsCreated.WithLabelValues(connType).Inc()
}

// RecordSessionClosed increments the close counter for reason
func (m *Metrics) RecordSessionClosed(reason string) {
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordMessageReceived increments the received counter for a command kind
func (m *Metrics) RecordMessageReceived(command string) {
	m.messagesReceived.WithLabelValues(command).Inc()
}

// RecordMessageSent increments the sent counter for a message kind
func (m *Metrics) RecordMessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

// RecordReply increments the reply counter for code
func (m *Metrics) RecordReply(code string) {
	m.replies.WithLabelValues(code).Inc()
}

// RecordDroppedCommand counts a command that was ignored without a reply
func (m *Metrics) RecordDroppedCommand(reason string) {
	m.droppedCommands.WithLabelValues(reason).Inc()
}

// RecordAuth counts an authentication attempt
func (m *Metrics) RecordAuth(outcome string) {
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// RecordLoginPushes adds n challenges with the given outcome
func (m *Metrics) RecordLoginPushes(outcome string, n int) {
	if n <= 0 {
		return
	}
	m.loginPushes.WithLabelValues(outcome).Add(float64(n))
}

// RecordNameLookup counts a player name lookup
func (m *Metrics) RecordNameLookup(outcome string) {
	m.nameLookups.WithLabelValues(outcome).Inc()
}

// RecordStoreError counts a failed data store call
func (m *Metrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordListenOverflows adds newly observed listen queue overflows
func (m *Metrics) RecordListenOverflows(delta uint64) {
	m.listenOverflows.Add(float64(delta))
}

// sentMessageKind maps an outgoing payload to a metrics label
func sentMessageKind(msg string) string {
	switch {
	case msg == protocol.PushHeartbeat:
		return "heartbeat"
	case msg == protocol.PushSendAllStats:
		return "send_all_stats"
	case strings.HasPrefix(msg, "loginPin~"):
		return "login_pin"
	case strings.HasPrefix(msg, "success|"), strings.HasPrefix(msg, "error|"):
		return "reply"
	default:
		return "other"
	}
}
