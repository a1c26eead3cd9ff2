// Package metrics provides Prometheus metrics for wsterm.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Multiplexer metrics
	framesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsterm_frames_sent_total",
			Help: "Total number of frames written to the transport",
		},
		[]string{"channel"},
	)

	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsterm_frames_received_total",
			Help: "Total number of frames read from the transport",
		},
		[]string{"channel"},
	)

	payloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsterm_payload_bytes_total",
			Help: "Total payload bytes by channel and direction",
		},
		[]string{"channel", "direction"},
	)

	creditStalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsterm_credit_stalls_total",
			Help: "Number of sends that waited for flow-control credit",
		},
		[]string{"channel"},
	)

	duplicateFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsterm_duplicate_frames_total",
			Help: "Frames discarded because their sequence number was already delivered",
		},
	)

	// File sync metrics
	recordsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsterm_sync_records_total",
			Help: "File-sync records handled by the consumer",
		},
		[]string{"kind", "status"},
	)

	// Session metrics
	terminalSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsterm_terminal_sessions",
			Help: "Number of live terminal sessions",
		},
	)

	connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsterm_connections",
			Help: "Number of open transport connections",
		},
	)

	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsterm_reconnect_attempts_total",
			Help: "Client reconnect attempts",
		},
	)

	authResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsterm_auth_results_total",
			Help: "Authentication handshake outcomes",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// FrameSent records one outbound frame.
func FrameSent(channel string, payload int) {
	framesSent.WithLabelValues(channel).Inc()
	payloadBytes.WithLabelValues(channel, "out").Add(float64(payload))
}

// FrameReceived records one inbound frame.
func FrameReceived(channel string, payload int) {
	framesReceived.WithLabelValues(channel).Inc()
	payloadBytes.WithLabelValues(channel, "in").Add(float64(payload))
}

// CreditStall records a send that had to wait for credit.
func CreditStall(channel string) {
	creditStalls.WithLabelValues(channel).Inc()
}

// DuplicateFrame records a discarded duplicate.
func DuplicateFrame() {
	duplicateFrames.Inc()
}

// RecordApplied records one consumer outcome.
func RecordApplied(kind, status string) {
	recordsApplied.WithLabelValues(kind, status).Inc()
}

// TerminalOpened increments live terminal sessions.
func TerminalOpened() {
	terminalSessions.Inc()
}

// TerminalClosed decrements live terminal sessions.
func TerminalClosed() {
	terminalSessions.Dec()
}

// ConnectionOpened increments open connections.
func ConnectionOpened() {
	connections.Inc()
}

// ConnectionClosed decrements open connections.
func ConnectionClosed() {
	connections.Dec()
}

// ReconnectAttempt records a client reconnect attempt.
func ReconnectAttempt() {
	reconnectAttempts.Inc()
}

// AuthResult records a handshake outcome.
func AuthResult(accepted bool) {
	if accepted {
		authResults.WithLabelValues("accepted").Inc()
		return
	}
	authResults.WithLabelValues("rejected").Inc()
}
