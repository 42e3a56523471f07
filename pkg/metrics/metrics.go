package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Signaling metrics
	SigninsTotal        *prometheus.CounterVec
	RegistrationsActive prometheus.Gauge
	MessagesTotal       *prometheus.CounterVec
	CallsStarted        prometheus.Counter
	CallsActive         prometheus.Gauge
	CallFailures        *prometheus.CounterVec

	// RTP proxy metrics
	ProxyCommandsTotal  *prometheus.CounterVec
	ProxyFailuresTotal  *prometheus.CounterVec
	ProxyTimeoutsTotal  prometheus.Counter
	ProxyRoundTripTime  *prometheus.HistogramVec
	MediaSessionsActive prometheus.Gauge

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SigninsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtcbridge_signins_total",
				Help: "Total number of sign-in attempts by result",
			},
			[]string{"result"},
		)

		RegistrationsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtcbridge_registrations_active",
				Help: "Number of currently signed-in users",
			},
		)

		MessagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtcbridge_signaling_messages_total",
				Help: "Total number of inbound signaling messages by method",
			},
			[]string{"method"},
		)

		CallsStarted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rtcbridge_calls_started_total",
				Help: "Total number of call setups attempted",
			},
		)

		CallsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtcbridge_calls_active",
				Help: "Number of currently paired calls",
			},
		)

		CallFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtcbridge_call_failures_total",
				Help: "Total number of call failures by disconnect status",
			},
			[]string{"status"},
		)

		ProxyCommandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtcbridge_rtpproxy_commands_total",
				Help: "Total number of RTP proxy commands sent by type",
			},
			[]string{"command"},
		)

		ProxyFailuresTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtcbridge_rtpproxy_failures_total",
				Help: "Total number of RTP proxy command failures by code",
			},
			[]string{"code"},
		)

		ProxyTimeoutsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rtcbridge_rtpproxy_timeouts_total",
				Help: "Total number of RTP proxy requests that timed out",
			},
		)

		ProxyRoundTripTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtcbridge_rtpproxy_round_trip_seconds",
				Help:    "RTP proxy command round trip time in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"command"},
		)

		MediaSessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtcbridge_media_sessions_active",
				Help: "Number of active relay-backed media sessions",
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtcbridge_amqp_published_total",
				Help: "Total number of call events published to AMQP by result",
			},
			[]string{"result"},
		)

		AMQPConnectionErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rtcbridge_amqp_connection_errors_total",
				Help: "Total number of AMQP connection errors",
			},
		)

		registry.MustRegister(
			SigninsTotal,
			RegistrationsActive,
			MessagesTotal,
			CallsStarted,
			CallsActive,
			CallFailures,
			ProxyCommandsTotal,
			ProxyFailuresTotal,
			ProxyTimeoutsTotal,
			ProxyRoundTripTime,
			MediaSessionsActive,
			AMQPPublishedMessages,
			AMQPConnectionErrors,
		)

		logger.Debug("Prometheus metrics initialized")
	})
}

// Handler returns the HTTP handler serving the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetEnabled toggles metric collection
func SetEnabled(enabled bool) {
	metricsEnabled = enabled
}

// Enabled reports whether metric collection is active
func Enabled() bool {
	return metricsEnabled
}

// ObserveProxyRoundTrip records a proxy command round trip duration
func ObserveProxyRoundTrip(command string, d time.Duration) {
	if !metricsEnabled || ProxyRoundTripTime == nil {
		return
	}
	ProxyRoundTripTime.WithLabelValues(command).Observe(d.Seconds())
}
