// Package metrics holds the Prometheus collectors exported on /metrics.
// Every collector registers with the default registry at init.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeeper"

// latencyMs builds a native histogram in milliseconds. Native buckets keep
// the series count flat regardless of the latency spread.
func latencyMs(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       namespace,
		Subsystem:                       subsystem,
		Name:                            name,
		Help:                            help,
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, labels)
}

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// Repository calls against PostgreSQL.
var (
	DBOperations = counter("db", "operations_total",
		"Repository calls by repo, operation and status.", "repo", "operation", "status")
	DBDuration = latencyMs("db", "operation_duration_ms",
		"Repository call latency in milliseconds.", "repo", "operation")
	DBRowsAffected = latencyMs("db", "rows_affected",
		"Rows written or returned per repository call.", "repo", "operation")
	DBErrors = counter("db", "errors_total",
		"Repository failures by repo, operation and error class.", "repo", "operation", "error_type")
)

// Orchestrator flows and identity providers.
var (
	// AuthOperations is labelled with the outcome string from the service
	// layer (ok, invalid_credentials, conflict, ...).
	AuthOperations = counter("auth", "operations_total",
		"Auth flows by operation and outcome.", "operation", "outcome")
	AuthDuration = latencyMs("auth", "operation_duration_ms",
		"Auth flow latency in milliseconds.", "operation")
	OAuthProviderCalls = counter("oauth", "provider_calls_total",
		"Calls to identity providers by provider, step and status.", "provider", "step", "status")
	AccountsLinked = counter("auth", "accounts_linked_total",
		"Login methods attached to an already registered email.", "kind")
)

var (
	NotificationsEnqueued = counter("notify", "enqueued_total",
		"Notifications handed to a dispatcher by driver, template and status.", "driver", "template", "status")
	BrokerReconnects = counter("notify", "broker_reconnects_total",
		"Attempts to replace a closed RabbitMQ session by status.", "status")
)

// HTTP surface. Route is the mux template, never the raw path.
var (
	HTTPRequests = counter("http", "requests_total",
		"HTTP requests by method, route and status code.", "method", "route", "status")
	HTTPDuration = latencyMs("http", "request_duration_ms",
		"HTTP request latency in milliseconds.", "method", "route")
	HTTPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})
)
