package metrics

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDBOperation observes one repository call. Pass rows < 0 when the
// call has no meaningful row count (single-row lookups).
func RecordDBOperation(repo, operation string, took time.Duration, rows int64, err error) {
	DBDuration.WithLabelValues(repo, operation).Observe(float64(took.Milliseconds()))
	if rows >= 0 {
		DBRowsAffected.WithLabelValues(repo, operation).Observe(float64(rows))
	}
	if err != nil {
		DBErrors.WithLabelValues(repo, operation, classifyDBError(err)).Inc()
	}
	DBOperations.WithLabelValues(repo, operation, status(err)).Inc()
}

func RecordAuthOperation(operation, outcome string, took time.Duration) {
	AuthDuration.WithLabelValues(operation).Observe(float64(took.Milliseconds()))
	AuthOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordProviderCall counts a token exchange or profile fetch against an identity provider
func RecordProviderCall(provider, step string, err error) {
	OAuthProviderCalls.WithLabelValues(provider, step, status(err)).Inc()
}

func RecordNotification(driver, template string, err error) {
	NotificationsEnqueued.WithLabelValues(driver, template, status(err)).Inc()
}

// classifyDBError maps an error to a low-cardinality label. Postgres errors
// are bucketed by SQLSTATE; driver and network failures by their Go type.
func classifyDBError(err error) string {
	if err == nil {
		return "none"
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return "duplicate"
		case "23503":
			return "foreign_key"
		case "40P01":
			return "deadlock"
		case "57014":
			return "timeout"
		}
		switch pqErr.Code.Class() {
		case "23":
			return "constraint"
		case "42":
			return "syntax"
		case "08":
			return "connection"
		}
		return "other"
	}

	var netErr net.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, sql.ErrConnDone), errors.As(err, &netErr):
		return "connection"
	}
	return "other"
}
