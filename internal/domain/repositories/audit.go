package repositories

import (
	"context"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
)

// AuditRepository defines the interface for audit log data access
type AuditRepository interface {
	// Create a new audit log entry
	Create(ctx context.Context, log *entities.AuditLog) error

	// ListByPerson retrieves the most recent audit logs for a person
	ListByPerson(ctx context.Context, personID string, limit int) ([]*entities.AuditLog, error)

	// CountFailedLogins counts failed login attempts for an email address since a point in time
	CountFailedLogins(ctx context.Context, address string, since time.Time) (int64, error)

	// DeleteBefore removes entries older than the cutoff
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
