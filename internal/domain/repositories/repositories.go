package repositories

import (
	"context"
)

// Repositories is a collection of all repository interfaces
type Repositories struct {
	Identity IdentityRepository
	Audit    AuditRepository
}

// UnitOfWork runs a group of identity writes atomically
type UnitOfWork interface {
	// WithinTx calls fn with a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Nested calls reuse the outer transaction.
	WithinTx(ctx context.Context, fn func(repo IdentityRepository) error) error
}

// HealthChecker defines health check interface for repositories
type HealthChecker interface {
	// HealthCheck performs a health check on the repository
	HealthCheck(ctx context.Context) error
}
