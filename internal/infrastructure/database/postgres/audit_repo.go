package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/repositories"
	"github.com/devilmonastery/gatekeeper/internal/pkg/idgen"
	"github.com/devilmonastery/gatekeeper/internal/pkg/metrics"
)

const (
	auditColumns = `id, person_id, action, resource_type, resource_id, metadata, success, error_message, timestamp`

	defaultAuditPageSize = 50
)

// AuditRepository stores entities.AuditLog rows in audit_logs. The entity
// carries its own db tags and metadata encoding, so rows scan directly.
type AuditRepository struct {
	db  *sqlx.DB
	log *slog.Logger
}

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db, log: slog.Default().With(slog.String("repo", "audit"))}
}

// Create inserts entry, assigning an ID and timestamp when unset.
func (r *AuditRepository) Create(ctx context.Context, entry *entities.AuditLog) (err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation("audit", "create", time.Since(start), 1, err) }()

	if entry.ID == "" {
		entry.ID = idgen.GenerateID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	r.log.Debug("recording audit entry",
		slog.String("action", string(entry.Action)),
		slog.Bool("success", entry.Success),
		slog.Any("person_id", entry.PersonID))

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES (:id, :person_id, :action, :resource_type, :resource_id, :metadata, :success, :error_message, :timestamp)`,
		entry)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry %s: %w", entry.Action, err)
	}
	return nil
}

// ListByPerson returns a person's newest entries first. limit <= 0 uses the default page size.
func (r *AuditRepository) ListByPerson(ctx context.Context, personID string, limit int) (logs []*entities.AuditLog, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBOperation("audit", "list_by_person", time.Since(start), int64(len(logs)), err)
	}()

	if limit <= 0 {
		limit = defaultAuditPageSize
	}

	err = r.db.SelectContext(ctx, &logs, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE person_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`,
		personID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for %s: %w", personID, err)
	}
	return logs, nil
}

// CountFailedLogins counts unsuccessful login attempts recorded under
// metadata.email since the given time, whichever login kind was used.
func (r *AuditRepository) CountFailedLogins(ctx context.Context, address string, since time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation("audit", "count_failed_logins", time.Since(start), -1, err) }()

	err = r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM audit_logs
		WHERE action IN ($1, $2)
		  AND NOT success
		  AND metadata->>'email' = $3
		  AND timestamp >= $4`,
		entities.ActionLoginPassword, entities.ActionLoginOAuth, address, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed logins: %w", err)
	}
	return n, nil
}

// DeleteBefore prunes entries older than cutoff and reports how many went.
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (deleted int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBOperation("audit", "delete_before", time.Since(start), deleted, err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	if deleted, err = res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to read pruned row count: %w", err)
	}
	r.log.Info("pruned audit log", slog.Int64("deleted", deleted), slog.Time("cutoff", cutoff))
	return deleted, nil
}

var _ repositories.AuditRepository = (*AuditRepository)(nil)
