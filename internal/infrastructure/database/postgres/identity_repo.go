package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/repositories"
	"github.com/devilmonastery/gatekeeper/internal/pkg/idgen"
	"github.com/devilmonastery/gatekeeper/internal/pkg/metrics"
)

const pqUniqueViolation = "23505"

// IdentityRepository implements repositories.IdentityRepository for PostgreSQL
type IdentityRepository struct {
	db  *sqlx.DB // nil when bound to a transaction
	q   sqlx.ExtContext
	log *slog.Logger
}

// NewIdentityRepository creates a new PostgreSQL identity repository
func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{
		db:  db,
		q:   db,
		log: slog.Default().With(slog.String("repo", "identity")),
	}
}

// translateError maps driver errors onto repository errors
func translateError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s", repositories.ErrConflict, pqErr.Constraint)
	}
	return err
}

// WithinTx runs fn inside a single transaction
func (r *IdentityRepository) WithinTx(ctx context.Context, fn func(repo repositories.IdentityRepository) error) error {
	if r.db == nil {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&IdentityRepository{q: tx, log: r.log}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Warn("failed to roll back transaction", slog.String("error", rbErr.Error()))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translateError(err))
	}
	return nil
}

// FindEmail retrieves an email by normalized address, or nil
func (r *IdentityRepository) FindEmail(ctx context.Context, address string) (*entities.Email, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "find_email", time.Since(start), -1, err)
	}()

	var email entities.Email
	query := `
		SELECT id, person_id, address, is_verified, created_at, updated_at
		FROM emails
		WHERE address = $1
	`

	err = sqlx.GetContext(ctx, r.q, &email, query, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find email: %w", err)
	}

	return &email, nil
}

// GetEmailByID retrieves an email by ID
func (r *IdentityRepository) GetEmailByID(ctx context.Context, id string) (*entities.Email, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "get_email", time.Since(start), -1, err)
	}()

	var email entities.Email
	query := `
		SELECT id, person_id, address, is_verified, created_at, updated_at
		FROM emails
		WHERE id = $1
	`

	err = sqlx.GetContext(ctx, r.q, &email, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", repositories.ErrEmailNotFound, id)
		}
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	return &email, nil
}

// GetPerson retrieves a person by ID
func (r *IdentityRepository) GetPerson(ctx context.Context, id string) (*entities.Person, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "get_person", time.Since(start), -1, err)
	}()

	var person entities.Person
	query := `
		SELECT id, first_name, last_name, is_active, created_at, updated_at
		FROM persons
		WHERE id = $1
	`

	err = sqlx.GetContext(ctx, r.q, &person, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", repositories.ErrPersonNotFound, id)
		}
		return nil, fmt.Errorf("failed to get person: %w", err)
	}

	return &person, nil
}

// loginMethodRow represents a login method as stored in the database
type loginMethodRow struct {
	ID              string         `db:"id"`
	EmailID         string         `db:"email_id"`
	Kind            string         `db:"kind"`
	PasswordHash    sql.NullString `db:"password_hash"`
	ProviderSubject sql.NullString `db:"provider_subject"`
	IsActive        bool           `db:"is_active"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	LastUsedAt      sql.NullTime   `db:"last_used_at"`
}

func (r *loginMethodRow) toEntity() *entities.LoginMethod {
	m := &entities.LoginMethod{
		ID:        r.ID,
		EmailID:   r.EmailID,
		Kind:      entities.LoginMethodKind(r.Kind),
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.PasswordHash.Valid {
		m.PasswordHash = &r.PasswordHash.String
	}
	if r.ProviderSubject.Valid {
		m.ProviderSubject = &r.ProviderSubject.String
	}
	if r.LastUsedAt.Valid {
		m.LastUsedAt = &r.LastUsedAt.Time
	}
	return m
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const loginMethodColumns = `id, email_id, kind, password_hash, provider_subject, is_active, created_at, updated_at, last_used_at`

// FindLoginMethod retrieves the login method of a kind for an email, or nil
func (r *IdentityRepository) FindLoginMethod(ctx context.Context, emailID string, kind entities.LoginMethodKind) (*entities.LoginMethod, error) {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "find_login_method", time.Since(start), -1, err)
	}()

	var row loginMethodRow
	query := `SELECT ` + loginMethodColumns + ` FROM login_methods WHERE email_id = $1 AND kind = $2`

	err = sqlx.GetContext(ctx, r.q, &row, query, emailID, string(kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find login method: %w", err)
	}

	return row.toEntity(), nil
}

// ListLoginMethods lists the login methods bound to an email, oldest first
func (r *IdentityRepository) ListLoginMethods(ctx context.Context, emailID string) ([]*entities.LoginMethod, error) {
	start := time.Now()
	var err error
	var rows []loginMethodRow
	defer func() {
		metrics.RecordDBOperation("identity", "list_login_methods", time.Since(start), int64(len(rows)), err)
	}()

	query := `SELECT ` + loginMethodColumns + ` FROM login_methods WHERE email_id = $1 ORDER BY created_at ASC`

	err = sqlx.SelectContext(ctx, r.q, &rows, query, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list login methods: %w", err)
	}

	methods := make([]*entities.LoginMethod, 0, len(rows))
	for i := range rows {
		methods = append(methods, rows[i].toEntity())
	}
	return methods, nil
}

// CreatePerson inserts a person, assigning ID and timestamps if unset
func (r *IdentityRepository) CreatePerson(ctx context.Context, person *entities.Person) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "create_person", time.Since(start), 1, err)
	}()

	if person.ID == "" {
		person.ID = idgen.GenerateID()
	}
	stampCreated(&person.CreatedAt, &person.UpdatedAt)

	query := `
		INSERT INTO persons (id, first_name, last_name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.q.ExecContext(ctx, query,
		person.ID,
		person.FirstName,
		person.LastName,
		person.IsActive,
		person.CreatedAt,
		person.UpdatedAt,
	)
	if err != nil {
		err = translateError(err)
		return fmt.Errorf("failed to create person: %w", err)
	}

	return nil
}

// CreateEmail inserts an email. A duplicate address returns ErrConflict.
func (r *IdentityRepository) CreateEmail(ctx context.Context, email *entities.Email) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "create_email", time.Since(start), 1, err)
	}()

	if email.ID == "" {
		email.ID = idgen.GenerateID()
	}
	stampCreated(&email.CreatedAt, &email.UpdatedAt)

	query := `
		INSERT INTO emails (id, person_id, address, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.q.ExecContext(ctx, query,
		email.ID,
		email.PersonID,
		email.Address,
		email.IsVerified,
		email.CreatedAt,
		email.UpdatedAt,
	)
	if err != nil {
		err = translateError(err)
		return fmt.Errorf("failed to create email: %w", err)
	}

	return nil
}

// UpdatePerson persists a person's name.
func (r *IdentityRepository) UpdatePerson(ctx context.Context, person *entities.Person) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("identity", "update_person", time.Since(start), rowsAffected, err)
	}()

	person.UpdatedAt = time.Now()
	query := `UPDATE persons SET first_name = $1, last_name = $2, updated_at = $3 WHERE id = $4`

	result, err := r.q.ExecContext(ctx, query, person.FirstName, person.LastName, person.UpdatedAt, person.ID)
	if err != nil {
		return fmt.Errorf("failed to update person: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", repositories.ErrPersonNotFound, person.ID)
	}

	return nil
}

// UpdateEmail persists the verification flag
func (r *IdentityRepository) UpdateEmail(ctx context.Context, email *entities.Email) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("identity", "update_email", time.Since(start), rowsAffected, err)
	}()

	email.UpdatedAt = time.Now()
	query := `UPDATE emails SET is_verified = $1, updated_at = $2 WHERE id = $3`

	result, err := r.q.ExecContext(ctx, query, email.IsVerified, email.UpdatedAt, email.ID)
	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", repositories.ErrEmailNotFound, email.ID)
	}

	return nil
}

// CreateLoginMethod inserts a login method. A second method of the same
// kind for one email returns ErrConflict.
func (r *IdentityRepository) CreateLoginMethod(ctx context.Context, method *entities.LoginMethod) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "create_login_method", time.Since(start), 1, err)
	}()

	if method.ID == "" {
		method.ID = idgen.GenerateID()
	}
	stampCreated(&method.CreatedAt, &method.UpdatedAt)

	query := `
		INSERT INTO login_methods (` + loginMethodColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.q.ExecContext(ctx, query,
		method.ID,
		method.EmailID,
		string(method.Kind),
		nullString(method.PasswordHash),
		nullString(method.ProviderSubject),
		method.IsActive,
		method.CreatedAt,
		method.UpdatedAt,
		nullTime(method.LastUsedAt),
	)
	if err != nil {
		err = translateError(err)
		return fmt.Errorf("failed to create login method: %w", err)
	}

	return nil
}

// UpdateLoginMethod persists the hash, subject, active flag and last-used time
func (r *IdentityRepository) UpdateLoginMethod(ctx context.Context, method *entities.LoginMethod) error {
	start := time.Now()
	var err error
	var rowsAffected int64
	defer func() {
		metrics.RecordDBOperation("identity", "update_login_method", time.Since(start), rowsAffected, err)
	}()

	method.UpdatedAt = time.Now()
	query := `
		UPDATE login_methods
		SET password_hash = $1,
		    provider_subject = $2,
		    is_active = $3,
		    last_used_at = $4,
		    updated_at = $5
		WHERE id = $6
	`

	result, err := r.q.ExecContext(ctx, query,
		nullString(method.PasswordHash),
		nullString(method.ProviderSubject),
		method.IsActive,
		nullTime(method.LastUsedAt),
		method.UpdatedAt,
		method.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update login method: %w", err)
	}

	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", repositories.ErrLoginMethodNotFound, method.ID)
	}

	return nil
}

// CreateOrganization inserts an organization
func (r *IdentityRepository) CreateOrganization(ctx context.Context, org *entities.Organization) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "create_organization", time.Since(start), 1, err)
	}()

	if org.ID == "" {
		org.ID = idgen.GenerateID()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}

	query := `INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`

	_, err = r.q.ExecContext(ctx, query, org.ID, org.Name, org.CreatedAt)
	if err != nil {
		err = translateError(err)
		return fmt.Errorf("failed to create organization: %w", err)
	}

	return nil
}

// AddMembership binds a person to an organization
func (r *IdentityRepository) AddMembership(ctx context.Context, membership *entities.Membership) error {
	start := time.Now()
	var err error
	defer func() {
		metrics.RecordDBOperation("identity", "add_membership", time.Since(start), 1, err)
	}()

	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO memberships (person_id, organization_id, role, created_at)
		VALUES (:person_id, :organization_id, :role, :created_at)
	`

	_, err = sqlx.NamedExecContext(ctx, r.q, query, membership)
	if err != nil {
		err = translateError(err)
		return fmt.Errorf("failed to add membership: %w", err)
	}

	return nil
}

// ListMemberships lists a person's organization memberships
func (r *IdentityRepository) ListMemberships(ctx context.Context, personID string) ([]*entities.Membership, error) {
	start := time.Now()
	var err error
	var memberships []*entities.Membership
	defer func() {
		metrics.RecordDBOperation("identity", "list_memberships", time.Since(start), int64(len(memberships)), err)
	}()

	query := `
		SELECT person_id, organization_id, role, created_at
		FROM memberships
		WHERE person_id = $1
		ORDER BY created_at ASC
	`

	err = sqlx.SelectContext(ctx, r.q, &memberships, query, personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	return memberships, nil
}

func stampCreated(createdAt, updatedAt *time.Time) {
	now := time.Now()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt.IsZero() {
		*updatedAt = *createdAt
	}
}

// Ensure IdentityRepository implements repositories.IdentityRepository
var _ repositories.IdentityRepository = (*IdentityRepository)(nil)
