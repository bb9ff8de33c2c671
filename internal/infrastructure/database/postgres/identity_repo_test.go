package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
	"github.com/devilmonastery/gatekeeper/internal/domain/repositories"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var emailColumns = []string{"id", "person_id", "address", "is_verified", "created_at", "updated_at"}

func TestIdentityRepository_FindEmail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`FROM emails\s+WHERE address = \$1`).
		WithArgs("jane@example.com").
		WillReturnRows(sqlmock.NewRows(emailColumns).AddRow("e1", "p1", "jane@example.com", true, now, now))

	email, err := repo.FindEmail(context.Background(), "jane@example.com")
	if err != nil {
		t.Fatalf("FindEmail: %v", err)
	}
	if email == nil || email.ID != "e1" || email.PersonID != "p1" || !email.IsVerified {
		t.Fatalf("unexpected email: %+v", email)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_FindEmail_Absent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectQuery(`FROM emails\s+WHERE address = \$1`).WillReturnError(sql.ErrNoRows)

	email, err := repo.FindEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if email != nil {
		t.Fatalf("expected nil email, got %+v", email)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_GetPerson_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectQuery(`FROM persons\s+WHERE id = \$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetPerson(context.Background(), "missing")
	if !errors.Is(err, repositories.ErrPersonNotFound) {
		t.Fatalf("expected ErrPersonNotFound, got %v", err)
	}
	if !repositories.IsNotFound(err) {
		t.Fatal("expected IsNotFound to report true")
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_FindLoginMethod(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cols := []string{"id", "email_id", "kind", "password_hash", "provider_subject", "is_active", "created_at", "updated_at", "last_used_at"}
	mock.ExpectQuery(`FROM login_methods WHERE email_id = \$1 AND kind = \$2`).
		WithArgs("e1", "password").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("lm1", "e1", "password", "$2a$10$hash", nil, true, now, now, nil))

	method, err := repo.FindLoginMethod(context.Background(), "e1", entities.LoginMethodPassword)
	if err != nil {
		t.Fatalf("FindLoginMethod: %v", err)
	}
	if method == nil || method.Kind != entities.LoginMethodPassword {
		t.Fatalf("unexpected method: %+v", method)
	}
	if !method.HasPassword() || *method.PasswordHash != "$2a$10$hash" {
		t.Errorf("expected password hash, got %v", method.PasswordHash)
	}
	if method.ProviderSubject != nil || method.LastUsedAt != nil {
		t.Errorf("expected null columns to stay nil, got %+v", method)
	}

	mock.ExpectQuery(`FROM login_methods WHERE email_id = \$1 AND kind = \$2`).
		WithArgs("e1", "oauth-google").
		WillReturnError(sql.ErrNoRows)

	method, err = repo.FindLoginMethod(context.Background(), "e1", entities.LoginMethodOAuthGoogle)
	if err != nil || method != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", method, err)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_CreateEmail_Conflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectExec(`INSERT INTO emails`).
		WithArgs(sqlmock.AnyArg(), "p1", "jane@example.com", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: "emails_address_key"})

	err := repo.CreateEmail(context.Background(), &entities.Email{PersonID: "p1", Address: "jane@example.com"})
	if !errors.Is(err, repositories.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_CreateLoginMethod_AssignsIDAndTimestamps(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectExec(`INSERT INTO login_methods`).
		WithArgs(sqlmock.AnyArg(), "e1", "oauth-microsoft", nil, "ms-sub", true, sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	subject := "ms-sub"
	method := &entities.LoginMethod{
		EmailID:         "e1",
		Kind:            entities.LoginMethodOAuthMicrosoft,
		ProviderSubject: &subject,
		IsActive:        true,
	}
	if err := repo.CreateLoginMethod(context.Background(), method); err != nil {
		t.Fatalf("CreateLoginMethod: %v", err)
	}
	if method.ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if method.CreatedAt.IsZero() || !method.UpdatedAt.Equal(method.CreatedAt) {
		t.Errorf("expected matching timestamps, got %v / %v", method.CreatedAt, method.UpdatedAt)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_UpdateLoginMethod_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectExec(`UPDATE login_methods`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateLoginMethod(context.Background(), &entities.LoginMethod{ID: "gone"})
	if !errors.Is(err, repositories.ErrLoginMethodNotFound) {
		t.Fatalf("expected ErrLoginMethodNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_UpdatePerson(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectExec(`UPDATE persons SET first_name = \$1, last_name = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("Janet", "Smith", sqlmock.AnyArg(), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE persons`).WillReturnResult(sqlmock.NewResult(0, 0))

	person := &entities.Person{ID: "p1", FirstName: "Janet", LastName: "Smith"}
	if err := repo.UpdatePerson(context.Background(), person); err != nil {
		t.Fatalf("UpdatePerson: %v", err)
	}
	if person.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}

	err := repo.UpdatePerson(context.Background(), &entities.Person{ID: "gone"})
	if !errors.Is(err, repositories.ErrPersonNotFound) {
		t.Fatalf("expected ErrPersonNotFound, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_WithinTx_Commit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO persons`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO organizations`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO memberships`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "owner", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.WithinTx(context.Background(), func(tx repositories.IdentityRepository) error {
		person := &entities.Person{FirstName: "Jane", IsActive: true}
		if err := tx.CreatePerson(context.Background(), person); err != nil {
			return err
		}
		org := &entities.Organization{Name: entities.DefaultOrganizationName(person.FirstName)}
		if err := tx.CreateOrganization(context.Background(), org); err != nil {
			return err
		}
		return tx.AddMembership(context.Background(), &entities.Membership{
			PersonID:       person.ID,
			OrganizationID: org.ID,
			Role:           entities.MembershipRoleOwner,
		})
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_WithinTx_RollbackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO persons`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO emails`).
		WillReturnError(&pq.Error{Code: pqUniqueViolation, Constraint: "emails_address_key"})
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(tx repositories.IdentityRepository) error {
		person := &entities.Person{FirstName: "Jane", IsActive: true}
		if err := tx.CreatePerson(context.Background(), person); err != nil {
			return err
		}
		return tx.CreateEmail(context.Background(), &entities.Email{PersonID: person.ID, Address: "jane@example.com"})
	})
	if !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	expectationsMet(t, mock)
}

func TestIdentityRepository_WithinTx_Nested(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdentityRepository(db)

	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := repo.WithinTx(context.Background(), func(tx repositories.IdentityRepository) error {
		return tx.WithinTx(context.Background(), func(inner repositories.IdentityRepository) error {
			calls++
			if inner != tx {
				t.Error("expected nested call to reuse the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}

	expectationsMet(t, mock)
}
