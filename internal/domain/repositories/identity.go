package repositories

import (
	"context"

	"github.com/devilmonastery/gatekeeper/internal/domain/entities"
)

// IdentityRepository defines data access for persons, emails, login methods
// and organization membership.
//
// Find* lookups return (nil, nil) when nothing matches. Get* lookups by ID
// return a not-found error. Writes that violate the unique address or
// unique (email, kind) constraints return ErrConflict.
type IdentityRepository interface {
	UnitOfWork

	// FindEmail looks up an email by its normalized address
	FindEmail(ctx context.Context, address string) (*entities.Email, error)

	// GetEmailByID retrieves an email by ID
	GetEmailByID(ctx context.Context, id string) (*entities.Email, error)

	// GetPerson retrieves a person by ID
	GetPerson(ctx context.Context, id string) (*entities.Person, error)

	// FindLoginMethod looks up the login method of the given kind for an email
	FindLoginMethod(ctx context.Context, emailID string, kind entities.LoginMethodKind) (*entities.LoginMethod, error)

	// ListLoginMethods lists every login method bound to an email
	ListLoginMethods(ctx context.Context, emailID string) ([]*entities.LoginMethod, error)

	CreatePerson(ctx context.Context, person *entities.Person) error

	// UpdatePerson persists the first and last name
	UpdatePerson(ctx context.Context, person *entities.Person) error

	CreateEmail(ctx context.Context, email *entities.Email) error

	// UpdateEmail persists the verification flag
	UpdateEmail(ctx context.Context, email *entities.Email) error

	CreateLoginMethod(ctx context.Context, method *entities.LoginMethod) error

	// UpdateLoginMethod persists the hash, active flag and last-used time
	UpdateLoginMethod(ctx context.Context, method *entities.LoginMethod) error

	CreateOrganization(ctx context.Context, org *entities.Organization) error
	AddMembership(ctx context.Context, membership *entities.Membership) error
	ListMemberships(ctx context.Context, personID string) ([]*entities.Membership, error)
}
