package entities

import "time"

// Organization is the tenant a Person belongs to
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MembershipRole is a person's role within an organization
type MembershipRole string

const (
	MembershipRoleOwner  MembershipRole = "owner"
	MembershipRoleMember MembershipRole = "member"
)

// Membership binds a Person to an Organization
type Membership struct {
	PersonID       string         `json:"person_id" db:"person_id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	Role           MembershipRole `json:"role" db:"role"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// DefaultOrganizationName returns the name used for an auto-created organization
func DefaultOrganizationName(firstName string) string {
	if firstName == "" {
		return "My Organization"
	}
	return firstName + "'s Organization"
}
