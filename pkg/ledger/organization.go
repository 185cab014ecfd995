package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/plan"
)

// OrganizationSubscription is the seat-based analog of Subscription for
// organization accounts. AdditionalSeats is derived, never set directly:
// additional = max(0, billable members - included).
type OrganizationSubscription struct {
	OrgID uuid.UUID

	Plan   plan.ID
	Status Status

	IncludedSeats   int64
	AdditionalSeats int64
	SeatPrice       plan.Money

	TrialEndsAt *time.Time

	ExternalSubscriptionID string
	ExternalCustomerID     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalSeats is the quantity billed at the external provider.
func (o *OrganizationSubscription) TotalSeats() int64 {
	return o.IncludedSeats + o.AdditionalSeats
}

// MembershipRole is a member's role inside an organization.
type MembershipRole string

const (
	RoleOwner         MembershipRole = "owner"
	RoleAdmin         MembershipRole = "admin"
	RoleOrganizer     MembershipRole = "organizer"
	RoleCourseManager MembershipRole = "course_manager"
	RoleMember        MembershipRole = "member"
)

// Valid reports whether the role is a known one.
func (r MembershipRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleOrganizer, RoleCourseManager, RoleMember:
		return true
	}
	return false
}

// BillableRole reports whether the role counts toward organization seats.
// Owners and admins administer the organization free of charge.
func (r MembershipRole) BillableRole() bool {
	switch r {
	case RoleOrganizer, RoleCourseManager, RoleMember:
		return true
	}
	return false
}

// BillingPayer says who pays for a membership seat.
type BillingPayer string

const (
	PayerOrganization BillingPayer = "organization"
	PayerSelf         BillingPayer = "self"
)

// OrganizationMembership ties a user (or a pending invitation) to an
// organization. Rows are created on invite, activated on acceptance and
// soft-removed on removal; removal must retrigger seat recomputation.
type OrganizationMembership struct {
	ID    uuid.UUID
	OrgID uuid.UUID

	// UserID is nil while the invitation awaits acceptance by a
	// not-yet-registered user; InvitationEmail identifies the invitee then.
	UserID          *uuid.UUID
	InvitationEmail string

	Role         MembershipRole
	IsActive     bool
	BillingPayer BillingPayer

	RemovedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Removed reports whether the membership has been soft-removed.
func (m *OrganizationMembership) Removed() bool {
	return m.RemovedAt != nil
}

// PendingInvitation reports whether the row represents an invitation that has
// not been accepted yet.
func (m *OrganizationMembership) PendingInvitation() bool {
	return !m.IsActive && !m.Removed() && m.InvitationEmail != ""
}

// Billable reports whether this membership counts toward organization seats:
// a billable role, paid by the organization, and either active or a pending
// invitation awaiting acceptance.
func (m *OrganizationMembership) Billable() bool {
	if m.Removed() {
		return false
	}
	if !m.Role.BillableRole() || m.BillingPayer != PayerOrganization {
		return false
	}
	return m.IsActive || m.PendingInvitation()
}
