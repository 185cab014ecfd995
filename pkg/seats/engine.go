// Package seats derives organization seat counts from memberships and keeps
// the external billing quantity in step. Seat math is local and
// deterministic; the provider push is best-effort and never blocks a
// membership change.
package seats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/capability"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/plan"
)

var (
	ErrNoOrgSubscription = errors.New("seats: organization has no subscription")
	ErrInvalidRole       = errors.New("seats: invalid membership role")
	ErrAlreadyMember     = errors.New("seats: user is already a member or invited")
	ErrMembershipRemoved = errors.New("seats: membership has been removed")
)

// Engine computes seat usage for organizations.
type Engine struct {
	store       ledger.Store
	plans       map[plan.ID]plan.Plan
	provider    billing.Provider
	log         *slog.Logger
	now         func() time.Time
	syncTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithProvider wires the billing provider for quantity pushes.
func WithProvider(p billing.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSyncTimeout bounds the provider quantity push.
func WithSyncTimeout(d time.Duration) Option {
	return func(e *Engine) { e.syncTimeout = d }
}

// NewEngine creates a seat accounting engine.
func NewEngine(ctx context.Context, src plan.Source, store ledger.Store, opts ...Option) (*Engine, error) {
	if src == nil {
		panic("seats: plan source is required")
	}
	if store == nil {
		panic("seats: store is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:       store,
		plans:       plans,
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		syncTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// BillableSeats counts memberships that occupy an organization-paid seat:
// billable role, organization payer, active or pending invitation, not
// removed.
func (e *Engine) BillableSeats(ctx context.Context, orgID uuid.UUID) (int64, error) {
	memberships, err := e.store.ListMemberships(ctx, orgID)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, m := range memberships {
		if m.Billable() {
			count++
		}
	}
	return count, nil
}

// Recompute re-derives additional seats from the current membership set and
// persists the result. additional = max(0, billable - included); additional
// can only shrink back to zero, never below. When the quantity changed and a
// provider subscription exists, the new total is pushed afterwards.
func (e *Engine) Recompute(ctx context.Context, orgID uuid.UUID) (*ledger.OrganizationSubscription, error) {
	sub, err := e.store.GetOrgSubscription(ctx, orgID)
	if err != nil {
		if errors.Is(err, ledger.ErrOrgSubscriptionNotFound) {
			return nil, ErrNoOrgSubscription
		}
		return nil, err
	}

	billable, err := e.BillableSeats(ctx, orgID)
	if err != nil {
		return nil, err
	}

	additional := billable - sub.IncludedSeats
	if additional < 0 {
		additional = 0
	}

	if additional == sub.AdditionalSeats {
		return sub, nil
	}

	sub.AdditionalSeats = additional
	sub.UpdatedAt = e.now()
	if err := e.store.SaveOrgSubscription(ctx, sub); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "seat count recomputed",
		"org_id", orgID, "billable", billable, "additional", additional, "total", sub.TotalSeats())

	e.syncExternalQuantity(ctx, sub)
	return sub, nil
}

// syncExternalQuantity pushes the seat total to the provider. Failures are
// logged and left to the next recompute or reconciliation run; local seat
// state is already committed and must not be rolled back over a provider
// hiccup.
func (e *Engine) syncExternalQuantity(ctx context.Context, sub *ledger.OrganizationSubscription) {
	if e.provider == nil || sub.ExternalSubscriptionID == "" {
		return
	}

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.syncTimeout)
	defer cancel()

	if err := e.provider.UpdateQuantity(syncCtx, sub.ExternalSubscriptionID, sub.TotalSeats()); err != nil {
		e.log.ErrorContext(ctx, "seat quantity push failed",
			"org_id", sub.OrgID, "external_id", sub.ExternalSubscriptionID,
			"quantity", sub.TotalSeats(), "error", err)
		return
	}
	e.log.InfoContext(ctx, "seat quantity pushed",
		"org_id", sub.OrgID, "quantity", sub.TotalSeats())
}

// InviteRequest describes a membership invitation.
type InviteRequest struct {
	OrgID        uuid.UUID
	Email        string
	Role         ledger.MembershipRole
	BillingPayer ledger.BillingPayer
}

// InviteMember creates a pending invitation. For fixed-seat plans a seat
// check runs before the row exists: when the organization is at its cap the
// invite is denied with SEAT_LIMIT_REACHED and nothing is written.
// Auto-provisioning plans grow additional seats instead.
func (e *Engine) InviteMember(ctx context.Context, req InviteRequest) (capability.Result, *ledger.OrganizationMembership, error) {
	if !req.Role.Valid() || req.Role == ledger.RoleOwner {
		return capability.Result{}, nil, ErrInvalidRole
	}
	if req.BillingPayer == "" {
		req.BillingPayer = ledger.PayerOrganization
	}

	memberships, err := e.store.ListMemberships(ctx, req.OrgID)
	if err != nil {
		return capability.Result{}, nil, err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	for _, m := range memberships {
		if m.Removed() {
			continue
		}
		if strings.EqualFold(m.InvitationEmail, email) {
			return capability.Result{}, nil, ErrAlreadyMember
		}
	}

	sub, err := e.store.GetOrgSubscription(ctx, req.OrgID)
	if err != nil {
		if errors.Is(err, ledger.ErrOrgSubscriptionNotFound) {
			return capability.Result{}, nil, ErrNoOrgSubscription
		}
		return capability.Result{}, nil, err
	}

	occupiesSeat := req.Role.BillableRole() && req.BillingPayer == ledger.PayerOrganization
	if occupiesSeat {
		p, known := e.plans[sub.Plan]
		if known && !p.AutoProvisionSeats {
			billable, err := e.BillableSeats(ctx, req.OrgID)
			if err != nil {
				return capability.Result{}, nil, err
			}
			if billable >= sub.IncludedSeats {
				return capability.DeniedAtLimit(
					capability.CodeSeatLimitReached,
					"organization has no seats left on its current plan",
					sub.IncludedSeats, billable,
				), nil, nil
			}
		}
	}

	now := e.now()
	membership := &ledger.OrganizationMembership{
		ID:              uuid.New(),
		OrgID:           req.OrgID,
		InvitationEmail: email,
		Role:            req.Role,
		IsActive:        false,
		BillingPayer:    req.BillingPayer,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateMembership(ctx, membership); err != nil {
		return capability.Result{}, nil, err
	}

	if occupiesSeat {
		if _, err := e.Recompute(ctx, req.OrgID); err != nil {
			e.log.ErrorContext(ctx, "seat recompute after invite failed",
				"org_id", req.OrgID, "error", err)
		}
	}

	e.log.InfoContext(ctx, "member invited",
		"org_id", req.OrgID, "membership_id", membership.ID, "role", req.Role)
	return capability.Granted(nil, 0), membership, nil
}

// ActivateMember marks an invitation accepted by the given user.
func (e *Engine) ActivateMember(ctx context.Context, membershipID, userID uuid.UUID) (*ledger.OrganizationMembership, error) {
	m, err := e.store.GetMembership(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	if m.Removed() {
		return nil, ErrMembershipRemoved
	}
	if m.IsActive {
		return m, nil
	}

	m.UserID = &userID
	m.IsActive = true
	m.UpdatedAt = e.now()
	if err := e.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}

	// Pending invitations already held a seat; the count is unchanged but a
	// missed earlier push gets another chance here.
	if m.Billable() {
		if _, err := e.Recompute(ctx, m.OrgID); err != nil {
			e.log.ErrorContext(ctx, "seat recompute after activation failed",
				"org_id", m.OrgID, "error", err)
		}
	}
	return m, nil
}

// RemoveMember soft-removes a membership and releases its seat.
func (e *Engine) RemoveMember(ctx context.Context, membershipID uuid.UUID) error {
	m, err := e.store.GetMembership(ctx, membershipID)
	if err != nil {
		return err
	}
	if m.Removed() {
		return nil
	}

	wasBillable := m.Billable()
	now := e.now()
	m.RemovedAt = &now
	m.IsActive = false
	m.UpdatedAt = now
	if err := e.store.UpdateMembership(ctx, m); err != nil {
		return err
	}

	if wasBillable {
		if _, err := e.Recompute(ctx, m.OrgID); err != nil {
			e.log.ErrorContext(ctx, "seat recompute after removal failed",
				"org_id", m.OrgID, "error", err)
		}
	}

	e.log.InfoContext(ctx, "member removed",
		"org_id", m.OrgID, "membership_id", membershipID)
	return nil
}

// ChangeRole moves a membership to a different role. A change into a
// billable role on a fixed-seat plan is seat-checked the same way an invite
// is.
func (e *Engine) ChangeRole(ctx context.Context, membershipID uuid.UUID, role ledger.MembershipRole) (capability.Result, error) {
	if !role.Valid() || role == ledger.RoleOwner {
		return capability.Result{}, ErrInvalidRole
	}

	m, err := e.store.GetMembership(ctx, membershipID)
	if err != nil {
		return capability.Result{}, err
	}
	if m.Removed() {
		return capability.Result{}, ErrMembershipRemoved
	}
	if m.Role == role {
		return capability.Granted(nil, 0), nil
	}

	becomesBillable := !m.Role.BillableRole() && role.BillableRole() && m.BillingPayer == ledger.PayerOrganization
	if becomesBillable {
		sub, err := e.store.GetOrgSubscription(ctx, m.OrgID)
		if err != nil {
			if errors.Is(err, ledger.ErrOrgSubscriptionNotFound) {
				return capability.Result{}, ErrNoOrgSubscription
			}
			return capability.Result{}, err
		}
		if p, known := e.plans[sub.Plan]; known && !p.AutoProvisionSeats {
			billable, err := e.BillableSeats(ctx, m.OrgID)
			if err != nil {
				return capability.Result{}, err
			}
			if billable >= sub.IncludedSeats {
				return capability.DeniedAtLimit(
					capability.CodeSeatLimitReached,
					"organization has no seats left on its current plan",
					sub.IncludedSeats, billable,
				), nil
			}
		}
	}

	wasBillable := m.Billable()
	m.Role = role
	m.UpdatedAt = e.now()
	if err := e.store.UpdateMembership(ctx, m); err != nil {
		return capability.Result{}, err
	}

	if wasBillable != m.Billable() {
		if _, err := e.Recompute(ctx, m.OrgID); err != nil {
			e.log.ErrorContext(ctx, "seat recompute after role change failed",
				"org_id", m.OrgID, "error", err)
		}
	}
	return capability.Granted(nil, 0), nil
}
