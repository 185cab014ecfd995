package seats_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/capability"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/plan"
	"github.com/eventlane/entitlements/pkg/seats"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *ledger.MemoryStore
	provider *billing.MemoryProvider
	engine   *seats.Engine
}

func newFixture(t *testing.T, catalog map[plan.ID]plan.Plan) *fixture {
	t.Helper()

	if catalog == nil {
		catalog = plan.DefaultCatalog()
	}
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		provider: billing.NewMemoryProvider(),
	}
	engine, err := seats.NewEngine(context.Background(),
		plan.NewInMemSource(catalog), f.store,
		seats.WithProvider(f.provider),
		seats.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	f.engine = engine
	return f
}

// fixedSeatCatalog flips the organization plan to a hard seat cap.
func fixedSeatCatalog() map[plan.ID]plan.Plan {
	catalog := plan.DefaultCatalog()
	org := catalog[plan.PlanOrganization]
	org.AutoProvisionSeats = false
	catalog[plan.PlanOrganization] = org
	return catalog
}

func (f *fixture) seedOrg(t *testing.T, orgID uuid.UUID, includedSeats int64) {
	t.Helper()
	require.NoError(t, f.store.SaveOrgSubscription(context.Background(), &ledger.OrganizationSubscription{
		OrgID:                  orgID,
		Plan:                   plan.PlanOrganization,
		Status:                 ledger.StatusActive,
		IncludedSeats:          includedSeats,
		SeatPrice:              plan.Money{Amount: 1500, Currency: "USD"},
		ExternalSubscriptionID: "sub_org_1",
		CreatedAt:              testNow,
		UpdatedAt:              testNow,
	}))
}

func (f *fixture) seedMember(t *testing.T, orgID uuid.UUID, role ledger.MembershipRole, email string) *ledger.OrganizationMembership {
	t.Helper()
	userID := uuid.New()
	m := &ledger.OrganizationMembership{
		ID:              uuid.New(),
		OrgID:           orgID,
		UserID:          &userID,
		InvitationEmail: email,
		Role:            role,
		IsActive:        true,
		BillingPayer:    ledger.PayerOrganization,
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
	require.NoError(t, f.store.CreateMembership(context.Background(), m))
	return m
}

func TestInviteMember_GrowsAdditionalSeats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)
	f.seedMember(t, orgID, ledger.RoleAdmin, "admin@example.com")
	f.seedMember(t, orgID, ledger.RoleOrganizer, "first@example.com")

	result, membership, err := f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID,
		Email: "second@example.com",
		Role:  ledger.RoleOrganizer,
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.NotNil(t, membership)
	require.True(t, membership.PendingInvitation())

	// One included seat, two billable organizers: one additional seat, and the
	// provider quantity is the total of two.
	sub, err := f.store.GetOrgSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.EqualValues(t, 1, sub.AdditionalSeats)
	require.EqualValues(t, 2, sub.TotalSeats())

	require.Len(t, f.provider.QuantityCalls, 1)
	require.Equal(t, "sub_org_1", f.provider.QuantityCalls[0].ExternalID)
	require.EqualValues(t, 2, f.provider.QuantityCalls[0].Quantity)
}

func TestInviteMember_AdminDoesNotOccupySeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)

	result, _, err := f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID,
		Email: "admin@example.com",
		Role:  ledger.RoleAdmin,
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)

	sub, err := f.store.GetOrgSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.Zero(t, sub.AdditionalSeats)
	require.Empty(t, f.provider.QuantityCalls)
}

func TestInviteMember_SelfPayerDoesNotOccupySeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixedSeatCatalog())
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)
	f.seedMember(t, orgID, ledger.RoleOrganizer, "first@example.com")

	// At the cap, but a self-paying member takes no organization seat.
	result, membership, err := f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID:        orgID,
		Email:        "self@example.com",
		Role:         ledger.RoleOrganizer,
		BillingPayer: ledger.PayerSelf,
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.NotNil(t, membership)
	require.Empty(t, f.provider.QuantityCalls)
}

func TestInviteMember_FixedSeatPlanDeniesAtCap(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixedSeatCatalog())
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)
	f.seedMember(t, orgID, ledger.RoleOrganizer, "first@example.com")

	result, membership, err := f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID,
		Email: "second@example.com",
		Role:  ledger.RoleOrganizer,
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeSeatLimitReached, result.Code)
	require.EqualValues(t, 1, *result.Limit)
	require.EqualValues(t, 1, result.CurrentUsage)
	require.Nil(t, membership)

	// A denied invite writes nothing.
	memberships, err := f.store.ListMemberships(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
}

func TestInviteMember_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 5)
	f.seedMember(t, orgID, ledger.RoleOrganizer, "dup@example.com")

	_, _, err := f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID, Email: "x@example.com", Role: ledger.RoleOwner,
	})
	require.ErrorIs(t, err, seats.ErrInvalidRole)

	_, _, err = f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID, Email: "x@example.com", Role: ledger.MembershipRole("janitor"),
	})
	require.ErrorIs(t, err, seats.ErrInvalidRole)

	_, _, err = f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID, Email: "DUP@example.com", Role: ledger.RoleMember,
	})
	require.ErrorIs(t, err, seats.ErrAlreadyMember)

	_, _, err = f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: uuid.New(), Email: "x@example.com", Role: ledger.RoleMember,
	})
	require.ErrorIs(t, err, seats.ErrNoOrgSubscription)
}

func TestRemoveMember_ReleasesSeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)
	f.seedMember(t, orgID, ledger.RoleOrganizer, "first@example.com")
	extra := f.seedMember(t, orgID, ledger.RoleOrganizer, "second@example.com")

	_, err := f.engine.Recompute(context.Background(), orgID)
	require.NoError(t, err)
	sub, err := f.store.GetOrgSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.EqualValues(t, 1, sub.AdditionalSeats)

	require.NoError(t, f.engine.RemoveMember(context.Background(), extra.ID))

	sub, err = f.store.GetOrgSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.Zero(t, sub.AdditionalSeats)
	require.EqualValues(t, 1, sub.TotalSeats())

	// Removal is idempotent.
	require.NoError(t, f.engine.RemoveMember(context.Background(), extra.ID))

	last := f.provider.QuantityCalls[len(f.provider.QuantityCalls)-1]
	require.EqualValues(t, 1, last.Quantity)
}

func TestActivateMember(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 5)

	_, membership, err := f.engine.InviteMember(context.Background(), seats.InviteRequest{
		OrgID: orgID,
		Email: "invitee@example.com",
		Role:  ledger.RoleOrganizer,
	})
	require.NoError(t, err)
	require.False(t, membership.IsActive)

	userID := uuid.New()
	activated, err := f.engine.ActivateMember(context.Background(), membership.ID, userID)
	require.NoError(t, err)
	require.True(t, activated.IsActive)
	require.NotNil(t, activated.UserID)
	require.Equal(t, userID, *activated.UserID)

	// Pending invitations already counted; activation does not change totals.
	sub, err := f.store.GetOrgSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.Zero(t, sub.AdditionalSeats)
}

func TestActivateMember_RemovedMembership(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 5)
	m := f.seedMember(t, orgID, ledger.RoleOrganizer, "gone@example.com")
	require.NoError(t, f.engine.RemoveMember(context.Background(), m.ID))

	_, err := f.engine.ActivateMember(context.Background(), m.ID, uuid.New())
	require.ErrorIs(t, err, seats.ErrMembershipRemoved)
}

func TestChangeRole_BecomingBillableIsSeatChecked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fixedSeatCatalog())
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)
	f.seedMember(t, orgID, ledger.RoleOrganizer, "first@example.com")
	admin := f.seedMember(t, orgID, ledger.RoleAdmin, "admin@example.com")

	result, err := f.engine.ChangeRole(context.Background(), admin.ID, ledger.RoleOrganizer)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeSeatLimitReached, result.Code)

	// The role is unchanged after a denial.
	m, err := f.store.GetMembership(context.Background(), admin.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.RoleAdmin, m.Role)
}

func TestChangeRole_UpdatesSeatCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 1)
	f.seedMember(t, orgID, ledger.RoleOrganizer, "first@example.com")
	second := f.seedMember(t, orgID, ledger.RoleOrganizer, "second@example.com")

	_, err := f.engine.Recompute(context.Background(), orgID)
	require.NoError(t, err)

	// Demoting the second organizer to admin frees the extra seat.
	result, err := f.engine.ChangeRole(context.Background(), second.ID, ledger.RoleAdmin)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	sub, err := f.store.GetOrgSubscription(context.Background(), orgID)
	require.NoError(t, err)
	require.Zero(t, sub.AdditionalSeats)
}

func TestRecompute_NoProviderSubscriptionSkipsPush(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	require.NoError(t, f.store.SaveOrgSubscription(context.Background(), &ledger.OrganizationSubscription{
		OrgID:         orgID,
		Plan:          plan.PlanOrganization,
		Status:        ledger.StatusActive,
		IncludedSeats: 1,
	}))
	f.seedMember(t, orgID, ledger.RoleOrganizer, "a@example.com")
	f.seedMember(t, orgID, ledger.RoleOrganizer, "b@example.com")

	sub, err := f.engine.Recompute(context.Background(), orgID)
	require.NoError(t, err)
	require.EqualValues(t, 1, sub.AdditionalSeats)
	require.Empty(t, f.provider.QuantityCalls)
}

func TestRecompute_MissingOrg(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.engine.Recompute(context.Background(), uuid.New())
	require.ErrorIs(t, err, seats.ErrNoOrgSubscription)
}

func TestBillableSeats_CountsOnlySeatHolders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	orgID := uuid.New()
	f.seedOrg(t, orgID, 5)

	f.seedMember(t, orgID, ledger.RoleAdmin, "admin@example.com")
	f.seedMember(t, orgID, ledger.RoleOrganizer, "organizer@example.com")
	f.seedMember(t, orgID, ledger.RoleCourseManager, "cm@example.com")
	removed := f.seedMember(t, orgID, ledger.RoleMember, "removed@example.com")
	require.NoError(t, f.engine.RemoveMember(context.Background(), removed.ID))

	selfPay := f.seedMember(t, orgID, ledger.RoleMember, "self@example.com")
	selfPay.BillingPayer = ledger.PayerSelf
	require.NoError(t, f.store.UpdateMembership(context.Background(), selfPay))

	billable, err := f.engine.BillableSeats(context.Background(), orgID)
	require.NoError(t, err)
	require.EqualValues(t, 2, billable)
}
