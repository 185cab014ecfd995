package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/plan"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newSubscription(accountID uuid.UUID) *ledger.Subscription {
	return &ledger.Subscription{
		AccountID:          accountID,
		AccountType:        ledger.AccountUser,
		Plan:               plan.PlanOrganizer,
		Status:             ledger.StatusActive,
		Interval:           plan.IntervalMonth,
		CurrentPeriodStart: testNow,
		CurrentPeriodEnd:   testNow.AddDate(0, 1, 0),
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
}

func TestMemoryStore_CreateGetUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()

	_, err := store.Get(ctx, accountID)
	require.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)

	sub := newSubscription(accountID)
	require.NoError(t, store.Create(ctx, sub))
	require.ErrorIs(t, store.Create(ctx, sub), ledger.ErrSubscriptionAlreadyExists)

	got, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanOrganizer, got.Plan)

	// Reads hand out copies: mutating one must not leak into the store.
	got.EventsCreatedThisPeriod = 99
	again, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Zero(t, again.EventsCreatedThisPeriod)

	got.EventsCreatedThisPeriod = 3
	require.NoError(t, store.Update(ctx, got))
	again, err = store.Get(ctx, accountID)
	require.NoError(t, err)
	require.EqualValues(t, 3, again.EventsCreatedThisPeriod)

	require.ErrorIs(t, store.Update(ctx, newSubscription(uuid.New())), ledger.ErrSubscriptionNotFound)
}

func TestMemoryStore_WithLockPersistsOnNil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	require.NoError(t, store.Create(ctx, newSubscription(accountID)))

	err := store.WithLock(ctx, accountID, func(_ context.Context, sub *ledger.Subscription) error {
		sub.EventsCreatedThisPeriod = 7
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.EqualValues(t, 7, got.EventsCreatedThisPeriod)
}

func TestMemoryStore_WithLockDiscardsOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	require.NoError(t, store.Create(ctx, newSubscription(accountID)))

	boom := errors.New("abort")
	err := store.WithLock(ctx, accountID, func(_ context.Context, sub *ledger.Subscription) error {
		sub.EventsCreatedThisPeriod = 7
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Zero(t, got.EventsCreatedThisPeriod)
}

func TestMemoryStore_WithLockSerializes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	require.NoError(t, store.Create(ctx, newSubscription(accountID)))

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithLock(ctx, accountID, func(_ context.Context, sub *ledger.Subscription) error {
				sub.IncrementUsage(ledger.UsageEvents)
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.EqualValues(t, workers, got.EventsCreatedThisPeriod)
}

func TestMemoryStore_FindByExternalID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	sub := newSubscription(accountID)
	sub.ExternalSubscriptionID = "sub_ext_1"
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.FindByExternalID(ctx, "sub_ext_1")
	require.NoError(t, err)
	require.Equal(t, accountID, got.AccountID)

	_, err = store.FindByExternalID(ctx, "sub_unknown")
	require.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)

	// An empty external id never matches rows that have none set.
	require.NoError(t, store.Create(ctx, newSubscription(uuid.New())))
	_, err = store.FindByExternalID(ctx, "")
	require.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)
}

func TestMemoryStore_SweepFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()

	// Period ended and never reset: due.
	due := newSubscription(uuid.New())
	due.CurrentPeriodStart = testNow.AddDate(0, -1, -1)
	due.CurrentPeriodEnd = testNow.AddDate(0, 0, -1)
	require.NoError(t, store.Create(ctx, due))

	// Period ended but already reset past the boundary: not due.
	alreadyReset := newSubscription(uuid.New())
	alreadyReset.CurrentPeriodEnd = testNow.AddDate(0, 0, -1)
	resetAt := testNow.Add(-time.Hour)
	alreadyReset.LastUsageResetAt = &resetAt
	require.NoError(t, store.Create(ctx, alreadyReset))

	// Period still running: not due.
	running := newSubscription(uuid.New())
	require.NoError(t, store.Create(ctx, running))

	dueList, err := store.DueForUsageReset(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	require.Equal(t, due.AccountID, dueList[0].AccountID)

	// Trials: trialing with a past end date qualifies, active does not.
	pastEnd := testNow.Add(-time.Minute)
	futureEnd := testNow.AddDate(0, 0, 7)
	expiredTrial := newSubscription(uuid.New())
	expiredTrial.Status = ledger.StatusTrialing
	expiredTrial.TrialEndsAt = &pastEnd
	require.NoError(t, store.Create(ctx, expiredTrial))

	liveTrial := newSubscription(uuid.New())
	liveTrial.Status = ledger.StatusTrialing
	liveTrial.TrialEndsAt = &futureEnd
	require.NoError(t, store.Create(ctx, liveTrial))

	trials, err := store.ExpiredTrials(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	require.Equal(t, expiredTrial.AccountID, trials[0].AccountID)

	// Scheduled changes: only those whose time has come.
	duePlan := plan.PlanLMS
	dueAt := testNow.Add(-time.Minute)
	futureAt := testNow.AddDate(0, 0, 3)

	dueChange := newSubscription(uuid.New())
	dueChange.PendingPlan = &duePlan
	dueChange.PendingChangeAt = &dueAt
	require.NoError(t, store.Create(ctx, dueChange))

	futureChange := newSubscription(uuid.New())
	futureChange.PendingPlan = &duePlan
	futureChange.PendingChangeAt = &futureAt
	require.NoError(t, store.Create(ctx, futureChange))

	changes, err := store.DueScheduledChanges(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, dueChange.AccountID, changes[0].AccountID)
}

func TestMemoryStore_PaymentDedupe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()

	rec := &ledger.PaymentRecord{
		AccountID:             uuid.New(),
		ExternalTransactionID: "txn_1",
		Amount:                2900,
		Currency:              "USD",
		Status:                "succeeded",
		CreatedAt:             testNow,
	}
	require.NoError(t, store.RecordPayment(ctx, rec))

	dup := *rec
	require.ErrorIs(t, store.RecordPayment(ctx, &dup), ledger.ErrDuplicatePayment)

	payments, err := store.ListPayments(ctx, testNow.Add(-time.Hour), testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, payments, 1)
}

func TestMemoryStore_NotificationDedupe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()

	rec := &ledger.NotificationRecord{
		AccountID: accountID,
		Kind:      "trial_expired",
		DedupeKey: "trial_expired/1754049600",
		CreatedAt: testNow,
	}
	require.NoError(t, store.RecordNotification(ctx, rec))

	dup := *rec
	require.ErrorIs(t, store.RecordNotification(ctx, &dup), ledger.ErrDuplicateNotification)

	// Same key under another account is a different notification.
	other := *rec
	other.AccountID = uuid.New()
	require.NoError(t, store.RecordNotification(ctx, &other))

	list, err := store.ListNotifications(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestPaymentMethod_Expired(t *testing.T) {
	t.Parallel()

	// A card expires at the end of its expiry month.
	pm := &ledger.PaymentMethod{ExpMonth: 8, ExpYear: 2026}
	require.False(t, pm.Expired(time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)))
	require.True(t, pm.Expired(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))

	// No expiry on file never counts as expired.
	blank := &ledger.PaymentMethod{}
	require.False(t, blank.Expired(testNow))
}

func TestMemoryStore_Memberships(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	orgID := uuid.New()

	_, err := store.GetMembership(ctx, uuid.New())
	require.ErrorIs(t, err, ledger.ErrMembershipNotFound)

	m := &ledger.OrganizationMembership{
		OrgID:           orgID,
		InvitationEmail: "a@example.com",
		Role:            ledger.RoleOrganizer,
		BillingPayer:    ledger.PayerOrganization,
		CreatedAt:       testNow,
	}
	require.NoError(t, store.CreateMembership(ctx, m))
	require.NotEqual(t, uuid.Nil, m.ID)

	list, err := store.ListMemberships(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	other, err := store.ListMemberships(ctx, uuid.New())
	require.NoError(t, err)
	require.Empty(t, other)

	m.Role = ledger.RoleAdmin
	require.NoError(t, store.UpdateMembership(ctx, m))
	got, err := store.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.RoleAdmin, got.Role)
}
