package capability_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/capability"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/plan"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store *ledger.MemoryStore, opts ...capability.Option) *capability.Service {
	t.Helper()
	opts = append(opts, capability.WithClock(func() time.Time { return testNow }))
	svc, err := capability.NewService(context.Background(),
		plan.NewInMemSource(plan.DefaultCatalog()), store, opts...)
	require.NoError(t, err)
	return svc
}

func seedSubscription(t *testing.T, store *ledger.MemoryStore, sub *ledger.Subscription) {
	t.Helper()
	if sub.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = testNow.AddDate(0, 0, -10)
	}
	if sub.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = testNow.AddDate(0, 0, 20)
	}
	require.NoError(t, store.Create(context.Background(), sub))
}

func TestCheckAndIncrementEvent_NoSubscription(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, ledger.NewMemoryStore())

	result, err := svc.CheckAndIncrementEvent(context.Background(), uuid.New())
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeNoSubscription, result.Code)
}

func TestCheckAndIncrementEvent_AtLimit(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:               accountID,
		AccountType:             ledger.AccountUser,
		Plan:                    plan.PlanOrganizer,
		Status:                  ledger.StatusActive,
		Interval:                plan.IntervalMonth,
		EventsCreatedThisPeriod: 5,
	})
	svc := newTestService(t, store)

	result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeEventLimitReached, result.Code)
	require.NotNil(t, result.Limit)
	require.EqualValues(t, 5, *result.Limit)
	require.EqualValues(t, 5, result.CurrentUsage)
	require.NotNil(t, result.Remaining)
	require.EqualValues(t, 0, *result.Remaining)

	// Denied checks must not consume a slot.
	sub, err := store.Get(context.Background(), accountID)
	require.NoError(t, err)
	require.EqualValues(t, 5, sub.EventsCreatedThisPeriod)
}

func TestCheckAndIncrementEvent_GrantsAndCounts(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:   accountID,
		AccountType: ledger.AccountUser,
		Plan:        plan.PlanOrganizer,
		Status:      ledger.StatusActive,
		Interval:    plan.IntervalMonth,
	})
	svc := newTestService(t, store)

	result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.EqualValues(t, 1, result.CurrentUsage)
	require.NotNil(t, result.Remaining)
	require.EqualValues(t, 4, *result.Remaining)

	sub, err := store.Get(context.Background(), accountID)
	require.NoError(t, err)
	require.EqualValues(t, 1, sub.EventsCreatedThisPeriod)
}

func TestCheckAndIncrementEvent_ConcurrentAtBoundary(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:               accountID,
		AccountType:             ledger.AccountUser,
		Plan:                    plan.PlanOrganizer,
		Status:                  ledger.StatusActive,
		Interval:                plan.IntervalMonth,
		EventsCreatedThisPeriod: 2,
	})
	svc := newTestService(t, store)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
			if err != nil {
				errs <- err
				return
			}
			if result.Allowed {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Limit 5, usage started at 2: exactly 3 callers win, the counter never
	// overshoots.
	require.Equal(t, 3, successes)
	sub, err := store.Get(context.Background(), accountID)
	require.NoError(t, err)
	require.EqualValues(t, 5, sub.EventsCreatedThisPeriod)
}

func TestCheckAndIncrementEvent_UnlimitedPlan(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:               accountID,
		AccountType:             ledger.AccountOrganization,
		Plan:                    plan.PlanOrganization,
		Status:                  ledger.StatusActive,
		Interval:                plan.IntervalMonth,
		EventsCreatedThisPeriod: 10_000,
	})
	svc := newTestService(t, store)

	result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Nil(t, result.Limit)
	require.Nil(t, result.Remaining)
	require.EqualValues(t, 10_001, result.CurrentUsage)
}

func TestCheckAndIncrementEvent_FeatureNotOnPlan(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:   accountID,
		AccountType: ledger.AccountUser,
		Plan:        plan.PlanAttendee,
		Status:      ledger.StatusActive,
		Interval:    plan.IntervalMonth,
	})
	svc := newTestService(t, store)

	result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodePlanUpgradeRequired, result.Code)
}

func TestCheckAndIncrementCourse_OrganizerHasZeroLimit(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:   accountID,
		AccountType: ledger.AccountUser,
		Plan:        plan.PlanOrganizer,
		Status:      ledger.StatusActive,
		Interval:    plan.IntervalMonth,
	})
	svc := newTestService(t, store)

	// The organizer plan does not carry the course feature at all.
	result, err := svc.CheckAndIncrementCourse(context.Background(), accountID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodePlanUpgradeRequired, result.Code)
}

func TestCheckAndIncrementEvent_UnknownPlan(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:   accountID,
		AccountType: ledger.AccountUser,
		Plan:        plan.ID("legacy_gold"),
		Status:      ledger.StatusActive,
		Interval:    plan.IntervalMonth,
	})
	svc := newTestService(t, store)

	result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeInvalidPlan, result.Code)
}

func TestCheckAndIncrementEvent_InactiveStatuses(t *testing.T) {
	t.Parallel()

	trialEnd := testNow.AddDate(0, 0, -1)
	tests := []struct {
		name string
		sub  ledger.Subscription
		code capability.Code
	}{
		{
			name: "past due",
			sub:  ledger.Subscription{Status: ledger.StatusPastDue},
			code: capability.CodePaymentRequired,
		},
		{
			name: "canceled after trial",
			sub: ledger.Subscription{
				Status:             ledger.StatusCanceled,
				CancellationReason: ledger.ReasonTrialExpired,
			},
			code: capability.CodeTrialExpired,
		},
		{
			name: "canceled by user",
			sub: ledger.Subscription{
				Status:             ledger.StatusCanceled,
				CancellationReason: ledger.ReasonUserRequested,
			},
			code: capability.CodeSubscriptionCanceled,
		},
		{
			name: "incomplete",
			sub:  ledger.Subscription{Status: ledger.StatusIncomplete},
			code: capability.CodeSubscriptionExpired,
		},
		{
			name: "trial ran out before the sweep",
			sub: ledger.Subscription{
				Status:      ledger.StatusTrialing,
				TrialEndsAt: &trialEnd,
			},
			code: capability.CodeTrialExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := ledger.NewMemoryStore()
			sub := tt.sub
			sub.AccountID = uuid.New()
			sub.AccountType = ledger.AccountUser
			sub.Plan = plan.PlanOrganizer
			sub.Interval = plan.IntervalMonth
			seedSubscription(t, store, &sub)
			svc := newTestService(t, store)

			result, err := svc.CheckAndIncrementEvent(context.Background(), sub.AccountID)
			require.NoError(t, err)
			require.False(t, result.Allowed)
			require.Equal(t, tt.code, result.Code)
		})
	}
}

func TestCheckAndIncrementEvent_OverrideWins(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:               accountID,
		AccountType:             ledger.AccountUser,
		Plan:                    plan.PlanOrganizer,
		Status:                  ledger.StatusActive,
		Interval:                plan.IntervalMonth,
		EventsCreatedThisPeriod: 2,
		LimitsOverride:          &plan.LimitSet{EventsPerPeriod: plan.Limit(2)},
	})
	svc := newTestService(t, store)

	// The per-account override of 2 beats the catalog's 5.
	result, err := svc.CheckAndIncrementEvent(context.Background(), accountID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeEventLimitReached, result.Code)
	require.EqualValues(t, 2, *result.Limit)
}

func TestGetLimits_Precedence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := newTestService(t, store)

	// No subscription at all resolves to strict zero, never unlimited.
	limits, err := svc.GetLimits(ctx, uuid.New())
	require.NoError(t, err)
	require.Equal(t, plan.StrictZero(), limits)

	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:      accountID,
		AccountType:    ledger.AccountUser,
		Plan:           plan.PlanOrganizer,
		Status:         ledger.StatusActive,
		Interval:       plan.IntervalMonth,
		LimitsOverride: &plan.LimitSet{EventsPerPeriod: plan.Limit(50)},
	})

	limits, err = svc.GetLimits(ctx, accountID)
	require.NoError(t, err)
	require.EqualValues(t, 50, *limits.EventsPerPeriod)
	// Untouched fields fall through to the catalog.
	require.EqualValues(t, 200, *limits.CertificatesPerPeriod)
	require.EqualValues(t, 100, *limits.MaxAttendeesPerEvent)
}

func TestCheckAttendeeCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:   accountID,
		AccountType: ledger.AccountUser,
		Plan:        plan.PlanOrganizer,
		Status:      ledger.StatusActive,
		Interval:    plan.IntervalMonth,
	})
	svc := newTestService(t, store)

	result, err := svc.CheckAttendeeCapacity(ctx, accountID, 99)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.EqualValues(t, 1, *result.Remaining)

	result, err = svc.CheckAttendeeCapacity(ctx, accountID, 100)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeAttendeeLimitReached, result.Code)
	require.EqualValues(t, 100, *result.Limit)

	result, err = svc.CheckAttendeeCapacity(ctx, uuid.New(), 0)
	require.NoError(t, err)
	require.Equal(t, capability.CodeNoSubscription, result.Code)
}

func TestGetOrCreateSubscription_DefaultsToAttendee(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := newTestService(t, store)
	accountID := uuid.New()

	sub, err := svc.GetOrCreateSubscription(ctx, accountID, ledger.AccountUser)
	require.NoError(t, err)
	require.Equal(t, plan.PlanAttendee, sub.Plan)
	require.Equal(t, ledger.StatusActive, sub.Status)

	// Second call returns the same row.
	again, err := svc.GetOrCreateSubscription(ctx, accountID, ledger.AccountUser)
	require.NoError(t, err)
	require.Equal(t, sub.AccountID, again.AccountID)
	require.Equal(t, sub.CreatedAt, again.CreatedAt)
}

type stubContentChecker struct {
	hasContent bool
}

func (s *stubContentChecker) HasActiveContent(context.Context, uuid.UUID) (bool, error) {
	return s.hasContent, nil
}

func TestDowngradeToAttendee_BlockedByActiveContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:   accountID,
		AccountType: ledger.AccountUser,
		Plan:        plan.PlanOrganizer,
		Status:      ledger.StatusActive,
		Interval:    plan.IntervalMonth,
	})
	checker := &stubContentChecker{hasContent: true}
	svc := newTestService(t, store, capability.WithActiveContentChecker(checker))

	result, err := svc.DowngradeToAttendee(ctx, accountID)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, capability.CodeActiveContentExists, result.Code)

	sub, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanOrganizer, sub.Plan)

	// Once the content is gone the downgrade goes through.
	checker.hasContent = false
	result, err = svc.DowngradeToAttendee(ctx, accountID)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	sub, err = store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanAttendee, sub.Plan)
	require.Equal(t, ledger.StatusActive, sub.Status)
	require.Empty(t, sub.ExternalSubscriptionID)
}

func TestDowngradeToAttendee_MissingSubscriptionCreatesOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	svc := newTestService(t, store)
	accountID := uuid.New()

	result, err := svc.DowngradeToAttendee(ctx, accountID)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	sub, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanAttendee, sub.Plan)
}

func TestDowngradeToAttendee_ClearsPendingChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	pendingPlan := plan.PlanLMS
	changeAt := testNow.AddDate(0, 0, 20)
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:              accountID,
		AccountType:            ledger.AccountUser,
		Plan:                   plan.PlanOrganizer,
		Status:                 ledger.StatusActive,
		Interval:               plan.IntervalMonth,
		PendingPlan:            &pendingPlan,
		PendingChangeAt:        &changeAt,
		ExternalSubscriptionID: "sub_ext_1",
	})
	provider := billing.NewMemoryProvider()
	svc := newTestService(t, store, capability.WithSubscriptionCanceler(provider))

	result, err := svc.DowngradeToAttendee(ctx, accountID)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	// The remote side is canceled before the local row lets go of it.
	require.Equal(t, []string{"sub_ext_1"}, provider.CancelCalls)

	sub, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Nil(t, sub.PendingPlan)
	require.Nil(t, sub.PendingChangeAt)
	require.Empty(t, sub.ExternalSubscriptionID)
}

func TestDowngradeToAttendee_ProviderFailureAborts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:              accountID,
		AccountType:            ledger.AccountUser,
		Plan:                   plan.PlanOrganizer,
		Status:                 ledger.StatusActive,
		Interval:               plan.IntervalMonth,
		ExternalSubscriptionID: "sub_ext_1",
	})
	provider := billing.NewMemoryProvider()
	provider.FailNext = billing.ErrProviderFailure
	svc := newTestService(t, store, capability.WithSubscriptionCanceler(provider))

	_, err := svc.DowngradeToAttendee(ctx, accountID)
	require.Error(t, err)

	// The local row is untouched while the remote subscription is live.
	sub, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanOrganizer, sub.Plan)
	require.Equal(t, "sub_ext_1", sub.ExternalSubscriptionID)
}

func TestDowngradeToAttendee_LiveRemoteWithoutProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:              accountID,
		AccountType:            ledger.AccountUser,
		Plan:                   plan.PlanOrganizer,
		Status:                 ledger.StatusActive,
		Interval:               plan.IntervalMonth,
		ExternalSubscriptionID: "sub_ext_1",
	})
	svc := newTestService(t, store)

	_, err := svc.DowngradeToAttendee(ctx, accountID)
	require.ErrorIs(t, err, capability.ErrProviderRequired)
}

func TestDowngradeToAttendee_CanceledRemoteNeedsNoProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	accountID := uuid.New()
	canceledAt := testNow.AddDate(0, 0, -1)
	seedSubscription(t, store, &ledger.Subscription{
		AccountID:              accountID,
		AccountType:            ledger.AccountUser,
		Plan:                   plan.PlanOrganizer,
		Status:                 ledger.StatusCanceled,
		Interval:               plan.IntervalMonth,
		CanceledAt:             &canceledAt,
		ExternalSubscriptionID: "sub_ext_old",
	})
	svc := newTestService(t, store)

	result, err := svc.DowngradeToAttendee(ctx, accountID)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	sub, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	require.Equal(t, plan.PlanAttendee, sub.Plan)
	require.Empty(t, sub.ExternalSubscriptionID)
}
