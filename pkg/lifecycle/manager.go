package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/notify"
	"github.com/eventlane/entitlements/pkg/plan"
)

var (
	ErrUnknownPlan      = errors.New("lifecycle: unknown plan")
	ErrPlanNotPublic    = errors.New("lifecycle: plan not available for signup")
	ErrInvalidInterval  = errors.New("lifecycle: invalid billing interval")
	ErrAlreadyOnPlan    = errors.New("lifecycle: account already on this plan")
	ErrNoSubscription   = errors.New("lifecycle: no subscription for account")
	ErrNotCancellable   = errors.New("lifecycle: subscription cannot be canceled")
	ErrProviderRequired = errors.New("lifecycle: operation requires a billing provider")
)

// Manager drives subscription state: signup and plan changes, webhook
// convergence, and the periodic sweeps. All local mutations happen under the
// store's row lock; provider calls happen outside it, after the local commit.
type Manager struct {
	store    ledger.Store
	plans    map[plan.ID]plan.Plan
	provider billing.Provider
	notifier *notify.Manager
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithProvider wires the external billing provider. Without it the manager
// still runs, but operations that must reach the provider return
// ErrProviderRequired and sweeps skip their provider pushes.
func WithProvider(p billing.Provider) Option {
	return func(m *Manager) { m.provider = p }
}

// WithNotifier wires the notification manager.
func WithNotifier(n *notify.Manager) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager.
func NewManager(ctx context.Context, src plan.Source, store ledger.Store, opts ...Option) (*Manager, error) {
	if src == nil {
		panic("lifecycle: plan source is required")
	}
	if store == nil {
		panic("lifecycle: store is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store: store,
		plans: plans,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SubscribeRequest describes a signup for a paid plan.
type SubscribeRequest struct {
	AccountID   uuid.UUID
	AccountType ledger.AccountType
	Plan        plan.ID
	Interval    plan.BillingInterval
	Email       string
	SuccessURL  string
	CancelURL   string
}

// Subscribe starts a paid signup by creating a hosted checkout session.
// The subscription itself is created or upgraded when the provider's
// completion webhook arrives; until then the account keeps its current state.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) (*billing.CheckoutLink, error) {
	target, ok := m.plans[req.Plan]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, req.Plan)
	}
	if !target.Public {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotPublic, req.Plan)
	}
	if !req.Interval.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, req.Interval)
	}
	if m.provider == nil {
		return nil, ErrProviderRequired
	}

	if sub, err := m.store.Get(ctx, req.AccountID); err == nil {
		if sub.IsActive() && sub.Plan == req.Plan && sub.Interval == req.Interval {
			return nil, ErrAlreadyOnPlan
		}
	} else if !errors.Is(err, ledger.ErrSubscriptionNotFound) {
		return nil, err
	}

	quantity := int64(1)
	if req.AccountType == ledger.AccountOrganization && target.IncludedSeats > 0 {
		quantity = target.IncludedSeats
	}

	link, err := m.provider.CreateCheckoutLink(ctx, billing.CheckoutRequest{
		AccountID:  req.AccountID.String(),
		Email:      req.Email,
		PriceRef:   target.PriceRef(req.Interval),
		Quantity:   quantity,
		TrialDays:  target.TrialDays,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "checkout session created",
		"account_id", req.AccountID, "plan", req.Plan, "interval", req.Interval)
	return link, nil
}

// ChangePlan moves the account to a different paid plan. Upgrades (higher
// monthly price) apply immediately and are pushed to the provider; anything
// else is scheduled for the end of the current period. Downgrading to the
// free plan goes through the capability service's guarded downgrade, not here.
func (m *Manager) ChangePlan(ctx context.Context, accountID uuid.UUID, target plan.ID, interval plan.BillingInterval) error {
	next, ok := m.plans[target]
	if !ok || target == plan.PlanAttendee {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, target)
	}
	if !interval.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	sub, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return ErrNoSubscription
		}
		return err
	}
	if !sub.IsActive() {
		return ErrNoSubscription
	}
	if sub.Plan == target && sub.Interval == interval && !sub.HasScheduledChange() {
		return ErrAlreadyOnPlan
	}

	current, hasCurrent := m.plans[sub.Plan]
	immediate := !hasCurrent || next.MonthlyPrice.Amount > current.MonthlyPrice.Amount

	var externalID string
	err = m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		if !locked.IsActive() {
			return ErrNoSubscription
		}
		externalID = locked.ExternalSubscriptionID
		if immediate {
			locked.Plan = target
			locked.Interval = interval
			locked.PendingPlan = nil
			locked.PendingInterval = nil
			locked.PendingChangeAt = nil
			return nil
		}
		changeAt := locked.CurrentPeriodEnd
		locked.PendingPlan = &target
		locked.PendingInterval = &interval
		locked.PendingChangeAt = &changeAt
		return nil
	})
	if err != nil {
		return err
	}

	if immediate && m.provider != nil && externalID != "" {
		if err := m.provider.ChangePrice(ctx, externalID, next.PriceRef(interval)); err != nil {
			m.log.ErrorContext(ctx, "provider price change failed",
				"account_id", accountID, "plan", target, "error", err)
		}
	}

	m.log.InfoContext(ctx, "plan change requested",
		"account_id", accountID, "plan", target, "interval", interval, "immediate", immediate)
	return nil
}

// Cancel ends the subscription at the user's request. The provider is
// canceled first so a failed remote call never strands a locally-canceled
// subscription that keeps billing.
func (m *Manager) Cancel(ctx context.Context, accountID uuid.UUID) error {
	sub, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return ErrNoSubscription
		}
		return err
	}
	if sub.Status == ledger.StatusCanceled {
		return ErrNotCancellable
	}

	if sub.ExternalSubscriptionID != "" {
		if m.provider == nil {
			return ErrProviderRequired
		}
		if err := m.provider.CancelSubscription(ctx, sub.ExternalSubscriptionID); err != nil {
			return err
		}
	}

	now := m.now()
	err = m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		return transition(locked, ledger.StatusCanceled, ledger.ReasonUserRequested, now)
	})
	if err != nil {
		return err
	}

	m.notify(ctx, notify.Notification{
		AccountID: accountID,
		Kind:      notify.KindSubscriptionCanceled,
		DedupeKey: fmt.Sprintf("canceled/%d", now.Unix()),
	})
	m.log.InfoContext(ctx, "subscription canceled", "account_id", accountID, "reason", ledger.ReasonUserRequested)
	return nil
}

// notify fires a notification when a notifier is wired; failures are logged.
func (m *Manager) notify(ctx context.Context, n notify.Notification) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.log.ErrorContext(ctx, "notification failed",
			"account_id", n.AccountID, "kind", n.Kind, "error", err)
	}
}

// planByPriceRef resolves a provider price reference back to a plan and
// billing interval.
func (m *Manager) planByPriceRef(priceRef string) (plan.ID, plan.BillingInterval, bool) {
	if priceRef == "" {
		return "", "", false
	}
	for id, p := range m.plans {
		switch priceRef {
		case p.MonthlyPriceRef:
			return id, plan.IntervalMonth, true
		case p.YearlyPriceRef:
			return id, plan.IntervalYear, true
		}
	}
	return "", "", false
}
