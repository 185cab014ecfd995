package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/notify"
	"github.com/eventlane/entitlements/pkg/plan"
)

// The sweeps are the engine's clock-driven half: anything webhooks cannot be
// trusted to deliver on time (usage resets, trial expiry, scheduled changes,
// card expiry) is converged periodically. Every sweep is idempotent and
// re-checks its predicate under the row lock, so overlapping runs and crashed
// half-runs are safe. A failure on one account is logged and the sweep moves
// on; one poisoned row must not starve the rest.

// ResetUsageForPeriod zeroes usage counters for subscriptions whose billing
// period has ended and rolls their period window forward. Returns the number
// of subscriptions reset.
func (m *Manager) ResetUsageForPeriod(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.store.DueForUsageReset(ctx, now)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, candidate := range due {
		err := m.store.WithLock(ctx, candidate.AccountID, func(_ context.Context, locked *ledger.Subscription) error {
			if now.Before(locked.CurrentPeriodEnd) {
				return errSkipped
			}
			if locked.LastUsageResetAt != nil && !locked.LastUsageResetAt.Before(locked.CurrentPeriodEnd) {
				return errSkipped
			}
			locked.ResetUsage(now)
			// Free-plan periods are purely local; paid periods get corrected
			// by the next provider webhook if this drifts.
			for !now.Before(locked.CurrentPeriodEnd) {
				locked.CurrentPeriodStart = locked.CurrentPeriodEnd
				locked.CurrentPeriodEnd = addInterval(locked.CurrentPeriodEnd, locked.Interval)
			}
			return nil
		})
		switch {
		case err == nil:
			reset++
		case err == errSkipped:
		default:
			m.log.ErrorContext(ctx, "usage reset failed",
				"account_id", candidate.AccountID, "error", err)
		}
	}

	if reset > 0 {
		m.log.InfoContext(ctx, "usage counters reset", "count", reset)
	}
	return reset, nil
}

// ExpireTrials cancels trials that ran out without converting and drops the
// account to the free plan. Each expiry produces exactly one notification,
// keyed by the trial's end time.
func (m *Manager) ExpireTrials(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.store.ExpiredTrials(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range due {
		var trialEnd time.Time
		err := m.store.WithLock(ctx, candidate.AccountID, func(_ context.Context, locked *ledger.Subscription) error {
			if !locked.IsTrialExpired(now) {
				return errSkipped
			}
			trialEnd = *locked.TrialEndsAt
			if err := transition(locked, ledger.StatusCanceled, ledger.ReasonTrialExpired, now); err != nil {
				return err
			}
			locked.Plan = plan.PlanAttendee
			locked.PendingPlan = nil
			locked.PendingInterval = nil
			locked.PendingChangeAt = nil
			locked.ResetUsage(now)
			return nil
		})
		switch {
		case err == nil:
			expired++
			m.notify(ctx, notify.Notification{
				AccountID: candidate.AccountID,
				Kind:      notify.KindTrialExpired,
				DedupeKey: fmt.Sprintf("trial_expired/%d", trialEnd.Unix()),
			})
		case err == errSkipped:
		default:
			m.log.ErrorContext(ctx, "trial expiry failed",
				"account_id", candidate.AccountID, "error", err)
		}
	}

	if expired > 0 {
		m.log.InfoContext(ctx, "trials expired", "count", expired)
	}
	return expired, nil
}

// ApplyScheduledChanges applies plan changes whose scheduled time has
// arrived: the pending plan becomes current, usage resets for the new
// period, and the provider is told about the new price after commit.
func (m *Manager) ApplyScheduledChanges(ctx context.Context) (int, error) {
	now := m.now()
	due, err := m.store.DueScheduledChanges(ctx, now)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, candidate := range due {
		var (
			externalID string
			newPlan    plan.ID
			priceRef   string
			changeAt   time.Time
		)
		err := m.store.WithLock(ctx, candidate.AccountID, func(_ context.Context, locked *ledger.Subscription) error {
			if locked.PendingChangeAt == nil || now.Before(*locked.PendingChangeAt) {
				return errSkipped
			}
			changeAt = *locked.PendingChangeAt
			locked.Plan = *locked.PendingPlan
			if locked.PendingInterval != nil {
				locked.Interval = *locked.PendingInterval
			}
			locked.PendingPlan = nil
			locked.PendingInterval = nil
			locked.PendingChangeAt = nil

			locked.CurrentPeriodStart = changeAt
			locked.CurrentPeriodEnd = addInterval(changeAt, locked.Interval)
			locked.ResetUsage(now)

			externalID = locked.ExternalSubscriptionID
			newPlan = locked.Plan
			if p, ok := m.plans[locked.Plan]; ok {
				priceRef = p.PriceRef(locked.Interval)
			}
			return nil
		})
		switch {
		case err == nil:
			applied++
			if m.provider != nil && externalID != "" && priceRef != "" {
				if err := m.provider.ChangePrice(ctx, externalID, priceRef); err != nil {
					m.log.ErrorContext(ctx, "provider price change failed",
						"account_id", candidate.AccountID, "plan", newPlan, "error", err)
				}
			}
			m.notify(ctx, notify.Notification{
				AccountID: candidate.AccountID,
				Kind:      notify.KindPlanChangeApplied,
				DedupeKey: fmt.Sprintf("plan_change/%s/%d", newPlan, changeAt.Unix()),
				Data:      map[string]any{"plan": string(newPlan)},
			})
		case err == errSkipped:
		default:
			m.log.ErrorContext(ctx, "scheduled change failed",
				"account_id", candidate.AccountID, "error", err)
		}
	}

	if applied > 0 {
		m.log.InfoContext(ctx, "scheduled plan changes applied", "count", applied)
	}
	return applied, nil
}

// HandleExpiredPaymentMethods demotes expired default instruments, promotes
// the next live one when available, and notifies the account once per
// instrument.
func (m *Manager) HandleExpiredPaymentMethods(ctx context.Context) (int, error) {
	now := m.now()
	expired, err := m.store.ExpiredDefaultPaymentMethods(ctx, now)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, pm := range expired {
		pm.IsDefault = false
		if err := m.store.UpdatePaymentMethod(ctx, pm); err != nil {
			m.log.ErrorContext(ctx, "payment method demotion failed",
				"account_id", pm.AccountID, "payment_method_id", pm.ID, "error", err)
			continue
		}

		methods, err := m.store.ListPaymentMethods(ctx, pm.AccountID)
		if err != nil {
			m.log.ErrorContext(ctx, "payment method listing failed",
				"account_id", pm.AccountID, "error", err)
		} else {
			for _, next := range methods {
				if next.ID == pm.ID || next.Expired(now) {
					continue
				}
				next.IsDefault = true
				if err := m.store.UpdatePaymentMethod(ctx, next); err != nil {
					m.log.ErrorContext(ctx, "payment method promotion failed",
						"account_id", pm.AccountID, "payment_method_id", next.ID, "error", err)
				}
				break
			}
		}

		handled++
		m.notify(ctx, notify.Notification{
			AccountID: pm.AccountID,
			Kind:      notify.KindPaymentMethodExpired,
			DedupeKey: "payment_method_expired/" + pm.ID.String(),
			Data:      map[string]any{"brand": pm.Brand, "last4": pm.Last4},
		})
	}

	if handled > 0 {
		m.log.InfoContext(ctx, "expired payment methods handled", "count", handled)
	}
	return handled, nil
}

// errSkipped aborts a lock callback without persisting, for candidates whose
// predicate no longer holds under the lock.
var errSkipped = fmt.Errorf("lifecycle: sweep candidate skipped")

func addInterval(t time.Time, interval plan.BillingInterval) time.Time {
	if interval == plan.IntervalYear {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
