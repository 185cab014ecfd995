package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/notify"
	"github.com/eventlane/entitlements/pkg/plan"
)

var ErrUnattributableEvent = errors.New("lifecycle: event cannot be attributed to an account")

// ApplyProviderEvent converges local subscription state with a normalized
// provider webhook. The provider is the source of truth for paid
// subscriptions: statuses and period bounds in the event win over local
// state, subject to the transition table. Redelivered events settle as
// no-ops through self-transitions and the payment/notification dedupe keys.
func (m *Manager) ApplyProviderEvent(ctx context.Context, event *billing.Event) error {
	if event == nil {
		return nil
	}

	switch event.Type {
	case billing.EventSubscriptionCreated:
		return m.applySubscriptionCreated(ctx, event)
	case billing.EventSubscriptionUpdated:
		return m.applySubscriptionUpdated(ctx, event)
	case billing.EventSubscriptionCanceled:
		return m.applySubscriptionCanceled(ctx, event)
	case billing.EventPaymentSucceeded:
		return m.applyPaymentSucceeded(ctx, event)
	case billing.EventPaymentFailed:
		return m.applyPaymentFailed(ctx, event)
	default:
		m.log.DebugContext(ctx, "ignoring provider event", "event", event.ProviderEvent)
		return nil
	}
}

func (m *Manager) applySubscriptionCreated(ctx context.Context, event *billing.Event) error {
	accountID, err := m.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	now := m.now()
	planID, interval, known := m.planByPriceRef(event.PriceRef)

	sub, err := m.store.Get(ctx, accountID)
	if errors.Is(err, ledger.ErrSubscriptionNotFound) {
		sub = ledger.NewAttendeeSubscription(accountID, ledger.AccountUser, now)
		if known && planID == plan.PlanOrganization {
			sub.AccountType = ledger.AccountOrganization
		}
		if err := m.store.Create(ctx, sub); err != nil && !errors.Is(err, ledger.ErrSubscriptionAlreadyExists) {
			return err
		}
	} else if err != nil {
		return err
	}

	err = m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		// Counters start fresh only when the event attaches a remote
		// subscription the row has not seen; a redelivered created event
		// must leave usage accrued since the first delivery intact.
		newRemote := locked.ExternalSubscriptionID != event.ExternalSubscriptionID
		locked.ExternalSubscriptionID = event.ExternalSubscriptionID
		locked.ExternalCustomerID = event.ExternalCustomerID
		if known {
			locked.Plan = planID
			locked.Interval = interval
		}
		applyPeriod(locked, event)

		target := providerStatus(event.Status)
		if target == "" {
			target = ledger.StatusActive
		}
		if target == ledger.StatusTrialing && event.PeriodEnd != nil {
			locked.TrialEndsAt = event.PeriodEnd
		}
		// A paid signup on a previously canceled account re-enters the
		// machine rather than transitioning out of the terminal state.
		if locked.Status == ledger.StatusCanceled {
			locked.Status = ledger.StatusIncomplete
			locked.CanceledAt = nil
			locked.CancellationReason = ""
		}
		if newRemote {
			locked.ResetUsage(m.now())
		}
		return transition(locked, target, "", m.now())
	})
	if err != nil {
		return err
	}

	m.notify(ctx, notify.Notification{
		AccountID: accountID,
		Kind:      notify.KindSubscriptionActive,
		DedupeKey: "activated/" + event.ExternalSubscriptionID,
		Data:      map[string]any{"plan": string(planID)},
	})
	m.log.InfoContext(ctx, "subscription activated from provider",
		"account_id", accountID, "plan", planID, "external_id", event.ExternalSubscriptionID)
	return nil
}

func (m *Manager) applySubscriptionUpdated(ctx context.Context, event *billing.Event) error {
	accountID, err := m.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	return m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		if planID, interval, known := m.planByPriceRef(event.PriceRef); known {
			locked.Plan = planID
			locked.Interval = interval
		}
		applyPeriod(locked, event)

		target := providerStatus(event.Status)
		if target == "" || target == locked.Status {
			return nil
		}
		if !CanTransition(locked.Status, target) {
			m.log.WarnContext(ctx, "provider status ignored by transition table",
				"account_id", locked.AccountID, "from", locked.Status, "to", target)
			return nil
		}
		reason := ""
		if target == ledger.StatusCanceled {
			reason = ledger.ReasonPaymentFailed
		}
		return transition(locked, target, reason, m.now())
	})
}

func (m *Manager) applySubscriptionCanceled(ctx context.Context, event *billing.Event) error {
	accountID, err := m.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	var alreadyCanceled bool
	err = m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		if locked.Status == ledger.StatusCanceled {
			alreadyCanceled = true
			return nil
		}
		reason := ledger.ReasonUserRequested
		if locked.Status == ledger.StatusPastDue {
			reason = ledger.ReasonPaymentFailed
		}
		return transition(locked, ledger.StatusCanceled, reason, m.now())
	})
	if err != nil {
		return err
	}
	if alreadyCanceled {
		return nil
	}

	m.notify(ctx, notify.Notification{
		AccountID: accountID,
		Kind:      notify.KindSubscriptionCanceled,
		DedupeKey: "canceled/" + event.ExternalSubscriptionID,
	})
	m.log.InfoContext(ctx, "subscription canceled by provider",
		"account_id", accountID, "external_id", event.ExternalSubscriptionID)
	return nil
}

func (m *Manager) applyPaymentSucceeded(ctx context.Context, event *billing.Event) error {
	accountID, err := m.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	if event.TransactionID != "" {
		err := m.store.RecordPayment(ctx, &ledger.PaymentRecord{
			ID:                    uuid.New(),
			AccountID:             accountID,
			ExternalTransactionID: event.TransactionID,
			Amount:                event.AmountCents,
			Currency:              event.Currency,
			Status:                "succeeded",
			CreatedAt:             event.OccurredAt,
		})
		if errors.Is(err, ledger.ErrDuplicatePayment) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	var renewed bool
	err = m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		if event.PeriodEnd != nil && event.PeriodEnd.After(locked.CurrentPeriodEnd) {
			locked.CurrentPeriodStart = locked.CurrentPeriodEnd
			locked.CurrentPeriodEnd = *event.PeriodEnd
			renewed = true
		}
		switch locked.Status {
		case ledger.StatusPastDue, ledger.StatusTrialing, ledger.StatusIncomplete:
			return transition(locked, ledger.StatusActive, "", m.now())
		}
		return nil
	})
	if err != nil {
		return err
	}

	if renewed {
		m.notify(ctx, notify.Notification{
			AccountID: accountID,
			Kind:      notify.KindSubscriptionRenewed,
			DedupeKey: "renewed/" + event.TransactionID,
			Data:      map[string]any{"amount": event.AmountCents, "currency": event.Currency},
		})
	}
	return nil
}

func (m *Manager) applyPaymentFailed(ctx context.Context, event *billing.Event) error {
	accountID, err := m.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	err = m.store.WithLock(ctx, accountID, func(_ context.Context, locked *ledger.Subscription) error {
		if locked.Status != ledger.StatusActive {
			return nil
		}
		return transition(locked, ledger.StatusPastDue, "", m.now())
	})
	if err != nil {
		return err
	}

	m.notify(ctx, notify.Notification{
		AccountID: accountID,
		Kind:      notify.KindPaymentFailed,
		DedupeKey: "payment_failed/" + event.TransactionID,
		Data:      map[string]any{"amount": event.AmountCents, "currency": event.Currency},
	})
	m.log.WarnContext(ctx, "payment failed",
		"account_id", accountID, "transaction_id", event.TransactionID)
	return nil
}

// resolveAccount attributes an event to a local account, preferring the
// metadata round-trip over the external subscription id lookup.
func (m *Manager) resolveAccount(ctx context.Context, event *billing.Event) (uuid.UUID, error) {
	if event.AccountID != "" {
		if id, err := uuid.Parse(event.AccountID); err == nil {
			return id, nil
		}
	}
	if event.ExternalSubscriptionID != "" {
		sub, err := m.store.FindByExternalID(ctx, event.ExternalSubscriptionID)
		if err == nil {
			return sub.AccountID, nil
		}
		if !errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return uuid.Nil, err
		}
	}
	return uuid.Nil, fmt.Errorf("%w: %s", ErrUnattributableEvent, event.ProviderEvent)
}

func applyPeriod(sub *ledger.Subscription, event *billing.Event) {
	if event.PeriodStart != nil {
		sub.CurrentPeriodStart = *event.PeriodStart
	}
	if event.PeriodEnd != nil {
		sub.CurrentPeriodEnd = *event.PeriodEnd
	}
}

// providerStatus maps a provider status string to the local status machine.
// Unknown statuses map to the empty string and are ignored.
func providerStatus(status string) ledger.Status {
	switch status {
	case "trialing":
		return ledger.StatusTrialing
	case "active":
		return ledger.StatusActive
	case "past_due", "unpaid":
		return ledger.StatusPastDue
	case "canceled", "cancelled":
		return ledger.StatusCanceled
	case "incomplete", "incomplete_expired":
		return ledger.StatusIncomplete
	}
	return ""
}
