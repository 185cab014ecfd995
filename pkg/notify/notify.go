package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/ledger"
)

// Kind names a notification decision made by the engine.
type Kind string

const (
	KindTrialExpired         Kind = "trial_expired"
	KindPaymentFailed        Kind = "payment_failed"
	KindPaymentMethodExpired Kind = "payment_method_expired"
	KindSubscriptionActive   Kind = "subscription_activated"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindSubscriptionRenewed  Kind = "subscription_renewed"
	KindPlanChangeApplied    Kind = "plan_change_applied"
)

// Notification is the payload of a notification decision. The engine decides
// *that* a notification fires and with what data; delivery is a collaborator
// concern behind Deliverer.
type Notification struct {
	AccountID uuid.UUID
	Kind      Kind
	// DedupeKey makes repeated sweeps idempotent: two notifications with the
	// same (account, key) collapse into one. Callers derive it from the
	// triggering fact, e.g. "trial_expired/<trial end timestamp>".
	DedupeKey string
	Data      map[string]any
}

// Deliverer sends a notification through one channel (email, in-app, ...).
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// Manager records notification decisions in the ledger and fans them out to
// deliverers. The ledger record is the idempotency gate: a duplicate dedupe
// key means the notification already fired and nothing is delivered again.
// Delivery failures are logged, never propagated: a failed email must not
// abort the sweep that triggered it.
type Manager struct {
	store      ledger.NotificationStore
	deliverers []Deliverer
	log        *slog.Logger
	now        func() time.Time
}

// NewManager creates a notification manager.
func NewManager(store ledger.NotificationStore, log *slog.Logger, deliverers ...Deliverer) *Manager {
	if store == nil {
		panic("notify: notification store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:      store,
		deliverers: deliverers,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Notify records the decision and delivers it. Returns nil when the
// notification was already recorded earlier (idempotent re-run).
func (m *Manager) Notify(ctx context.Context, n Notification) error {
	rec := &ledger.NotificationRecord{
		AccountID: n.AccountID,
		Kind:      string(n.Kind),
		DedupeKey: n.DedupeKey,
		Payload:   n.Data,
		CreatedAt: m.now(),
	}

	if err := m.store.RecordNotification(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateNotification) {
			return nil
		}
		return err
	}

	for _, d := range m.deliverers {
		if err := d.Deliver(ctx, n); err != nil {
			m.log.ErrorContext(ctx, "notification delivery failed",
				"account_id", n.AccountID, "kind", n.Kind, "error", err)
		}
	}
	return nil
}
