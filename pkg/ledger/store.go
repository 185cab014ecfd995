package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSubscriptionNotFound      = errors.New("ledger: subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("ledger: subscription already exists")
	ErrOrgSubscriptionNotFound   = errors.New("ledger: organization subscription not found")
	ErrMembershipNotFound        = errors.New("ledger: membership not found")
	ErrPaymentMethodNotFound     = errors.New("ledger: payment method not found")
	ErrDuplicateNotification     = errors.New("ledger: notification already recorded")
	ErrDuplicatePayment          = errors.New("ledger: payment already recorded")
)

// SubscriptionStore persists the subscription ledger. Get/Create/Update cover
// plain reads and writes; WithLock is the serialization point for the atomic
// check-and-increment: the callback runs with exclusive access to the one
// subscription row (SELECT ... FOR UPDATE in Postgres, a per-account mutex in
// memory) and its mutations are persisted iff it returns nil. Callbacks must
// not perform network I/O.
type SubscriptionStore interface {
	Get(ctx context.Context, accountID uuid.UUID) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	Update(ctx context.Context, sub *Subscription) error
	WithLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, sub *Subscription) error) error

	FindByExternalID(ctx context.Context, externalSubID string) (*Subscription, error)

	// Sweep queries for the lifecycle manager.
	DueForUsageReset(ctx context.Context, now time.Time) ([]*Subscription, error)
	ExpiredTrials(ctx context.Context, now time.Time) ([]*Subscription, error)
	DueScheduledChanges(ctx context.Context, now time.Time) ([]*Subscription, error)
}

// OrganizationStore persists organization subscriptions and memberships.
type OrganizationStore interface {
	GetOrgSubscription(ctx context.Context, orgID uuid.UUID) (*OrganizationSubscription, error)
	SaveOrgSubscription(ctx context.Context, sub *OrganizationSubscription) error

	GetMembership(ctx context.Context, id uuid.UUID) (*OrganizationMembership, error)
	ListMemberships(ctx context.Context, orgID uuid.UUID) ([]*OrganizationMembership, error)
	CreateMembership(ctx context.Context, m *OrganizationMembership) error
	UpdateMembership(ctx context.Context, m *OrganizationMembership) error
}

// PaymentStore persists payment records and instruments.
type PaymentStore interface {
	// RecordPayment inserts a payment record; returns ErrDuplicatePayment if
	// the external transaction id is already known (webhook redelivery).
	RecordPayment(ctx context.Context, p *PaymentRecord) error
	ListPayments(ctx context.Context, from, to time.Time) ([]*PaymentRecord, error)

	ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]*PaymentMethod, error)
	UpdatePaymentMethod(ctx context.Context, pm *PaymentMethod) error
	// ExpiredDefaultPaymentMethods lists default instruments whose expiry has
	// passed, for the payment-method expiry sweep.
	ExpiredDefaultPaymentMethods(ctx context.Context, now time.Time) ([]*PaymentMethod, error)
}

// NotificationStore persists notification decisions for idempotency.
type NotificationStore interface {
	// RecordNotification inserts a record; returns ErrDuplicateNotification
	// when the (account, dedupe key) pair already exists.
	RecordNotification(ctx context.Context, n *NotificationRecord) error
	ListNotifications(ctx context.Context, accountID uuid.UUID) ([]*NotificationRecord, error)
}

// Store is the full ledger surface the engine is wired with.
type Store interface {
	SubscriptionStore
	OrganizationStore
	PaymentStore
	NotificationStore
}

type composedStore struct {
	SubscriptionStore
	OrganizationStore
	PaymentStore
	NotificationStore
}

// Compose assembles a Store from independent parts, so the subscription half
// can be wrapped (e.g. with the redis cache) without touching the rest.
func Compose(subs SubscriptionStore, orgs OrganizationStore, payments PaymentStore, notifications NotificationStore) Store {
	return composedStore{
		SubscriptionStore: subs,
		OrganizationStore: orgs,
		PaymentStore:      payments,
		NotificationStore: notifications,
	}
}
