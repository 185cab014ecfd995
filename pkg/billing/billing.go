// Package billing abstracts external payment providers behind narrow
// interfaces. The engine never talks to a provider SDK directly: webhooks
// arrive as normalized Events, and outbound calls (checkout links, quantity
// updates, cancellations) go through Provider implementations.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidWebhook     = errors.New("invalid webhook payload")
	ErrInvalidCheckout    = errors.New("invalid checkout request")
	ErrProviderFailure    = errors.New("billing provider request failed")
	ErrSubscriptionRemote = errors.New("remote subscription lookup failed")
)

// EventType is the normalized webhook event classification. Provider-specific
// event names are mapped into this small set; anything unmapped keeps its raw
// name and is ignored by the lifecycle manager.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventPaymentSucceeded     EventType = "payment.succeeded"
	EventPaymentFailed        EventType = "payment.failed"
)

// Event is a provider webhook normalized into engine vocabulary.
type Event struct {
	Type                   EventType
	ProviderEvent          string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	// AccountID carries the engine account identity round-tripped through
	// provider metadata, when present.
	AccountID string
	Status    string
	PriceRef  string
	// Transaction fields are set for payment events.
	TransactionID string
	AmountCents   int64
	Currency      string

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	OccurredAt  time.Time
	Raw         map[string]any
}

// CheckoutRequest describes a hosted checkout session to create.
type CheckoutRequest struct {
	AccountID  string
	Email      string
	PriceRef   string
	Quantity   int64
	TrialDays  int
	SuccessURL string
	CancelURL  string
}

// CheckoutLink is a hosted checkout session.
type CheckoutLink struct {
	URL       string    `json:"url"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PortalLink points at the provider's self-service customer portal.
type PortalLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RemoteSubscription is the provider's view of a subscription, used when
// converging local state with the provider.
type RemoteSubscription struct {
	ExternalID  string
	CustomerID  string
	Status      string
	PriceRef    string
	Quantity    int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	CancelAtEnd bool
}

// Transaction is a settled provider-side payment, used by reconciliation.
type Transaction struct {
	ExternalID             string
	ExternalSubscriptionID string
	AmountCents            int64
	Currency               string
	Status                 string
	OccurredAt             time.Time
}

// CheckoutProvider covers the inbound half of a provider integration:
// hosted checkout, customer portal, and webhook parsing.
type CheckoutProvider interface {
	CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)
	GetCustomerPortalLink(ctx context.Context, customerID, returnURL string) (*PortalLink, error)
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// Provider is a full provider integration including outbound subscription
// management. Quantity updates back seat accounting; price changes back
// scheduled plan changes.
type Provider interface {
	CheckoutProvider
	GetSubscription(ctx context.Context, externalID string) (*RemoteSubscription, error)
	UpdateQuantity(ctx context.Context, externalID string, quantity int64) error
	ChangePrice(ctx context.Context, externalID, priceRef string) error
	CancelSubscription(ctx context.Context, externalID string) error
}

// TransactionLister exposes settled payments for a time window. Used by the
// reconciliation service; kept separate from Provider because not every
// provider integration needs it.
type TransactionLister interface {
	ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error)
}

// Refunder issues refunds against settled transactions.
type Refunder interface {
	Refund(ctx context.Context, externalTransactionID string, amountCents int64) error
}
