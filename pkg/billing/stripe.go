package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	billingportalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/charge"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/refund"
	stripesubscription "github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// StripeProvider implements Provider, TransactionLister and Refunder
// against Stripe.
type StripeProvider struct {
	config StripeConfig
}

// NewStripeProvider creates a Stripe-backed billing provider.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if config.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}

	stripe.Key = config.SecretKey

	return &StripeProvider{config: config}, nil
}

// CreateCheckoutLink creates a hosted checkout session in subscription mode.
// The engine account ID rides along in session metadata so the completion
// webhook can be attributed without a customer lookup.
func (p *StripeProvider) CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceRef == "" {
		return nil, fmt.Errorf("%w: price ref is required", ErrInvalidCheckout)
	}
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account ID is required", ErrInvalidCheckout)
	}

	quantity := req.Quantity
	if quantity < 1 {
		quantity = 1
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(quantity),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata: map[string]string{
			"account_id": req.AccountID,
		},
	}
	params.Context = ctx

	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.TrialDays > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(int64(req.TrialDays)),
			Metadata: map[string]string{
				"account_id": req.AccountID,
			},
		}
	} else {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"account_id": req.AccountID,
			},
		}
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}

	return &CheckoutLink{
		URL:       sess.URL,
		SessionID: sess.ID,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}, nil
}

// GetCustomerPortalLink creates a billing portal session.
func (p *StripeProvider) GetCustomerPortalLink(ctx context.Context, customerID, returnURL string) (*PortalLink, error) {
	if customerID == "" {
		return nil, errors.New("customer ID is required")
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := billingportalsession.New(params)
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}

	return &PortalLink{
		URL:       sess.URL,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetSubscription fetches the provider's current view of a subscription.
func (p *StripeProvider) GetSubscription(ctx context.Context, externalID string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := stripesubscription.Get(externalID, params)
	if err != nil {
		return nil, errors.Join(ErrSubscriptionRemote, err)
	}
	return remoteFromStripe(sub), nil
}

// UpdateQuantity sets the seat quantity on the subscription's single line
// item. Stripe requires the item ID, so the subscription is fetched first.
func (p *StripeProvider) UpdateQuantity(ctx context.Context, externalID string, quantity int64) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx

	sub, err := stripesubscription.Get(externalID, getParams)
	if err != nil {
		return errors.Join(ErrSubscriptionRemote, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("%w: subscription %s has no items", ErrProviderFailure, externalID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:       stripe.String(sub.Items.Data[0].ID),
				Quantity: stripe.Int64(quantity),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx

	if _, err := stripesubscription.Update(externalID, params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

// ChangePrice swaps the subscription's line item to a different price,
// keeping the existing quantity.
func (p *StripeProvider) ChangePrice(ctx context.Context, externalID, priceRef string) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx

	sub, err := stripesubscription.Get(externalID, getParams)
	if err != nil {
		return errors.Join(ErrSubscriptionRemote, err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("%w: subscription %s has no items", ErrProviderFailure, externalID)
	}

	item := sub.Items.Data[0]
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:       stripe.String(item.ID),
				Price:    stripe.String(priceRef),
				Quantity: stripe.Int64(item.Quantity),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx

	if _, err := stripesubscription.Update(externalID, params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

// CancelSubscription cancels immediately, without a final invoice.
func (p *StripeProvider) CancelSubscription(ctx context.Context, externalID string) error {
	params := &stripe.SubscriptionCancelParams{
		InvoiceNow: stripe.Bool(false),
		Prorate:    stripe.Bool(false),
	}
	params.Context = ctx

	if _, err := stripesubscription.Cancel(externalID, params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

// ListTransactions returns succeeded charges in [from, to).
func (p *StripeProvider) ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	params := &stripe.ChargeListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Context = ctx

	var out []Transaction
	iter := charge.List(params)
	for iter.Next() {
		c := iter.Charge()
		if c.Status != "succeeded" {
			continue
		}
		txn := Transaction{
			ExternalID:  c.ID,
			AmountCents: c.Amount,
			Currency:    string(c.Currency),
			Status:      string(c.Status),
			OccurredAt:  time.Unix(c.Created, 0).UTC(),
		}
		if c.Invoice != nil && c.Invoice.Subscription != nil {
			txn.ExternalSubscriptionID = c.Invoice.Subscription.ID
		}
		out = append(out, txn)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}
	return out, nil
}

// Refund refunds a charge. A zero amount refunds the full charge.
func (p *StripeProvider) Refund(ctx context.Context, externalTransactionID string, amountCents int64) error {
	params := &stripe.RefundParams{
		Charge: stripe.String(externalTransactionID),
	}
	params.Context = ctx
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}

	if _, err := refund.New(params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

func remoteFromStripe(sub *stripe.Subscription) *RemoteSubscription {
	remote := &RemoteSubscription{
		ExternalID:  sub.ID,
		Status:      string(sub.Status),
		PeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		remote.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		remote.Quantity = item.Quantity
		if item.Price != nil {
			remote.PriceRef = item.Price.ID
		}
	}
	return remote
}

// ParseWebhook verifies the Stripe signature and normalizes the event.
func (p *StripeProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	if err != nil {
		return nil, errors.Join(ErrInvalidWebhook, err)
	}

	event := &Event{
		ProviderEvent: string(stripeEvent.Type),
		OccurredAt:    time.Unix(stripeEvent.Created, 0).UTC(),
	}
	if len(stripeEvent.Data.Raw) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(stripeEvent.Data.Raw, &raw); err == nil {
			event.Raw = raw
		}
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sess); err != nil {
			return nil, errors.Join(ErrInvalidWebhook, err)
		}
		event.Type = EventSubscriptionCreated
		event.AccountID = sess.Metadata["account_id"]
		if sess.Subscription != nil {
			event.ExternalSubscriptionID = sess.Subscription.ID
		}
		if sess.Customer != nil {
			event.ExternalCustomerID = sess.Customer.ID
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrInvalidWebhook, err)
		}
		switch stripeEvent.Type {
		case "customer.subscription.created":
			event.Type = EventSubscriptionCreated
		case "customer.subscription.deleted":
			event.Type = EventSubscriptionCanceled
		default:
			event.Type = EventSubscriptionUpdated
		}
		event.ExternalSubscriptionID = sub.ID
		event.Status = string(sub.Status)
		event.AccountID = sub.Metadata["account_id"]
		if sub.Customer != nil {
			event.ExternalCustomerID = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			event.PriceRef = sub.Items.Data[0].Price.ID
		}
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		event.PeriodStart = &start
		event.PeriodEnd = &end

	case "invoice.paid", "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(stripeEvent.Data.Raw, &invoice); err != nil {
			return nil, errors.Join(ErrInvalidWebhook, err)
		}
		if stripeEvent.Type == "invoice.paid" {
			event.Type = EventPaymentSucceeded
			event.AmountCents = invoice.AmountPaid
		} else {
			event.Type = EventPaymentFailed
			event.AmountCents = invoice.AmountDue
		}
		event.Currency = string(invoice.Currency)
		if invoice.Subscription != nil {
			event.ExternalSubscriptionID = invoice.Subscription.ID
		}
		if invoice.Customer != nil {
			event.ExternalCustomerID = invoice.Customer.ID
		}
		if invoice.Charge != nil {
			event.TransactionID = invoice.Charge.ID
		} else {
			event.TransactionID = invoice.ID
		}
		end := time.Unix(invoice.PeriodEnd, 0).UTC()
		event.PeriodEnd = &end

	default:
		event.Type = EventType(stripeEvent.Type)
	}

	return event, nil
}
