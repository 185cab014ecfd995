package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds Paddle credentials.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements CheckoutProvider against Paddle. Outbound
// subscription management goes through Stripe; Paddle is wired for hosted
// checkout, portal links and webhook ingestion only.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a Paddle-backed checkout provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

// CreateCheckoutLink creates a hosted checkout transaction. The engine
// account ID rides along in custom data so webhooks can be attributed.
func (p *PaddleProvider) CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceRef == "" {
		return nil, fmt.Errorf("%w: price ref is required", ErrInvalidCheckout)
	}
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account ID is required", ErrInvalidCheckout)
	}

	quantity := int(req.Quantity)
	if quantity < 1 {
		quantity = 1
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceRef,
		Quantity: quantity,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"account_id": req.AccountID,
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, fmt.Errorf("%w: no checkout URL returned", ErrProviderFailure)
	}

	return &CheckoutLink{
		URL:       *transaction.Checkout.URL,
		SessionID: transaction.ID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetCustomerPortalLink creates a customer portal session. Paddle has no
// return URL concept, so returnURL is ignored.
func (p *PaddleProvider) GetCustomerPortalLink(ctx context.Context, customerID, _ string) (*PortalLink, error) {
	if customerID == "" {
		return nil, errors.New("customer ID is required")
	}

	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderFailure, err)
	}

	if session.URLs.General.Overview == "" {
		return nil, fmt.Errorf("%w: no portal URL returned", ErrProviderFailure)
	}

	return &PortalLink{
		URL:       session.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// ParseWebhook validates the Paddle signature and normalizes the event.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrInvalidWebhook, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidWebhook, err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidWebhook)
	}

	var paddleEvent struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt time.Time      `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrInvalidWebhook, err)
	}

	event := &Event{
		Type:          mapPaddleEventType(paddleEvent.EventType),
		ProviderEvent: paddleEvent.EventType,
		OccurredAt:    paddleEvent.OccurredAt,
		Raw:           paddleEvent.Data,
	}

	if customData, ok := paddleEvent.Data["custom_data"].(map[string]any); ok {
		if accountID, ok := customData["account_id"].(string); ok {
			event.AccountID = accountID
		}
	}
	if status, ok := paddleEvent.Data["status"].(string); ok {
		event.Status = status
	}
	if customerID, ok := paddleEvent.Data["customer_id"].(string); ok {
		event.ExternalCustomerID = customerID
	}

	switch {
	case strings.HasPrefix(paddleEvent.EventType, "subscription."):
		if subID, ok := paddleEvent.Data["id"].(string); ok {
			event.ExternalSubscriptionID = subID
		}
		if items, ok := paddleEvent.Data["items"].([]any); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				if price, ok := item["price"].(map[string]any); ok {
					if priceID, ok := price["id"].(string); ok {
						event.PriceRef = priceID
					}
				}
			}
		}
		if period, ok := paddleEvent.Data["current_billing_period"].(map[string]any); ok {
			if t := parsePaddleTime(period["starts_at"]); t != nil {
				event.PeriodStart = t
			}
			if t := parsePaddleTime(period["ends_at"]); t != nil {
				event.PeriodEnd = t
			}
		}

	case strings.HasPrefix(paddleEvent.EventType, "transaction."):
		if txnID, ok := paddleEvent.Data["id"].(string); ok {
			event.TransactionID = txnID
		}
		if subID, ok := paddleEvent.Data["subscription_id"].(string); ok {
			event.ExternalSubscriptionID = subID
		}
		if details, ok := paddleEvent.Data["details"].(map[string]any); ok {
			if totals, ok := details["totals"].(map[string]any); ok {
				if total, ok := totals["total"].(string); ok {
					fmt.Sscanf(total, "%d", &event.AmountCents)
				}
				if currency, ok := totals["currency_code"].(string); ok {
					event.Currency = currency
				}
			}
		}
	}

	return event, nil
}

func parsePaddleTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.updated", "subscription.resumed":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionCanceled
	// A completed transaction is a settled payment. Activation rides on
	// subscription.created, which carries the price items this event lacks.
	case "transaction.completed", "transaction.payment_succeeded":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	default:
		return EventType(paddleEvent)
	}
}
