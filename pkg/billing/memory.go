package billing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider for tests and local development.
// It records outbound calls and serves canned remote subscriptions and
// transactions.
type MemoryProvider struct {
	mu sync.Mutex

	Subscriptions map[string]*RemoteSubscription
	Transactions  []Transaction

	QuantityCalls []QuantityCall
	PriceCalls    []PriceCall
	CancelCalls   []string
	RefundCalls   []RefundCall

	// FailNext makes the next outbound call return an error, for testing
	// best-effort paths.
	FailNext error
}

type QuantityCall struct {
	ExternalID string
	Quantity   int64
}

type PriceCall struct {
	ExternalID string
	PriceRef   string
}

type RefundCall struct {
	ExternalTransactionID string
	AmountCents           int64
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		Subscriptions: make(map[string]*RemoteSubscription),
	}
}

func (p *MemoryProvider) takeFailure() error {
	err := p.FailNext
	p.FailNext = nil
	return err
}

func (p *MemoryProvider) CreateCheckoutLink(_ context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	if req.PriceRef == "" {
		return nil, fmt.Errorf("%w: price ref is required", ErrInvalidCheckout)
	}
	return &CheckoutLink{
		URL:       "https://checkout.local/" + req.PriceRef,
		SessionID: "sess_" + req.AccountID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *MemoryProvider) GetCustomerPortalLink(_ context.Context, customerID, _ string) (*PortalLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	return &PortalLink{
		URL:       "https://portal.local/" + customerID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *MemoryProvider) ParseWebhook(_ context.Context, payload []byte, _ string) (*Event, error) {
	return nil, fmt.Errorf("%w: memory provider does not parse webhooks", ErrInvalidWebhook)
}

func (p *MemoryProvider) GetSubscription(_ context.Context, externalID string) (*RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	sub, ok := p.Subscriptions[externalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionRemote, externalID)
	}
	cp := *sub
	return &cp, nil
}

func (p *MemoryProvider) UpdateQuantity(_ context.Context, externalID string, quantity int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	p.QuantityCalls = append(p.QuantityCalls, QuantityCall{ExternalID: externalID, Quantity: quantity})
	if sub, ok := p.Subscriptions[externalID]; ok {
		sub.Quantity = quantity
	}
	return nil
}

func (p *MemoryProvider) ChangePrice(_ context.Context, externalID, priceRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	p.PriceCalls = append(p.PriceCalls, PriceCall{ExternalID: externalID, PriceRef: priceRef})
	if sub, ok := p.Subscriptions[externalID]; ok {
		sub.PriceRef = priceRef
	}
	return nil
}

func (p *MemoryProvider) CancelSubscription(_ context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	p.CancelCalls = append(p.CancelCalls, externalID)
	if sub, ok := p.Subscriptions[externalID]; ok {
		sub.Status = "canceled"
	}
	return nil
}

func (p *MemoryProvider) ListTransactions(_ context.Context, from, to time.Time) ([]Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return nil, err
	}
	var out []Transaction
	for _, txn := range p.Transactions {
		if txn.OccurredAt.Before(from) || !txn.OccurredAt.Before(to) {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

func (p *MemoryProvider) Refund(_ context.Context, externalTransactionID string, amountCents int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure(); err != nil {
		return err
	}
	p.RefundCalls = append(p.RefundCalls, RefundCall{ExternalTransactionID: externalTransactionID, AmountCents: amountCents})
	return nil
}
