package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventlane/entitlements/pkg/billing"
)

func TestMemoryProvider_Checkout(t *testing.T) {
	t.Parallel()

	p := billing.NewMemoryProvider()

	link, err := p.CreateCheckoutLink(context.Background(), billing.CheckoutRequest{
		AccountID: "acct_1",
		PriceRef:  "price_organizer_month",
	})
	require.NoError(t, err)
	require.Contains(t, link.URL, "price_organizer_month")
	require.NotEmpty(t, link.SessionID)

	_, err = p.CreateCheckoutLink(context.Background(), billing.CheckoutRequest{AccountID: "acct_1"})
	require.ErrorIs(t, err, billing.ErrInvalidCheckout)
}

func TestMemoryProvider_FailNext(t *testing.T) {
	t.Parallel()

	p := billing.NewMemoryProvider()
	boom := errors.New("outage")

	p.FailNext = boom
	require.ErrorIs(t, p.UpdateQuantity(context.Background(), "sub_1", 3), boom)

	// The failure is consumed; the next call succeeds and is recorded.
	require.NoError(t, p.UpdateQuantity(context.Background(), "sub_1", 3))
	require.Len(t, p.QuantityCalls, 1)
}

func TestMemoryProvider_ListTransactionsWindow(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	p := billing.NewMemoryProvider()
	p.Transactions = []billing.Transaction{
		{ExternalID: "before", OccurredAt: from.Add(-time.Second)},
		{ExternalID: "at_start", OccurredAt: from},
		{ExternalID: "inside", OccurredAt: from.Add(12 * time.Hour)},
		{ExternalID: "at_end", OccurredAt: to},
	}

	// The window is half-open: [from, to).
	got, err := p.ListTransactions(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "at_start", got[0].ExternalID)
	require.Equal(t, "inside", got[1].ExternalID)
}

func TestMemoryProvider_SubscriptionState(t *testing.T) {
	t.Parallel()

	p := billing.NewMemoryProvider()
	p.Subscriptions["sub_1"] = &billing.RemoteSubscription{
		ExternalID: "sub_1",
		Status:     "active",
		PriceRef:   "price_organizer_month",
		Quantity:   1,
	}

	require.NoError(t, p.ChangePrice(context.Background(), "sub_1", "price_lms_month"))
	require.NoError(t, p.UpdateQuantity(context.Background(), "sub_1", 4))
	require.NoError(t, p.CancelSubscription(context.Background(), "sub_1"))

	sub, err := p.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	require.Equal(t, "price_lms_month", sub.PriceRef)
	require.EqualValues(t, 4, sub.Quantity)
	require.Equal(t, "canceled", sub.Status)

	_, err = p.GetSubscription(context.Background(), "sub_missing")
	require.ErrorIs(t, err, billing.ErrSubscriptionRemote)
}
