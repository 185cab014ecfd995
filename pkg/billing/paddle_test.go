package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapPaddleEventType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		paddleEvent string
		want        EventType
	}{
		{"subscription.created", EventSubscriptionCreated},
		{"subscription.updated", EventSubscriptionUpdated},
		{"subscription.resumed", EventSubscriptionUpdated},
		{"subscription.canceled", EventSubscriptionCanceled},
		// Settled transactions are payments: the transaction payload has no
		// price items, so it must not drive the created flow.
		{"transaction.completed", EventPaymentSucceeded},
		{"transaction.payment_succeeded", EventPaymentSucceeded},
		{"transaction.payment_failed", EventPaymentFailed},
		{"address.created", EventType("address.created")},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, mapPaddleEventType(tc.paddleEvent), tc.paddleEvent)
	}
}
