package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eventlane/entitlements/pkg/ledger"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to ledger.Status }{
		{ledger.StatusIncomplete, ledger.StatusTrialing},
		{ledger.StatusIncomplete, ledger.StatusActive},
		{ledger.StatusIncomplete, ledger.StatusCanceled},
		{ledger.StatusTrialing, ledger.StatusActive},
		{ledger.StatusTrialing, ledger.StatusCanceled},
		{ledger.StatusActive, ledger.StatusPastDue},
		{ledger.StatusActive, ledger.StatusCanceled},
		{ledger.StatusPastDue, ledger.StatusActive},
		{ledger.StatusPastDue, ledger.StatusCanceled},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s must be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to ledger.Status }{
		{ledger.StatusCanceled, ledger.StatusActive},
		{ledger.StatusCanceled, ledger.StatusTrialing},
		{ledger.StatusCanceled, ledger.StatusPastDue},
		{ledger.StatusActive, ledger.StatusTrialing},
		{ledger.StatusActive, ledger.StatusIncomplete},
		{ledger.StatusPastDue, ledger.StatusTrialing},
		{ledger.StatusTrialing, ledger.StatusPastDue},
	}
	for _, tc := range denied {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s must be denied", tc.from, tc.to)
	}
}

func TestCanTransition_SelfTransitionsAllowed(t *testing.T) {
	t.Parallel()

	for _, status := range []ledger.Status{
		ledger.StatusIncomplete,
		ledger.StatusTrialing,
		ledger.StatusActive,
		ledger.StatusPastDue,
		ledger.StatusCanceled,
	} {
		require.True(t, CanTransition(status, status), "%s -> %s must settle as a no-op", status, status)
	}
}

func TestTransition_StampsCancellation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sub := &ledger.Subscription{Status: ledger.StatusActive}

	require.NoError(t, transition(sub, ledger.StatusCanceled, ledger.ReasonUserRequested, now))
	require.Equal(t, ledger.StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	require.Equal(t, now, *sub.CanceledAt)
	require.Equal(t, ledger.ReasonUserRequested, sub.CancellationReason)
}

func TestTransition_SelfTransitionKeepsMetadata(t *testing.T) {
	t.Parallel()

	earlier := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	now := earlier.AddDate(0, 1, 0)
	sub := &ledger.Subscription{
		Status:             ledger.StatusCanceled,
		CanceledAt:         &earlier,
		CancellationReason: ledger.ReasonPaymentFailed,
	}

	// A redelivered cancel event must not re-stamp the row.
	require.NoError(t, transition(sub, ledger.StatusCanceled, ledger.ReasonUserRequested, now))
	require.Equal(t, earlier, *sub.CanceledAt)
	require.Equal(t, ledger.ReasonPaymentFailed, sub.CancellationReason)
}

func TestTransition_InvalidMove(t *testing.T) {
	t.Parallel()

	sub := &ledger.Subscription{Status: ledger.StatusCanceled}
	err := transition(sub, ledger.StatusActive, "", time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, ledger.StatusCanceled, sub.Status)
}
