package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/eventlane/entitlements/pkg/ledger"
)

var ErrInvalidTransition = errors.New("lifecycle: invalid status transition")

// validTransitions is the subscription status machine. Canceled is terminal:
// a new paid subscription re-enters through incomplete/trialing, it never
// reanimates a canceled row's status in place.
var validTransitions = map[ledger.Status][]ledger.Status{
	ledger.StatusIncomplete: {ledger.StatusTrialing, ledger.StatusActive, ledger.StatusCanceled},
	ledger.StatusTrialing:   {ledger.StatusActive, ledger.StatusCanceled},
	ledger.StatusActive:     {ledger.StatusPastDue, ledger.StatusCanceled},
	ledger.StatusPastDue:    {ledger.StatusActive, ledger.StatusCanceled},
	ledger.StatusCanceled:   {},
}

// CanTransition reports whether from -> to is a legal status move.
// Self-transitions are always allowed; they are how idempotent webhook
// redeliveries settle.
func CanTransition(from, to ledger.Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves the subscription to the target status, stamping
// cancellation metadata when the target is canceled.
func transition(sub *ledger.Subscription, to ledger.Status, reason string, now time.Time) error {
	if !CanTransition(sub.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, to)
	}
	if sub.Status == to {
		return nil
	}
	sub.Status = to
	if to == ledger.StatusCanceled {
		sub.CanceledAt = &now
		sub.CancellationReason = reason
	}
	return nil
}
