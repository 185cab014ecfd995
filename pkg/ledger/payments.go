package ledger

import (
	"time"

	"github.com/google/uuid"
)

// PaymentRecord is the local side of the reconciliation ledger: one row per
// charge the engine knows about, keyed by the provider's transaction id.
type PaymentRecord struct {
	ID                    uuid.UUID
	AccountID             uuid.UUID
	ExternalTransactionID string
	Amount                int64
	Currency              string
	Status                string
	CreatedAt             time.Time
}

// PaymentMethod is a stored payment instrument reference. Only the default
// flag and expiry matter to the engine; tokenization lives at the provider.
type PaymentMethod struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	ExternalID string
	Brand      string
	Last4      string
	ExpMonth   int
	ExpYear    int
	IsDefault  bool
	CreatedAt  time.Time
}

// Expired reports whether the instrument's expiry has passed as of now.
// A card expires at the end of its expiry month.
func (pm *PaymentMethod) Expired(now time.Time) bool {
	if pm.ExpYear == 0 {
		return false
	}
	endOfMonth := time.Date(pm.ExpYear, time.Month(pm.ExpMonth), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, 0)
	return !now.Before(endOfMonth)
}

// NotificationRecord persists the fact that a notification decision fired for
// an account. The dedupe key makes repeated sweeps and webhook redeliveries
// idempotent: a second record with the same key is refused.
type NotificationRecord struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Kind      string
	DedupeKey string
	Payload   map[string]any
	CreatedAt time.Time
}
