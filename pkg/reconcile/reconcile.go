// Package reconcile compares the local payment ledger against the billing
// provider's settled transactions over a time window. It is strictly
// read-only: the report says what diverged, operators decide what to do
// about it.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/ledger"
)

// Discrepancy is one transaction present on only one side of the ledger.
type Discrepancy struct {
	ExternalTransactionID string    `json:"external_transaction_id"`
	AmountCents           int64     `json:"amount_cents"`
	Currency              string    `json:"currency"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	LocalCount    int `json:"local_count"`
	ProviderCount int `json:"provider_count"`
	MatchedCount  int `json:"matched_count"`

	// MissingLocally are provider transactions with no local payment record,
	// typically dropped or never-delivered webhooks.
	MissingLocally []Discrepancy `json:"missing_locally"`
	// MissingAtProvider are local payment records the provider does not
	// report, which should never happen and warrants investigation.
	MissingAtProvider []Discrepancy `json:"missing_at_provider"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Clean reports whether the two ledgers agree for the window.
func (r *Report) Clean() bool {
	return len(r.MissingLocally) == 0 && len(r.MissingAtProvider) == 0
}

// Service runs reconciliation passes.
type Service struct {
	store    ledger.PaymentStore
	provider billing.TransactionLister
	log      *slog.Logger
	now      func() time.Time
}

// NewService creates a reconciliation service.
func NewService(store ledger.PaymentStore, provider billing.TransactionLister, log *slog.Logger) *Service {
	if store == nil {
		panic("reconcile: payment store is required")
	}
	if provider == nil {
		panic("reconcile: transaction lister is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		provider: provider,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile computes the symmetric difference between local payment records
// and provider transactions in [from, to), keyed by external transaction id.
func (s *Service) Reconcile(ctx context.Context, from, to time.Time) (*Report, error) {
	local, err := s.store.ListPayments(ctx, from, to)
	if err != nil {
		return nil, err
	}

	remote, err := s.provider.ListTransactions(ctx, from, to)
	if err != nil {
		return nil, err
	}

	localByID := make(map[string]*ledger.PaymentRecord, len(local))
	for _, p := range local {
		localByID[p.ExternalTransactionID] = p
	}
	remoteByID := make(map[string]billing.Transaction, len(remote))
	for _, t := range remote {
		remoteByID[t.ExternalID] = t
	}

	report := &Report{
		From:          from,
		To:            to,
		LocalCount:    len(local),
		ProviderCount: len(remote),
		GeneratedAt:   s.now(),
	}

	for id, t := range remoteByID {
		if _, ok := localByID[id]; ok {
			report.MatchedCount++
			continue
		}
		report.MissingLocally = append(report.MissingLocally, Discrepancy{
			ExternalTransactionID: t.ExternalID,
			AmountCents:           t.AmountCents,
			Currency:              t.Currency,
			OccurredAt:            t.OccurredAt,
		})
	}
	for id, p := range localByID {
		if _, ok := remoteByID[id]; ok {
			continue
		}
		report.MissingAtProvider = append(report.MissingAtProvider, Discrepancy{
			ExternalTransactionID: p.ExternalTransactionID,
			AmountCents:           p.Amount,
			Currency:              p.Currency,
			OccurredAt:            p.CreatedAt,
		})
	}

	sort.Slice(report.MissingLocally, func(i, j int) bool {
		return report.MissingLocally[i].OccurredAt.Before(report.MissingLocally[j].OccurredAt)
	})
	sort.Slice(report.MissingAtProvider, func(i, j int) bool {
		return report.MissingAtProvider[i].OccurredAt.Before(report.MissingAtProvider[j].OccurredAt)
	})

	level := slog.LevelInfo
	if !report.Clean() {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "reconciliation completed",
		"from", from, "to", to,
		"local", report.LocalCount, "provider", report.ProviderCount,
		"matched", report.MatchedCount,
		"missing_locally", len(report.MissingLocally),
		"missing_at_provider", len(report.MissingAtProvider))

	return report, nil
}
