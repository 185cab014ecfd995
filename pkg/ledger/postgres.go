package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventlane/entitlements/pkg/pg"
	"github.com/eventlane/entitlements/pkg/plan"
)

// PostgresStore implements Store on top of pgx. WithLock uses
// SELECT ... FOR UPDATE so the read-compare-write sequence of the capability
// engine is serialized per subscription row without contending across accounts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `account_id, account_type, plan, status, billing_interval,
	current_period_start, current_period_end, trial_ends_at,
	events_created_this_period, courses_created_this_period, certificates_issued_this_period,
	limits_override, pending_plan, pending_billing_interval, pending_change_at,
	last_usage_reset_at, canceled_at, cancellation_reason,
	external_subscription_id, external_customer_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub             Subscription
		overrideJSON    []byte
		pendingPlan     *string
		pendingInterval *string
	)
	err := row.Scan(
		&sub.AccountID, &sub.AccountType, &sub.Plan, &sub.Status, &sub.Interval,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEndsAt,
		&sub.EventsCreatedThisPeriod, &sub.CoursesCreatedThisPeriod, &sub.CertificatesIssuedThisPeriod,
		&overrideJSON, &pendingPlan, &pendingInterval, &sub.PendingChangeAt,
		&sub.LastUsageResetAt, &sub.CanceledAt, &sub.CancellationReason,
		&sub.ExternalSubscriptionID, &sub.ExternalCustomerID, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(overrideJSON) > 0 {
		var o plan.LimitSet
		if err := json.Unmarshal(overrideJSON, &o); err != nil {
			return nil, fmt.Errorf("ledger: corrupt limits_override: %w", err)
		}
		sub.LimitsOverride = &o
	}
	if pendingPlan != nil {
		p := plan.ID(*pendingPlan)
		sub.PendingPlan = &p
	}
	if pendingInterval != nil {
		i := plan.BillingInterval(*pendingInterval)
		sub.PendingInterval = &i
	}
	return &sub, nil
}

func subscriptionArgs(sub *Subscription) ([]any, error) {
	var overrideJSON []byte
	if sub.LimitsOverride != nil {
		var err error
		overrideJSON, err = json.Marshal(sub.LimitsOverride)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal limits_override: %w", err)
		}
	}
	var pendingPlan, pendingInterval *string
	if sub.PendingPlan != nil {
		s := string(*sub.PendingPlan)
		pendingPlan = &s
	}
	if sub.PendingInterval != nil {
		s := string(*sub.PendingInterval)
		pendingInterval = &s
	}
	return []any{
		sub.AccountID, sub.AccountType, sub.Plan, sub.Status, sub.Interval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEndsAt,
		sub.EventsCreatedThisPeriod, sub.CoursesCreatedThisPeriod, sub.CertificatesIssuedThisPeriod,
		overrideJSON, pendingPlan, pendingInterval, sub.PendingChangeAt,
		sub.LastUsageResetAt, sub.CanceledAt, sub.CancellationReason,
		sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.CreatedAt, sub.UpdatedAt,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, accountID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`, accountID)
	sub, err := scanSubscription(row)
	if pg.IsNotFoundError(err) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	args, err := subscriptionArgs(sub)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		args...)
	if pg.IsDuplicateKeyError(err) {
		return ErrSubscriptionAlreadyExists
	}
	return err
}

const subscriptionUpdateSQL = `UPDATE subscriptions SET
	account_type=$2, plan=$3, status=$4, billing_interval=$5,
	current_period_start=$6, current_period_end=$7, trial_ends_at=$8,
	events_created_this_period=$9, courses_created_this_period=$10, certificates_issued_this_period=$11,
	limits_override=$12, pending_plan=$13, pending_billing_interval=$14, pending_change_at=$15,
	last_usage_reset_at=$16, canceled_at=$17, cancellation_reason=$18,
	external_subscription_id=$19, external_customer_id=$20, created_at=$21, updated_at=now()
	WHERE account_id=$1`

func subscriptionUpdateArgs(sub *Subscription) ([]any, error) {
	args, err := subscriptionArgs(sub)
	if err != nil {
		return nil, err
	}
	// UpdatedAt is stamped by the database; drop the trailing argument.
	return args[:len(args)-1], nil
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	args, err := subscriptionUpdateArgs(sub)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, subscriptionUpdateSQL, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) WithLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context, sub *Subscription) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1 FOR UPDATE`,
		accountID)
	sub, err := scanSubscription(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return ErrSubscriptionNotFound
		}
		return err
	}

	if err := fn(ctx, sub); err != nil {
		return err
	}

	args, err := subscriptionUpdateArgs(sub)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, subscriptionUpdateSQL, args...); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalSubID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalSubID)
	sub, err := scanSubscription(row)
	if pg.IsNotFoundError(err) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DueForUsageReset(ctx context.Context, now time.Time) ([]*Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE current_period_end <= $1
		   AND (last_usage_reset_at IS NULL OR last_usage_reset_at < current_period_end)`,
		now)
}

func (s *PostgresStore) ExpiredTrials(ctx context.Context, now time.Time) ([]*Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = $1 AND trial_ends_at IS NOT NULL AND trial_ends_at <= $2`,
		StatusTrialing, now)
}

func (s *PostgresStore) DueScheduledChanges(ctx context.Context, now time.Time) ([]*Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE pending_change_at IS NOT NULL AND pending_change_at <= $1`,
		now)
}

func (s *PostgresStore) GetOrgSubscription(ctx context.Context, orgID uuid.UUID) (*OrganizationSubscription, error) {
	var sub OrganizationSubscription
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, plan, status, included_seats, additional_seats,
		        seat_price_amount, seat_price_currency, trial_ends_at,
		        external_subscription_id, external_customer_id, created_at, updated_at
		 FROM organization_subscriptions WHERE org_id = $1`, orgID).
		Scan(&sub.OrgID, &sub.Plan, &sub.Status, &sub.IncludedSeats, &sub.AdditionalSeats,
			&sub.SeatPrice.Amount, &sub.SeatPrice.Currency, &sub.TrialEndsAt,
			&sub.ExternalSubscriptionID, &sub.ExternalCustomerID, &sub.CreatedAt, &sub.UpdatedAt)
	if pg.IsNotFoundError(err) {
		return nil, ErrOrgSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) SaveOrgSubscription(ctx context.Context, sub *OrganizationSubscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organization_subscriptions
		   (org_id, plan, status, included_seats, additional_seats,
		    seat_price_amount, seat_price_currency, trial_ends_at,
		    external_subscription_id, external_customer_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		 ON CONFLICT (org_id) DO UPDATE SET
		   plan=EXCLUDED.plan, status=EXCLUDED.status,
		   included_seats=EXCLUDED.included_seats, additional_seats=EXCLUDED.additional_seats,
		   seat_price_amount=EXCLUDED.seat_price_amount, seat_price_currency=EXCLUDED.seat_price_currency,
		   trial_ends_at=EXCLUDED.trial_ends_at,
		   external_subscription_id=EXCLUDED.external_subscription_id,
		   external_customer_id=EXCLUDED.external_customer_id,
		   updated_at=now()`,
		sub.OrgID, sub.Plan, sub.Status, sub.IncludedSeats, sub.AdditionalSeats,
		sub.SeatPrice.Amount, sub.SeatPrice.Currency, sub.TrialEndsAt,
		sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.CreatedAt)
	return err
}

const membershipColumns = `id, org_id, user_id, invitation_email, role, is_active,
	billing_payer, removed_at, created_at, updated_at`

func scanMembership(row rowScanner) (*OrganizationMembership, error) {
	var m OrganizationMembership
	err := row.Scan(&m.ID, &m.OrgID, &m.UserID, &m.InvitationEmail, &m.Role, &m.IsActive,
		&m.BillingPayer, &m.RemovedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, id uuid.UUID) (*OrganizationMembership, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM organization_memberships WHERE id = $1`, id)
	m, err := scanMembership(row)
	if pg.IsNotFoundError(err) {
		return nil, ErrMembershipNotFound
	}
	return m, err
}

func (s *PostgresStore) ListMemberships(ctx context.Context, orgID uuid.UUID) ([]*OrganizationMembership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+membershipColumns+` FROM organization_memberships
		 WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OrganizationMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMembership(ctx context.Context, m *OrganizationMembership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organization_memberships (`+membershipColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.OrgID, m.UserID, m.InvitationEmail, m.Role, m.IsActive,
		m.BillingPayer, m.RemovedAt, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateMembership(ctx context.Context, m *OrganizationMembership) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organization_memberships SET
		   user_id=$2, invitation_email=$3, role=$4, is_active=$5,
		   billing_payer=$6, removed_at=$7, updated_at=now()
		 WHERE id=$1`,
		m.ID, m.UserID, m.InvitationEmail, m.Role, m.IsActive, m.BillingPayer, m.RemovedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

func (s *PostgresStore) RecordPayment(ctx context.Context, p *PaymentRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_records
		   (id, account_id, external_transaction_id, amount, currency, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.AccountID, p.ExternalTransactionID, p.Amount, p.Currency, p.Status, p.CreatedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrDuplicatePayment
	}
	return err
}

func (s *PostgresStore) ListPayments(ctx context.Context, from, to time.Time) ([]*PaymentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, external_transaction_id, amount, currency, status, created_at
		 FROM payment_records
		 WHERE created_at >= $1 AND created_at <= $2 AND external_transaction_id <> ''
		 ORDER BY created_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ExternalTransactionID,
			&p.Amount, &p.Currency, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

const paymentMethodColumns = `id, account_id, external_id, brand, last4,
	exp_month, exp_year, is_default, created_at`

func (s *PostgresStore) ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]*PaymentMethod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
		 WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentMethod
	for rows.Next() {
		var pm PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.AccountID, &pm.ExternalID, &pm.Brand, &pm.Last4,
			&pm.ExpMonth, &pm.ExpYear, &pm.IsDefault, &pm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePaymentMethod(ctx context.Context, pm *PaymentMethod) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_methods SET is_default=$2, exp_month=$3, exp_year=$4 WHERE id=$1`,
		pm.ID, pm.IsDefault, pm.ExpMonth, pm.ExpYear)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentMethodNotFound
	}
	return nil
}

func (s *PostgresStore) ExpiredDefaultPaymentMethods(ctx context.Context, now time.Time) ([]*PaymentMethod, error) {
	// A card expires at the end of its expiry month.
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentMethodColumns+` FROM payment_methods
		 WHERE is_default
		   AND make_date(exp_year, exp_month, 1) + interval '1 month' <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentMethod
	for rows.Next() {
		var pm PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.AccountID, &pm.ExternalID, &pm.Brand, &pm.Last4,
			&pm.ExpMonth, &pm.ExpYear, &pm.IsDefault, &pm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordNotification(ctx context.Context, n *NotificationRecord) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var payloadJSON []byte
	if n.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(n.Payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal notification payload: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_records (id, account_id, kind, dedupe_key, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		n.ID, n.AccountID, n.Kind, n.DedupeKey, payloadJSON, n.CreatedAt)
	if pg.IsDuplicateKeyError(err) {
		return ErrDuplicateNotification
	}
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, accountID uuid.UUID) ([]*NotificationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, kind, dedupe_key, payload, created_at
		 FROM notification_records WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NotificationRecord
	for rows.Next() {
		var (
			n           NotificationRecord
			payloadJSON []byte
		)
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Kind, &n.DedupeKey, &payloadJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &n.Payload); err != nil {
				return nil, fmt.Errorf("ledger: corrupt notification payload: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
