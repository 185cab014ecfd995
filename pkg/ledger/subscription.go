package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/plan"
)

// AccountType distinguishes individually-billed users from organizations.
type AccountType string

const (
	AccountUser         AccountType = "user"
	AccountOrganization AccountType = "organization"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// UsageKind selects one of the per-period usage counters.
type UsageKind string

const (
	UsageEvents       UsageKind = "events"
	UsageCourses      UsageKind = "courses"
	UsageCertificates UsageKind = "certificates"
)

// Cancellation reasons recorded when a subscription transitions to canceled.
const (
	ReasonTrialExpired  = "trial_expired"
	ReasonUserRequested = "user_requested"
	ReasonPaymentFailed = "payment_failed"
)

// Subscription is the per-account billing record: plan, status, period bounds,
// usage counters and any scheduled future change. Exactly one exists per
// billed account; it is created with the account and never deleted, only
// transitioned.
type Subscription struct {
	AccountID   uuid.UUID
	AccountType AccountType

	Plan     plan.ID
	Status   Status
	Interval plan.BillingInterval

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEndsAt        *time.Time

	EventsCreatedThisPeriod      int64
	CoursesCreatedThisPeriod     int64
	CertificatesIssuedThisPeriod int64

	// LimitsOverride is the admin escape hatch: set fields override the
	// catalog limits for this account only.
	LimitsOverride *plan.LimitSet

	// Scheduled (non-immediate) plan change, applied at PendingChangeAt.
	PendingPlan     *plan.ID
	PendingInterval *plan.BillingInterval
	PendingChangeAt *time.Time

	LastUsageResetAt   *time.Time
	CanceledAt         *time.Time
	CancellationReason string

	// External provider references; empty for free accounts.
	ExternalSubscriptionID string
	ExternalCustomerID     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the subscription grants access right now.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// IsTrialExpired reports whether a trialing subscription has outlived its trial.
func (s *Subscription) IsTrialExpired(now time.Time) bool {
	return s.Status == StatusTrialing && s.TrialEndsAt != nil && !now.Before(*s.TrialEndsAt)
}

// HasScheduledChange reports whether a plan/interval change is pending.
func (s *Subscription) HasScheduledChange() bool {
	return s.PendingChangeAt != nil
}

// Usage returns the counter value for the given kind.
func (s *Subscription) Usage(kind UsageKind) int64 {
	switch kind {
	case UsageEvents:
		return s.EventsCreatedThisPeriod
	case UsageCourses:
		return s.CoursesCreatedThisPeriod
	case UsageCertificates:
		return s.CertificatesIssuedThisPeriod
	}
	return 0
}

// IncrementUsage bumps the counter for the given kind by one.
func (s *Subscription) IncrementUsage(kind UsageKind) {
	switch kind {
	case UsageEvents:
		s.EventsCreatedThisPeriod++
	case UsageCourses:
		s.CoursesCreatedThisPeriod++
	case UsageCertificates:
		s.CertificatesIssuedThisPeriod++
	}
}

// ResetUsage zeroes all usage counters and stamps the reset time.
func (s *Subscription) ResetUsage(now time.Time) {
	s.EventsCreatedThisPeriod = 0
	s.CoursesCreatedThisPeriod = 0
	s.CertificatesIssuedThisPeriod = 0
	s.LastUsageResetAt = &now
}

// NewAttendeeSubscription builds the default free subscription every account
// starts on.
func NewAttendeeSubscription(accountID uuid.UUID, accountType AccountType, now time.Time) *Subscription {
	return &Subscription{
		AccountID:          accountID,
		AccountType:        accountType,
		Plan:               plan.PlanAttendee,
		Status:             StatusActive,
		Interval:           plan.IntervalMonth,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
