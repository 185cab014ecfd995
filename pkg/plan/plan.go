package plan

import (
	"slices"
	"time"
)

// ID identifies a subscription plan.
type ID string

const (
	// PlanAttendee is the unconditional zero-capability default every account starts on.
	PlanAttendee ID = "attendee"
	// PlanOrganizer enables event creation and certificate issuance.
	PlanOrganizer ID = "organizer"
	// PlanLMS enables course creation and certificate issuance.
	PlanLMS ID = "lms"
	// PlanOrganization is the seat-based plan for organization accounts.
	PlanOrganization ID = "organization"
)

// BillingInterval is the billing frequency of a subscription.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid reports whether the interval is one of the supported values.
func (b BillingInterval) Valid() bool {
	return b == IntervalMonth || b == IntervalYear
}

// Feature is a named capability gated by plan.
type Feature string

const (
	FeatureCreateEvents      Feature = "create_events"
	FeatureCreateCourses     Feature = "create_courses"
	FeatureIssueCertificates Feature = "issue_certificates"
	FeatureTeamMembers       Feature = "team_members"
)

// Money is a monetary amount in the smallest currency unit.
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// Plan describes a subscription plan: its capabilities, per-period limits,
// trial length, pricing metadata and seat policy.
type Plan struct {
	ID          ID        `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description"`
	Limits      LimitSet  `yaml:"limits" json:"limits"`
	Features    []Feature `yaml:"features" json:"features"`
	TrialDays   int       `yaml:"trial_days" json:"trial_days"`

	MonthlyPrice Money `yaml:"monthly_price" json:"monthly_price"`
	YearlyPrice  Money `yaml:"yearly_price" json:"yearly_price"`

	// Provider price references, one per billing interval.
	MonthlyPriceRef string `yaml:"monthly_price_ref" json:"monthly_price_ref"`
	YearlyPriceRef  string `yaml:"yearly_price_ref" json:"yearly_price_ref"`

	// Seat policy for organization plans. Fixed-seat plans reject invites past
	// the cap; auto-provisioning plans grow additional seats instead.
	IncludedSeats      int64 `yaml:"included_seats" json:"included_seats"`
	SeatPrice          Money `yaml:"seat_price" json:"seat_price"`
	AutoProvisionSeats bool  `yaml:"auto_provision_seats" json:"auto_provision_seats"`

	// Public marks plans available for self-service signup.
	Public bool `yaml:"public" json:"public"`
}

// HasFeature reports whether the plan grants the named capability.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// PriceRef returns the provider price reference for the given interval.
func (p Plan) PriceRef(interval BillingInterval) string {
	if interval == IntervalYear {
		return p.YearlyPriceRef
	}
	return p.MonthlyPriceRef
}

// TrialEndsAt calculates when a trial started at the given time ends.
// Returns startedAt unchanged for plans without a trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}
