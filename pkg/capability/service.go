package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/plan"
)

// ActiveContentChecker reports whether an account has live commitments (a
// published event, a running course) that must not be orphaned by a downgrade.
type ActiveContentChecker interface {
	HasActiveContent(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// SubscriptionCanceler cancels the remote side of a paid subscription.
// billing.Provider satisfies it.
type SubscriptionCanceler interface {
	CancelSubscription(ctx context.Context, externalID string) error
}

// ErrProviderRequired is returned when a downgrade needs a remote cancel but
// no canceler is wired.
var ErrProviderRequired = errors.New("capability: billing provider required to cancel the remote subscription")

// Service is the stateless decision layer over the subscription ledger and
// the plan catalog: it answers "is X allowed" and performs the atomic
// check-and-increment against per-period limits.
type Service struct {
	store    ledger.SubscriptionStore
	plans    map[plan.ID]plan.Plan
	content  ActiveContentChecker
	canceler SubscriptionCanceler
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithActiveContentChecker wires the collaborator consulted by
// DowngradeToAttendee. Without one, downgrades are never blocked on content.
func WithActiveContentChecker(c ActiveContentChecker) Option {
	return func(s *Service) { s.content = c }
}

// WithSubscriptionCanceler wires the billing provider used to cancel the
// remote subscription when a paid account downgrades to the free plan.
func WithSubscriptionCanceler(c SubscriptionCanceler) Option {
	return func(s *Service) { s.canceler = c }
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService loads the plan catalog from src and returns a capability service.
func NewService(ctx context.Context, src plan.Source, store ledger.SubscriptionStore, opts ...Option) (*Service, error) {
	if src == nil {
		panic("capability: plan source is required")
	}
	if store == nil {
		panic("capability: subscription store is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(plans); err != nil {
		return nil, err
	}

	s := &Service{
		store: store,
		plans: plans,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetSubscription is a pure read. Returns ledger.ErrSubscriptionNotFound when
// the account has no subscription.
func (s *Service) GetSubscription(ctx context.Context, accountID uuid.UUID) (*ledger.Subscription, error) {
	return s.store.Get(ctx, accountID)
}

// GetOrCreateSubscription returns the account's subscription, creating the
// default attendee one if absent. Safe under concurrent first call: a
// duplicate insert falls back to fetching the row the winner created.
func (s *Service) GetOrCreateSubscription(ctx context.Context, accountID uuid.UUID, accountType ledger.AccountType) (*ledger.Subscription, error) {
	sub, err := s.store.Get(ctx, accountID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ledger.ErrSubscriptionNotFound) {
		return nil, err
	}

	sub = ledger.NewAttendeeSubscription(accountID, accountType, s.now())
	if err := s.store.Create(ctx, sub); err != nil {
		if errors.Is(err, ledger.ErrSubscriptionAlreadyExists) {
			return s.store.Get(ctx, accountID)
		}
		return nil, err
	}
	return sub, nil
}

// GetLimits resolves the effective limit set for an account, in fixed
// precedence order: per-account override, then plan catalog, then strict zero
// when no subscription exists at all.
func (s *Service) GetLimits(ctx context.Context, accountID uuid.UUID) (plan.LimitSet, error) {
	sub, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return plan.StrictZero(), nil
		}
		return plan.LimitSet{}, err
	}
	return s.resolveLimits(sub), nil
}

func (s *Service) resolveLimits(sub *ledger.Subscription) plan.LimitSet {
	base := plan.StrictZero()
	if p, ok := s.plans[sub.Plan]; ok {
		base = p.Limits
	}
	return plan.Merge(base, sub.LimitsOverride)
}

// HasActiveSubscription reports whether the account's subscription grants
// access right now (status active or trialing).
func (s *Service) HasActiveSubscription(ctx context.Context, accountID uuid.UUID) bool {
	sub, err := s.store.Get(ctx, accountID)
	if err != nil {
		return false
	}
	return sub.IsActive()
}

// hasCapability is the shared pure predicate: the plan grants the feature and
// the subscription is currently active.
func (s *Service) hasCapability(ctx context.Context, accountID uuid.UUID, feature plan.Feature) bool {
	sub, err := s.store.Get(ctx, accountID)
	if err != nil {
		return false
	}
	p, ok := s.plans[sub.Plan]
	if !ok {
		return false
	}
	return p.HasFeature(feature) && sub.IsActive()
}

// CanCreateEvents reports whether the account may create events at all.
func (s *Service) CanCreateEvents(ctx context.Context, accountID uuid.UUID) bool {
	return s.hasCapability(ctx, accountID, plan.FeatureCreateEvents)
}

// CanCreateCourses reports whether the account may create courses at all.
func (s *Service) CanCreateCourses(ctx context.Context, accountID uuid.UUID) bool {
	return s.hasCapability(ctx, accountID, plan.FeatureCreateCourses)
}

// CanIssueCertificates reports whether the account may issue certificates at all.
func (s *Service) CanIssueCertificates(ctx context.Context, accountID uuid.UUID) bool {
	return s.hasCapability(ctx, accountID, plan.FeatureIssueCertificates)
}

// capabilitySpec ties a usage counter to its gating feature, limit field and
// denial code.
type capabilitySpec struct {
	kind      ledger.UsageKind
	feature   plan.Feature
	limitOf   func(plan.LimitSet) *int64
	limitCode Code
	noun      string
}

var (
	eventSpec = capabilitySpec{
		kind:      ledger.UsageEvents,
		feature:   plan.FeatureCreateEvents,
		limitOf:   func(l plan.LimitSet) *int64 { return l.EventsPerPeriod },
		limitCode: CodeEventLimitReached,
		noun:      "events",
	}
	courseSpec = capabilitySpec{
		kind:      ledger.UsageCourses,
		feature:   plan.FeatureCreateCourses,
		limitOf:   func(l plan.LimitSet) *int64 { return l.CoursesPerPeriod },
		limitCode: CodeCourseLimitReached,
		noun:      "courses",
	}
	certificateSpec = capabilitySpec{
		kind:      ledger.UsageCertificates,
		feature:   plan.FeatureIssueCertificates,
		limitOf:   func(l plan.LimitSet) *int64 { return l.CertificatesPerPeriod },
		limitCode: CodeCertificateLimitReached,
		noun:      "certificates",
	}
)

// CheckAndIncrementEvent atomically checks the event limit and, if allowed,
// consumes one slot.
func (s *Service) CheckAndIncrementEvent(ctx context.Context, accountID uuid.UUID) (Result, error) {
	return s.checkAndIncrement(ctx, accountID, eventSpec)
}

// CheckAndIncrementCourse is the course analog of CheckAndIncrementEvent.
func (s *Service) CheckAndIncrementCourse(ctx context.Context, accountID uuid.UUID) (Result, error) {
	return s.checkAndIncrement(ctx, accountID, courseSpec)
}

// CheckAndIncrementCertificate is the certificate analog of CheckAndIncrementEvent.
func (s *Service) CheckAndIncrementCertificate(ctx context.Context, accountID uuid.UUID) (Result, error) {
	return s.checkAndIncrement(ctx, accountID, certificateSpec)
}

// errDenied aborts the locked mutation without persisting; the concrete
// denial travels in the closure's result.
var errDenied = errors.New("capability: denied")

func (s *Service) checkAndIncrement(ctx context.Context, accountID uuid.UUID, spec capabilitySpec) (Result, error) {
	sub, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return Denied(CodeNoSubscription, "no subscription found for this account"), nil
		}
		return Result{}, err
	}

	p, ok := s.plans[sub.Plan]
	if !ok {
		return Denied(CodeInvalidPlan, fmt.Sprintf("unknown plan %q", sub.Plan)), nil
	}
	if !p.HasFeature(spec.feature) {
		return Denied(CodePlanUpgradeRequired,
			fmt.Sprintf("the %s plan does not include creating %s", p.Name, spec.noun)), nil
	}

	if denial, denied := s.denyInactive(sub); denied {
		return denial, nil
	}

	var result Result
	err = s.store.WithLock(ctx, accountID, func(ctx context.Context, locked *ledger.Subscription) error {
		// Usage and limits are re-read under the row lock; the pre-checks
		// above may have come from a cache.
		limits := s.resolveLimits(locked)
		limit := spec.limitOf(limits)
		usage := locked.Usage(spec.kind)

		if limit == nil {
			locked.IncrementUsage(spec.kind)
			result = Granted(nil, locked.Usage(spec.kind))
			return nil
		}

		if usage >= *limit {
			result = DeniedAtLimit(spec.limitCode,
				fmt.Sprintf("limit of %d %s per period reached", *limit, spec.noun),
				*limit, usage)
			return errDenied
		}

		locked.IncrementUsage(spec.kind)
		result = Granted(limit, locked.Usage(spec.kind))
		return nil
	})
	if err != nil && !errors.Is(err, errDenied) {
		return Result{}, err
	}

	return result, nil
}

// denyInactive maps an inactive subscription to the most specific denial code.
func (s *Service) denyInactive(sub *ledger.Subscription) (Result, bool) {
	now := s.now()
	switch {
	case sub.IsTrialExpired(now):
		// The expiry sweep has not caught up yet; deny as trial-expired
		// rather than letting a dead trial keep creating.
		return Denied(CodeTrialExpired, "your trial has ended"), true
	case sub.IsActive():
		return Result{}, false
	case sub.Status == ledger.StatusPastDue:
		return Denied(CodePaymentRequired, "your subscription has an outstanding payment"), true
	case sub.Status == ledger.StatusCanceled && sub.CancellationReason == ledger.ReasonTrialExpired:
		return Denied(CodeTrialExpired, "your trial has ended"), true
	case sub.Status == ledger.StatusCanceled:
		return Denied(CodeSubscriptionCanceled, "your subscription has been canceled"), true
	default:
		return Denied(CodeSubscriptionExpired, "your subscription is not active"), true
	}
}

// CheckAttendeeCapacity is a pure check of an event's attendee count against
// the plan's max-attendees limit. It never mutates counters.
func (s *Service) CheckAttendeeCapacity(ctx context.Context, accountID uuid.UUID, currentAttendees int64) (Result, error) {
	sub, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			return Denied(CodeNoSubscription, "no subscription found for this account"), nil
		}
		return Result{}, err
	}

	limit := s.resolveLimits(sub).MaxAttendeesPerEvent
	if limit == nil {
		return Granted(nil, currentAttendees), nil
	}
	if currentAttendees >= *limit {
		return DeniedAtLimit(CodeAttendeeLimitReached,
			fmt.Sprintf("limit of %d attendees per event reached", *limit),
			*limit, currentAttendees), nil
	}
	return Granted(limit, currentAttendees), nil
}

// DowngradeToAttendee moves the account to the free attendee plan. Accounts
// with active content (a published event or equivalent live commitment) are
// refused so that a lapsed paid plan never silently orphans live commitments.
func (s *Service) DowngradeToAttendee(ctx context.Context, accountID uuid.UUID) (Result, error) {
	sub, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			created := ledger.NewAttendeeSubscription(accountID, ledger.AccountUser, s.now())
			if err := s.store.Create(ctx, created); err != nil && !errors.Is(err, ledger.ErrSubscriptionAlreadyExists) {
				return Result{}, err
			}
			return Granted(nil, 0), nil
		}
		return Result{}, err
	}

	if s.content != nil {
		hasContent, err := s.content.HasActiveContent(ctx, accountID)
		if err != nil {
			return Result{}, err
		}
		if hasContent {
			return Denied(CodeActiveContentExists,
				"unpublish or close your live content before downgrading"), nil
		}
	}

	if sub.Plan == plan.PlanAttendee && sub.Status == ledger.StatusActive {
		return Granted(nil, 0), nil
	}

	// A live remote subscription keeps billing until the provider confirms
	// the cancel, so the provider call comes first and a failure aborts the
	// local downgrade.
	if sub.ExternalSubscriptionID != "" && sub.Status != ledger.StatusCanceled {
		if s.canceler == nil {
			return Result{}, ErrProviderRequired
		}
		if err := s.canceler.CancelSubscription(ctx, sub.ExternalSubscriptionID); err != nil {
			return Result{}, fmt.Errorf("cancel remote subscription: %w", err)
		}
	}

	err = s.store.WithLock(ctx, accountID, func(ctx context.Context, locked *ledger.Subscription) error {
		locked.Plan = plan.PlanAttendee
		locked.Status = ledger.StatusActive
		locked.TrialEndsAt = nil
		locked.PendingPlan = nil
		locked.PendingInterval = nil
		locked.PendingChangeAt = nil
		locked.ExternalSubscriptionID = ""
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	return Granted(nil, 0), nil
}
