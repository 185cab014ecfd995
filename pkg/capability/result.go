package capability

// Code is a machine-readable denial or failure code returned to callers so
// the UI can render a concrete upgrade prompt.
type Code string

const (
	// Access
	CodeNoSubscription       Code = "NO_SUBSCRIPTION"
	CodeSubscriptionExpired  Code = "SUBSCRIPTION_EXPIRED"
	CodeSubscriptionCanceled Code = "SUBSCRIPTION_CANCELED"
	CodeTrialExpired         Code = "TRIAL_EXPIRED"
	CodeAccessBlocked        Code = "ACCESS_BLOCKED"
	CodePaymentRequired      Code = "PAYMENT_REQUIRED"

	// Capability
	CodePlanUpgradeRequired Code = "PLAN_UPGRADE_REQUIRED"
	CodeFeatureNotAvailable Code = "FEATURE_NOT_AVAILABLE"

	// Limits
	CodeEventLimitReached       Code = "EVENT_LIMIT_REACHED"
	CodeCourseLimitReached      Code = "COURSE_LIMIT_REACHED"
	CodeCertificateLimitReached Code = "CERTIFICATE_LIMIT_REACHED"
	CodeAttendeeLimitReached    Code = "ATTENDEE_LIMIT_REACHED"
	CodeSeatLimitReached        Code = "SEAT_LIMIT_REACHED"

	// Transitions
	CodeActiveContentExists Code = "ACTIVE_CONTENT_EXISTS"
	CodeAlreadyOnPlan       Code = "ALREADY_ON_PLAN"
	CodeInvalidPlan         Code = "INVALID_PLAN"
)

// Result is the value returned by every capability decision. Denials are
// data, not errors: a denied check carries the code, a human-readable message
// and, where a limit was involved, the concrete numbers.
type Result struct {
	Allowed      bool   `json:"allowed"`
	Code         Code   `json:"error_code,omitempty"`
	Message      string `json:"error_message,omitempty"`
	Limit        *int64 `json:"limit,omitempty"`
	CurrentUsage int64  `json:"current_usage"`
	Remaining    *int64 `json:"remaining,omitempty"`
}

// Granted builds a successful result. A nil limit means unlimited; remaining
// is only populated for finite limits.
func Granted(limit *int64, currentUsage int64) Result {
	r := Result{Allowed: true, Limit: limit, CurrentUsage: currentUsage}
	if limit != nil {
		remaining := *limit - currentUsage
		if remaining < 0 {
			remaining = 0
		}
		r.Remaining = &remaining
	}
	return r
}

// Denied builds a denial without limit context.
func Denied(code Code, message string) Result {
	return Result{Allowed: false, Code: code, Message: message}
}

// DeniedAtLimit builds a limit denial carrying the concrete numbers.
func DeniedAtLimit(code Code, message string, limit, currentUsage int64) Result {
	remaining := limit - currentUsage
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:      false,
		Code:         code,
		Message:      message,
		Limit:        &limit,
		CurrentUsage: currentUsage,
		Remaining:    &remaining,
	}
}
