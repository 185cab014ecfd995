package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/eventlane/entitlements/pkg/capability"
	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/lifecycle"
	"github.com/eventlane/entitlements/pkg/plan"
)

type subscriptionHandler struct {
	capability *capability.Service
	lifecycle  *lifecycle.Manager
	validator  *validator.Validate
	log        *slog.Logger
}

func newSubscriptionHandler(cap *capability.Service, lc *lifecycle.Manager, log *slog.Logger) *subscriptionHandler {
	return &subscriptionHandler{
		capability: cap,
		lifecycle:  lc,
		validator:  validator.New(),
		log:        log,
	}
}

type subscriptionResponse struct {
	AccountID   string `json:"account_id"`
	AccountType string `json:"account_type"`
	Plan        string `json:"plan"`
	Status      string `json:"status"`
	Interval    string `json:"interval"`

	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`

	EventsCreated      int64 `json:"events_created_this_period"`
	CoursesCreated     int64 `json:"courses_created_this_period"`
	CertificatesIssued int64 `json:"certificates_issued_this_period"`

	Limits plan.LimitSet `json:"limits"`

	PendingPlan     *plan.ID   `json:"pending_plan,omitempty"`
	PendingChangeAt *time.Time `json:"pending_change_at,omitempty"`

	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

func (h *subscriptionHandler) view(sub *ledger.Subscription, limits plan.LimitSet) subscriptionResponse {
	return subscriptionResponse{
		AccountID:          sub.AccountID.String(),
		AccountType:        string(sub.AccountType),
		Plan:               string(sub.Plan),
		Status:             string(sub.Status),
		Interval:           string(sub.Interval),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEndsAt:        sub.TrialEndsAt,
		EventsCreated:      sub.EventsCreatedThisPeriod,
		CoursesCreated:     sub.CoursesCreatedThisPeriod,
		CertificatesIssued: sub.CertificatesIssuedThisPeriod,
		Limits:             limits,
		PendingPlan:        sub.PendingPlan,
		PendingChangeAt:    sub.PendingChangeAt,
		CanceledAt:         sub.CanceledAt,
		CancellationReason: sub.CancellationReason,
	}
}

func (h *subscriptionHandler) get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	sub, err := h.capability.GetSubscription(r.Context(), accountID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	limits, err := h.capability.GetLimits(r.Context(), accountID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(sub, limits))
}

type createSubscriptionRequest struct {
	Plan        string `json:"plan" validate:"required"`
	Interval    string `json:"interval" validate:"required,oneof=month year"`
	AccountType string `json:"account_type" validate:"omitempty,oneof=user organization"`
	Email       string `json:"email" validate:"omitempty,email"`
	SuccessURL  string `json:"success_url" validate:"omitempty,url"`
	CancelURL   string `json:"cancel_url" validate:"omitempty,url"`
}

func (h *subscriptionHandler) create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req createSubscriptionRequest
	if err := decodeValid(r, h.validator, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accountType := ledger.AccountUser
	if req.AccountType == string(ledger.AccountOrganization) {
		accountType = ledger.AccountOrganization
	}

	// The free plan needs no checkout; it is provisioned directly.
	if plan.ID(req.Plan) == plan.PlanAttendee {
		sub, err := h.capability.GetOrCreateSubscription(r.Context(), accountID, accountType)
		if err != nil {
			mapServiceError(w, err)
			return
		}
		limits, err := h.capability.GetLimits(r.Context(), accountID)
		if err != nil {
			mapServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, h.view(sub, limits))
		return
	}

	link, err := h.lifecycle.Subscribe(r.Context(), lifecycle.SubscribeRequest{
		AccountID:   accountID,
		AccountType: accountType,
		Plan:        plan.ID(req.Plan),
		Interval:    plan.BillingInterval(req.Interval),
		Email:       req.Email,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyOnPlan) {
			writeJSON(w, http.StatusOK, capability.Denied(
				capability.CodeAlreadyOnPlan, "account is already subscribed to this plan"))
			return
		}
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

type changePlanRequest struct {
	Plan     string `json:"plan" validate:"required"`
	Interval string `json:"interval" validate:"required,oneof=month year"`
}

func (h *subscriptionHandler) changePlan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req changePlanRequest
	if err := decodeValid(r, h.validator, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.lifecycle.ChangePlan(r.Context(), accountID, plan.ID(req.Plan), plan.BillingInterval(req.Interval))
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrAlreadyOnPlan):
		writeJSON(w, http.StatusOK, capability.Denied(
			capability.CodeAlreadyOnPlan, "account is already on this plan"))
		return
	case errors.Is(err, lifecycle.ErrUnknownPlan):
		writeJSON(w, http.StatusOK, capability.Denied(
			capability.CodeInvalidPlan, "unknown plan"))
		return
	default:
		mapServiceError(w, err)
		return
	}

	sub, err := h.capability.GetSubscription(r.Context(), accountID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	limits, err := h.capability.GetLimits(r.Context(), accountID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(sub, limits))
}

func (h *subscriptionHandler) downgrade(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	result, err := h.capability.DowngradeToAttendee(r.Context(), accountID)
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *subscriptionHandler) cancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.lifecycle.Cancel(r.Context(), accountID); err != nil {
		mapServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attendeeCapacityRequest struct {
	CurrentAttendees int64 `json:"current_attendees" validate:"gte=0"`
}

func (h *subscriptionHandler) checkCapability(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var (
		result capability.Result
		err    error
	)
	switch chi.URLParam(r, "capability") {
	case "create-event":
		result, err = h.capability.CheckAndIncrementEvent(r.Context(), accountID)
	case "create-course":
		result, err = h.capability.CheckAndIncrementCourse(r.Context(), accountID)
	case "issue-certificate":
		result, err = h.capability.CheckAndIncrementCertificate(r.Context(), accountID)
	case "attendee-capacity":
		var req attendeeCapacityRequest
		if decodeErr := decodeValid(r, h.validator, &req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, decodeErr.Error())
			return
		}
		result, err = h.capability.CheckAttendeeCapacity(r.Context(), accountID, req.CurrentAttendees)
	default:
		writeError(w, http.StatusNotFound, "unknown capability")
		return
	}
	if err != nil {
		mapServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
