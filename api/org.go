package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/seats"
)

type orgHandler struct {
	seats     *seats.Engine
	validator *validator.Validate
	log       *slog.Logger
}

func newOrgHandler(engine *seats.Engine, log *slog.Logger) *orgHandler {
	return &orgHandler{
		seats:     engine,
		validator: validator.New(),
		log:       log,
	}
}

type inviteMemberRequest struct {
	Email        string `json:"email" validate:"required,email"`
	Role         string `json:"role" validate:"required,oneof=admin organizer course_manager member"`
	BillingPayer string `json:"billing_payer" validate:"omitempty,oneof=organization self"`
}

type membershipResponse struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"org_id"`
	UserID          *string    `json:"user_id,omitempty"`
	InvitationEmail string     `json:"invitation_email,omitempty"`
	Role            string     `json:"role"`
	IsActive        bool       `json:"is_active"`
	BillingPayer    string     `json:"billing_payer"`
	RemovedAt       *time.Time `json:"removed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func membershipView(m *ledger.OrganizationMembership) membershipResponse {
	resp := membershipResponse{
		ID:              m.ID.String(),
		OrgID:           m.OrgID.String(),
		InvitationEmail: m.InvitationEmail,
		Role:            string(m.Role),
		IsActive:        m.IsActive,
		BillingPayer:    string(m.BillingPayer),
		RemovedAt:       m.RemovedAt,
		CreatedAt:       m.CreatedAt,
	}
	if m.UserID != nil {
		id := m.UserID.String()
		resp.UserID = &id
	}
	return resp
}

func (h *orgHandler) invite(w http.ResponseWriter, r *http.Request) {
	if h.seats == nil {
		writeError(w, http.StatusServiceUnavailable, "seat accounting is not configured")
		return
	}
	orgID, ok := pathUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req inviteMemberRequest
	if err := decodeValid(r, h.validator, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, membership, err := h.seats.InviteMember(r.Context(), seats.InviteRequest{
		OrgID:        orgID,
		Email:        req.Email,
		Role:         ledger.MembershipRole(req.Role),
		BillingPayer: ledger.BillingPayer(req.BillingPayer),
	})
	if err != nil {
		mapServiceError(w, err)
		return
	}
	if !result.Allowed {
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusCreated, membershipView(membership))
}

func (h *orgHandler) remove(w http.ResponseWriter, r *http.Request) {
	if h.seats == nil {
		writeError(w, http.StatusServiceUnavailable, "seat accounting is not configured")
		return
	}
	if _, ok := pathUUID(w, chi.URLParam(r, "id")); !ok {
		return
	}
	memberID, ok := pathUUID(w, chi.URLParam(r, "memberID"))
	if !ok {
		return
	}

	if err := h.seats.RemoveMember(r.Context(), memberID); err != nil {
		mapServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
