package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/eventlane/entitlements/pkg/ledger"
	"github.com/eventlane/entitlements/pkg/lifecycle"
	"github.com/eventlane/entitlements/pkg/seats"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeValid decodes the JSON body into dst and runs struct validation.
func decodeValid(r *http.Request, v *validator.Validate, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := v.Struct(dst); err != nil {
		return err
	}
	return nil
}

// pathUUID parses a UUID path parameter; it writes the 400 itself and
// reports success through ok.
func pathUUID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

// mapServiceError translates known service errors to HTTP statuses; unknown
// errors become 500.
func mapServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrSubscriptionNotFound),
		errors.Is(err, ledger.ErrMembershipNotFound),
		errors.Is(err, lifecycle.ErrNoSubscription),
		errors.Is(err, seats.ErrNoOrgSubscription):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrUnknownPlan),
		errors.Is(err, lifecycle.ErrPlanNotPublic),
		errors.Is(err, lifecycle.ErrInvalidInterval),
		errors.Is(err, seats.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrAlreadyOnPlan),
		errors.Is(err, lifecycle.ErrNotCancellable),
		errors.Is(err, seats.ErrAlreadyMember),
		errors.Is(err, seats.ErrMembershipRemoved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
