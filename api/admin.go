package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eventlane/entitlements/pkg/reconcile"
)

type adminHandler struct {
	reconcile *reconcile.Service
	log       *slog.Logger
}

func newAdminHandler(svc *reconcile.Service, log *slog.Logger) *adminHandler {
	return &adminHandler{reconcile: svc, log: log}
}

// reconciliation runs a reconciliation pass over [from, to), both RFC 3339
// query parameters, defaulting to the last 24 hours.
func (h *adminHandler) reconciliation(w http.ResponseWriter, r *http.Request) {
	if h.reconcile == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation is not configured")
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t.UTC()
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t.UTC()
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must precede to")
		return
	}

	report, err := h.reconcile.Reconcile(r.Context(), from, to)
	if err != nil {
		h.log.ErrorContext(r.Context(), "reconciliation failed", "error", err)
		writeError(w, http.StatusBadGateway, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
