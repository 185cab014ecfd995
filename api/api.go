// Package api exposes the engine over a thin JSON HTTP surface. Capability
// denials are data, not errors: they come back as 200 with a Result body.
// Hard failures (bad input, unknown accounts, provider errors) map to
// conventional 4xx/5xx codes.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/capability"
	"github.com/eventlane/entitlements/pkg/httpserver"
	"github.com/eventlane/entitlements/pkg/lifecycle"
	"github.com/eventlane/entitlements/pkg/reconcile"
	"github.com/eventlane/entitlements/pkg/seats"
)

// Deps carries the services the router exposes. Capability and Lifecycle are
// required; the rest degrade their routes to 503 when absent.
type Deps struct {
	Capability *capability.Service
	Lifecycle  *lifecycle.Manager
	Seats      *seats.Engine
	Reconcile  *reconcile.Service
	Webhooks   billing.CheckoutProvider

	HealthProbes []func(context.Context) error
	Log          *slog.Logger
}

// Router builds the chi router for the engine.
func Router(deps Deps) http.Handler {
	if deps.Capability == nil {
		panic("api: capability service is required")
	}
	if deps.Lifecycle == nil {
		panic("api: lifecycle manager is required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	subscriptions := newSubscriptionHandler(deps.Capability, deps.Lifecycle, deps.Log)
	orgs := newOrgHandler(deps.Seats, deps.Log)
	webhooks := newWebhookHandler(deps.Webhooks, deps.Lifecycle, deps.Log)
	admin := newAdminHandler(deps.Reconcile, deps.Log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/subscription", subscriptions.get)
		r.Post("/subscription", subscriptions.create)
		r.Post("/subscription/plan", subscriptions.changePlan)
		r.Post("/subscription/downgrade", subscriptions.downgrade)
		r.Delete("/subscription", subscriptions.cancel)
		r.Post("/capabilities/{capability}", subscriptions.checkCapability)
	})

	r.Route("/orgs/{id}/members", func(r chi.Router) {
		r.Post("/", orgs.invite)
		r.Delete("/{memberID}", orgs.remove)
	})

	r.Post("/webhooks/billing", webhooks.handle)
	r.Get("/admin/reconciliation", admin.reconciliation)
	r.Get("/healthz", httpserver.HealthHandler(deps.Log, deps.HealthProbes...))

	return r
}
