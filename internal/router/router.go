package router

import (
	"context"
	"net/http"

	"github.com/antonminaichev/payflow/internal/entitlement"
	"github.com/antonminaichev/payflow/internal/forum"
	"github.com/antonminaichev/payflow/internal/logger"
	"github.com/antonminaichev/payflow/internal/middleware"
	"github.com/antonminaichev/payflow/internal/payment"
	"github.com/antonminaichev/payflow/internal/respond"
	"github.com/antonminaichev/payflow/internal/session"
	"github.com/antonminaichev/payflow/internal/task"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Session     *session.Handler
	Payment     *payment.Handler
	Entitlement *entitlement.Handler
	Task        *task.Handler
	Forum       *forum.Handler
}

func NewRouter(h Handlers, sessions middleware.SessionParser, db Pinger) chi.Router {
	r := chi.NewRouter()

	r.Use(logger.WithLogging)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			respond.Error(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// провайдеры подписывают сырое тело, поэтому без gzip
	r.Post("/provider-callback/{provider}", h.Payment.Callback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.GzipHandler)

		r.Post("/session", h.Session.Create)

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTMiddleware(sessions))

			r.Post("/payment-intent", h.Payment.CreateIntent)
			r.Get("/payment-intent/active", h.Payment.ActiveIntent)
		})

		r.Get("/payment-intent/{orderId}", h.Payment.GetIntent)
		r.Post("/payment-intent/{orderId}/confirm", h.Payment.Confirm)
		r.Post("/payment-intent/{orderId}/retry", h.Payment.Retry)

		r.Get("/entitlements/{orderId}", h.Entitlement.GetBundle)

		r.Get("/tasks", h.Task.ListTasks)
		r.Post("/tasks/{taskId}/claim", h.Task.Claim)

		r.Post("/forum/redeem", h.Forum.Redeem)
		r.Post("/forum/login", h.Forum.Login)
	})

	return r
}
