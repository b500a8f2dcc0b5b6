package main

import (
	"log/slog"
	"net/http"

	"github.com/patchworkhq/backend/internal/auth"
	"github.com/patchworkhq/backend/internal/config"
	"github.com/patchworkhq/backend/internal/handlers"
	"github.com/patchworkhq/backend/internal/middleware"
	"github.com/patchworkhq/backend/internal/webhook"
)

// RegisterRoutes wires the public and internal endpoints.
// User routes: BearerAuth -> handler. Worker/scheduler routes:
// InternalAuth -> handler (the webhook route additionally verifies the
// per-task signature inside the handler, after the secret lookup).
func RegisterRoutes(
	mux *http.ServeMux,
	taskSvc handlers.TaskService,
	verifier *webhook.Verifier,
	authSvc auth.Service,
	authHandler *auth.Handler,
	cfg *config.Config,
	logger *slog.Logger,
) {
	th := &handlers.TaskHandler{
		Service:  taskSvc,
		Verifier: verifier,
		Logger:   logger,
	}

	userAuth := middleware.BearerAuth(authSvc)
	internalAuth := middleware.InternalAuth(cfg.InternalAuthToken)

	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)

	mux.Handle("POST /v1/code-tasks", userAuth(http.HandlerFunc(th.CreateTask)))
	mux.Handle("GET /v1/code-tasks", userAuth(http.HandlerFunc(th.ListTasks)))
	mux.Handle("GET /v1/code-tasks/{id}", userAuth(http.HandlerFunc(th.GetTask)))
	mux.Handle("POST /v1/code-tasks/{id}/cancel", userAuth(http.HandlerFunc(th.CancelTask)))

	mux.Handle("POST /v1/code-tasks/{id}/webhook", internalAuth(http.HandlerFunc(th.Webhook)))
	mux.Handle("POST /v1/code-tasks/heartbeat", internalAuth(http.HandlerFunc(th.Heartbeat)))
	mux.Handle("POST /internal/zombie-sweep", internalAuth(http.HandlerFunc(th.ZombieSweep)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
