package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/parsedispatch/internal/api/middleware"
	"github.com/phrazzld/parsedispatch/internal/service"
	"github.com/phrazzld/parsedispatch/internal/service/auth"
	"github.com/rs/cors"
)

// RouterConfig collects what NewRouter wires together.
type RouterConfig struct {
	Tasks      service.TaskService
	JWTService auth.JWTService
	// Notifier receives engine callbacks. The callback route is only
	// mounted when it is set.
	Notifier           StatusNotifier
	CallbackSecret     string
	CORSAllowedOrigins []string
	Logger             *slog.Logger
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewTraceMiddleware(log))

	taskHandler := NewTaskHandler(cfg.Tasks)
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTService)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/tasks", taskHandler.SubmitTask)
			r.Get("/tasks", taskHandler.ListTasks)
			r.Get("/tasks/stats", taskHandler.GetStats)
			r.Get("/tasks/{id}", taskHandler.GetTask)
			r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
			r.Post("/tasks/{id}/retry", taskHandler.RetryTask)
		})

		if cfg.Notifier != nil {
			callbackHandler := NewCallbackHandler(cfg.Notifier)
			r.With(middleware.RequireCallbackSecret(cfg.CallbackSecret)).
				Post("/engine/callbacks", callbackHandler.HandleCallback)
		}
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error("failed to write health check response", "error", err)
		}
	})

	if len(cfg.CORSAllowedOrigins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Location"},
	})
	return c.Handler(r)
}
