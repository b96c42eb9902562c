package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/taskqd/taskqd/internal/metrics"
	"github.com/taskqd/taskqd/pkg/httputil"
	"github.com/taskqd/taskqd/pkg/logger"
)

// NewRouter assembles the chi router: middleware chain, the versioned API
// routes and the unauthenticated health and metrics endpoints. tokenHeader
// names the request header carrying the caller's token.
func NewRouter(h *Handler, tokenHeader string, log *logger.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", tokenHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(instrument)
	r.Use(httputil.RequireJSON)
	r.Use(httputil.BearerToken(tokenHeader))

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth", h.Auth)
		r.Get("/auth", h.Authorization)

		r.Get("/option/{key}", h.GetOption)
		r.Post("/option/{key}", h.SetOption)

		r.Post("/permissions/{userId}", h.AddPermission)
		r.Delete("/permissions/{userId}", h.RemovePermission)

		r.Get("/plugin/{name}", h.PluginOptions)
		r.Post("/plugin/{name}", h.AddPlugin)
		r.Delete("/plugin/{name}", h.RemovePlugin)
		r.Get("/plugins", h.Plugins)

		r.Get("/reports", h.Reports)
		r.Get("/status", h.Status)

		r.Post("/task", h.AddTask)
		r.Get("/task/{id}", h.GetTask)
		r.Post("/task/{id}", h.EditTask)
		r.Put("/task/{id}", h.ToggleTask)
		r.Get("/tasks", h.Tasks)

		r.Post("/user", h.AddUser)
		r.Get("/user/{name}", h.GetUser)
		r.Post("/user/{name}", h.EditUser)
		r.Get("/users", h.Users)
	})

	return r
}

// instrument records per-request counters and latency.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

func health(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	httputil.ErrorStatus(w, http.StatusNotFound, "NOT_FOUND", "unknown resource")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	httputil.ErrorStatus(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
