/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. hlog:       zerolog request logger + access log line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the front desk UI

ROUTE GROUPS:
  /api/sessions               Catalog
  /api/instances/{sid}/{date} Attendance grid, edits, self-service
  /api/members/*              Directory and ledger history
  /api/ledger/*               Cosmetic deletion
  /api/admin/*                Audit
  /api/scenarios/*            Demo scenarios
  /metrics                    Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type RouterOptions struct {
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(h.logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)

		// Session instance routes
		r.Route("/instances/{sessionId}/{date}", func(r chi.Router) {
			r.Get("/", h.GetInstance)
			r.Put("/status", h.SaveStatuses)
			r.Post("/members/{memberId}/status", h.SetMemberStatus)

			r.Post("/guests", h.AddGuest)
			r.Post("/guests/{memberId}/replace", h.ReplaceGuest)
			r.Delete("/guests/{memberId}", h.RemoveGuest)

			r.Post("/waitlist", h.Enqueue)
			r.Delete("/waitlist/{memberId}", h.Dequeue)
			r.Post("/waitlist/{memberId}/promote", h.Promote)

			r.Post("/book", h.Book)
			r.Post("/cancel", h.Cancel)
		})

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Post("/{id}/unfreeze", h.Unfreeze)
		})

		// Ledger routes
		r.Route("/ledger", func(r chi.Router) {
			r.Delete("/{id}", h.HideLedgerEntry)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/audit", h.RunAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestIDLogger adds chi's request id to the request logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}
