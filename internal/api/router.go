package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/sitesync/engine/internal/api/handlers"
	mw "github.com/sitesync/engine/internal/api/middleware"
	"github.com/sitesync/engine/pkg/metrics"
)

type Dependencies struct {
	HMACSecret     []byte
	AllowedOrigins []string
	RateLimiter    *mw.RateLimiter

	HealthHandler      *handlers.HealthHandler
	ProjectsHandler    *handlers.ProjectsHandler
	ChangesHandler     *handlers.ChangesHandler
	HistoryHandler     *handlers.HistoryHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	// Realtime serves the websocket endpoint.
	Realtime http.Handler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	r.Handle("/metrics", metrics.Handler())

	// The websocket handshake authenticates in-band, and must not be wrapped
	// by the compressing writer.
	if dep.Realtime != nil {
		r.Handle("/ws", dep.Realtime)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(mw.CORS(dep.AllowedOrigins))
		api.Use(chimid.Compress(5))
		api.Use(mw.Auth(dep.HMACSecret))
		if dep.RateLimiter != nil {
			api.Use(dep.RateLimiter.Handler)
		}

		api.Route("/projects", func(pr chi.Router) {
			pr.Get("/", dep.ProjectsHandler.List)
			pr.Post("/", dep.ProjectsHandler.Create)

			pr.Route("/{id}", func(p chi.Router) {
				p.Use(dep.ProjectsHandler.Authorize)
				p.Get("/", dep.ProjectsHandler.Get)
				p.Delete("/", dep.ProjectsHandler.Delete)
				p.Get("/status", dep.ProjectsHandler.Status)

				p.Get("/changes", dep.ChangesHandler.List)
				p.Post("/changes", dep.ChangesHandler.Stage)
				p.Delete("/changes", dep.ChangesHandler.Discard)

				p.Get("/commits", dep.HistoryHandler.ListCommits)
				p.Post("/commits", dep.ChangesHandler.Commit)
				p.Get("/commits/{commitId}", dep.HistoryHandler.GetCommit)

				p.Get("/files", dep.HistoryHandler.Tree)
				p.Get("/files/content", dep.HistoryHandler.Content)
				p.Get("/files/history", dep.HistoryHandler.PathHistory)

				p.Get("/deploys", dep.DeploymentsHandler.List)
				p.Post("/deploys", dep.DeploymentsHandler.Create)
				p.Get("/deploys/{deployId}", dep.DeploymentsHandler.Get)
				p.Get("/deploys/{deployId}/logs", dep.DeploymentsHandler.Logs)
				p.Post("/deploys/{deployId}/cancel", dep.DeploymentsHandler.Cancel)
			})
		})
	})

	return r
}
