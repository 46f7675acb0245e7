package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snapshelf/backend/internal/middleware"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	DB             Pinger
	Users          UserStore
	Sessions       SessionManager
	Media          MediaStore
	Blobs          BlobStore
	Queue          IngestQueue
	Reprocessor    Reprocessor
	Search         SearchService
	Prober         VideoProber
	MaxUploadBytes int64
}

// RegisterRoutes wires HTTP handlers into r.
func RegisterRoutes(r chi.Router, deps Dependencies) {
	health := HealthHandler{DB: deps.DB}
	authH := AuthHandler{Users: deps.Users, Sessions: deps.Sessions}
	uploads := UploadHandler{
		Media:       deps.Media,
		Blobs:       deps.Blobs,
		Queue:       deps.Queue,
		Reprocessor: deps.Reprocessor,
		Prober:      deps.Prober,
		MaxBytes:    deps.MaxUploadBytes,
	}
	searchH := SearchHandler{Engine: deps.Search}

	authn := middleware.Authenticate(deps.Sessions)
	perMinute := func(n int, scope string) func(http.Handler) http.Handler {
		return middleware.RateLimit(middleware.PerMinute(n), scope)
	}

	r.Get("/healthz", health.Handle)

	r.Route("/api/auth", func(r chi.Router) {
		r.With(perMinute(5, "register")).Post("/register", authH.Register)
		r.With(perMinute(10, "login")).Post("/token", authH.Token)
		r.With(perMinute(30, "refresh")).Post("/token/refresh", authH.Refresh)
		r.Post("/logout", authH.Logout)
		r.With(authn).Get("/me", authH.Me)
	})

	r.Route("/api/uploads", func(r chi.Router) {
		r.Use(authn)
		r.With(perMinute(30, "upload")).Post("/", uploads.Create)
		r.Get("/", uploads.List)
		r.Get("/{id}", uploads.Get)
		r.Delete("/{id}", uploads.Delete)
		r.Post("/{id}/reprocess", uploads.Reprocess)
	})

	r.Route("/api/search", func(r chi.Router) {
		r.Use(authn)
		r.With(perMinute(60, "search")).Post("/", searchH.Search)
		r.With(perMinute(10, "search-batch")).Post("/batch", searchH.Batch)
		r.With(perMinute(100, "suggestions")).Get("/suggestions", searchH.Suggestions)
		r.With(perMinute(30, "similar")).Get("/similar/{id}", searchH.Similar)
		r.Get("/stats", searchH.Stats)
	})
}
