package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/tessera/internal/service"
)

// Options configures the API router.
type Options struct {
	// AuthEnabled controls whether Bearer token auth is enforced.
	AuthEnabled bool
	Token       string
	// Events, if non-nil, is mounted at GET /events inside the auth group.
	Events http.Handler
	// VerifyRate and VerifyBurst limit the verify endpoints; a rate <= 0
	// disables limiting.
	VerifyRate  float64
	VerifyBurst int
	MaxUpload   int64
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(svc *service.Service, opts Options) chi.Router {
	h := NewHandler(svc)
	uh := NewUploadHandler(svc, opts.MaxUpload)
	limited := RateLimit(NewLimiter(opts.VerifyRate, opts.VerifyBurst))

	r := chi.NewRouter()
	r.Use(AuthMiddleware(opts.AuthEnabled, opts.Token))

	// Ingestion.
	r.Post("/ingest", uh.Ingest)

	// Integrity.
	r.With(limited).Post("/verify", h.Verify)
	r.With(limited).Get("/pointers/{id}/verify", h.VerifyPointer)
	r.Post("/pointers", h.IssuePointer)

	// Read-only export.
	r.Get("/messages/{id}", h.GetMessage)
	r.Get("/threads/{id}", h.GetThread)
	r.Get("/links/{child}", h.GetLink)
	r.Get("/dedupe/{id}", h.GetDedupe)
	r.Get("/audit", h.GetAudit)

	// Review.
	r.Get("/review", h.GetReview)
	r.Post("/review/dedupe/{id}/resolve", h.ResolveDedupe)
	r.Post("/review/links/{child}/resolve", h.ResolveLink)

	// SSE endpoint (protected by same auth middleware).
	if opts.Events != nil {
		r.Get("/events", opts.Events.ServeHTTP)
	}

	return r
}
