package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	ajhttp "github.com/ledgerline/ledgerline/internal/autojournal/http"
	"github.com/ledgerline/ledgerline/internal/observability"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Metrics            *observability.Metrics
	AutoJournalHandler *ajhttp.Handler
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/api/autojournal", func(r chi.Router) {
		r.Use(RequireBearerToken(params.Config))
		params.AutoJournalHandler.MountRoutes(r)
	})

	return r
}
