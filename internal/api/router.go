// Package api wires the HTTP handlers into a chi router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/t212-digrin/internal/api/handlers"
	"github.com/dvloznov/t212-digrin/internal/api/middleware"
)

// Service is everything the API needs from the pipeline.
type Service interface {
	handlers.ExportService
	handlers.FileService
}

// NewRouter builds the API routes with the middleware chain applied.
func NewRouter(svc Service, log zerolog.Logger) http.Handler {
	exports := handlers.NewExportsHandler(svc, log)
	files := handlers.NewFilesHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS)

	r.Get("/health", handlers.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/exports", exports.ListExports)
		r.Post("/exports", exports.CreateExport)
		r.Get("/exports/period", exports.DefaultPeriod)
		r.Post("/exports/refresh", exports.Refresh)
		r.Post("/exports/{reportID}/download", exports.Download)

		r.Get("/files", files.ListFiles)
		r.Get("/files/{name}/summary", files.Summary)
		r.Post("/transform", files.Transform)
		r.Post("/merge", files.Merge)
		r.Get("/history", files.History)
	})

	return r
}
