package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		r.Get("/stats", apiHandler.StatsHandler)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", apiHandler.ListDocumentsHandler)
			r.Post("/", apiHandler.UploadDocumentsHandler)
			r.Delete("/", apiHandler.ClearDatabaseHandler)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", apiHandler.CreateSessionHandler)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Delete("/", apiHandler.ClearSessionHandler)
				r.Get("/turns", apiHandler.RecentTurnsHandler)
				r.Post("/ask", apiHandler.AskHandler)
				r.Post("/save", apiHandler.SaveSessionHandler)
				r.Post("/load", apiHandler.LoadSessionHandler)
				r.Delete("/saved", apiHandler.DeleteSavedSessionHandler)
			})
		})
	})

	return r
}
