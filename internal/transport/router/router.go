package router

import (
	"net/http"
	"time"

	"github.com/Shaance/image-converter/internal/transport/handler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/batches", func(r chi.Router) {
		r.Post("/", h.CreateBatch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Status)
			r.Post("/presign", h.Presign)
			r.Post("/uploads", h.ConfirmUpload)
			r.Post("/images", h.UploadImage)
		})
	})

	return r
}
