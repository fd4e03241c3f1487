package storefront

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog(s.logger))
	r.Use(chimw.Recoverer)

	// served in both states
	r.Get("/healthz", s.Healthz)
	r.Get("/items.csv", s.CatalogFile)
	r.Get("/purchase.html", s.PurchasePage)
	if s.opts.ImagesDir != "" {
		r.Handle("/images/*", http.StripPrefix("/images/", http.FileServer(http.Dir(s.opts.ImagesDir))))
	}
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/", s.Index)
		r.Get("/items", s.Items)
		r.Post("/api/shop", s.APIShop)
		r.Post("/buy", s.Buy)
		r.Get("/admin/events", s.AdminListEvents)
	})

	return r
}

// requireReady answers 503 until the flag client is in place.
func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.State() != StateReady {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "storefront is starting", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLog logs each request at debug level once it completes.
func requestLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())))
		})
	}
}
