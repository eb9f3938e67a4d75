package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/tripplanner/internal/logging"
	"github.com/kimhsiao/tripplanner/internal/sync"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "tripplanner-desktop"

// NewRouter wires every API route to o. ws, when non-nil, serves /api/ws.
func NewRouter(o *sync.Orchestrator, ws http.Handler) *chi.Mux {
	entities := NewEntityHandler(o)
	syncHandler := NewSyncHandler(o)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", Health)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncHandler.GetStatus)
			r.Post("/", syncHandler.TriggerSync)
			r.Get("/queue", syncHandler.ListQueue)
		})
		r.Post("/connectivity", syncHandler.SetConnectivity)

		if ws != nil {
			r.Handle("/ws", ws)
		}

		r.Route("/{kind}", func(r chi.Router) {
			r.Get("/", entities.List)
			r.Post("/", entities.Create)
			r.Patch("/{id}", entities.Update)
			r.Delete("/{id}", entities.Delete)
		})
	})
	return r
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
