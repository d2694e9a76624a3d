package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fusor-core/internal/auth"
)

const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	if s.exporter != nil && s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.exporter)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/token", s.handleLogin)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermStatusRead))
				r.Get("/status", s.handleStatus)
				r.Get("/telemetry", s.handleTelemetry)
				r.Get("/sequence/history", s.handleHistory)
				r.Get("/events", s.handleListEvents)
				r.Get("/commands", s.handleListCommands)
				r.Get("/system", s.handleSystem)
			})

			r.With(s.requirePermission(auth.PermSequenceControl)).Post("/sequence/start", s.handleSequenceStart)
			r.With(s.requirePermission(auth.PermSequenceControl)).Post("/sequence/stop", s.handleSequenceStop)
			r.With(s.requirePermission(auth.PermEmergencyStop)).Post("/sequence/estop", s.handleEmergencyStop)
			r.With(s.requirePermission(auth.PermCommandSend)).Post("/commands", s.handleSendCommand)
		})
	})

	return r
}

// handleHealth reports the server version and every registered
// component's health. Any failing component makes the answer 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(s.health))
	for name, hc := range s.health {
		if err := hc.HealthCheck(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
