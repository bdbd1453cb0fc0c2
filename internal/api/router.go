package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/send", s.handleSend)
			r.Post("/learn", s.handleLearn)
			r.Get("/{key}", s.handleGetDevice)
		})

		r.Get("/events", s.handleListEvents)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Bridge        broadlink.HealthStatus `json:"bridge,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	MQTTConnected *bool                  `json:"mqtt_connected,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.version}

	if s.health != nil {
		resp.Bridge, resp.Reason = s.health.Status()
		if resp.Bridge == broadlink.HealthDegraded {
			resp.Status = "degraded"
		}
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTTConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
