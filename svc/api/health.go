package api

import (
	"context"
	"encoding/json"
	"net/http"
	"pastelite/svc/util"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type HealthzResponse struct {
	OK bool `json:"ok"`
}

type InfoResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// Health reports process liveness only.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Healthz reports whether the paste store is reachable.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := HealthzResponse{OK: true}
	if err := s.paste.Ping(ctx); err != nil {
		util.Error().
			Err(err).
			Str("request_id", util.GetRequestID(r.Context())).
			Msg("store health check failed")
		resp.OK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(InfoResponse{
		Name:    "pastelite",
		Version: Version,
		Endpoints: map[string]string{
			"health":      "/api/healthz",
			"createPaste": "POST /api/pastes",
			"getPaste":    "GET /api/pastes/:id",
			"viewPaste":   "GET /p/:id",
			"pasteQR":     "GET /p/:id/qr",
		},
	})
}
