package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// HealthResponse is the unauthenticated liveness report
type HealthResponse struct {
	Status     string            `json:"status"`
	Queue      QueueDepth        `json:"queue"`
	Components map[string]string `json:"components,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// QueueDepth summarizes queue occupancy
type QueueDepth struct {
	Pending int64 `json:"pending"`
	Active  int64 `json:"active"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()
	resp := HealthResponse{
		Status:     "ok",
		Components: health.Components,
		Version:    health.Version,
		Uptime:     health.Uptime,
	}

	if err := s.store.Ping(r.Context()); err != nil {
		metrics.UpdateComponent("store", false, err.Error())
		resp.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	counts, err := s.store.CountBuildsByStatus(r.Context())
	if err != nil || health.Status != "healthy" {
		resp.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Queue = QueueDepth{
		Pending: counts[types.BuildStatusPending],
		Active:  counts[types.BuildStatusAssigned] + counts[types.BuildStatusBuilding],
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams broker events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.authAdmin(r); err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, types.ErrServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
