// ABOUTME: Consumer HTTP API: agent views, connectivity status, reset and the SSE event stream
// ABOUTME: Every read goes through the publisher, never the store

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/fieldtrack/internal/stream"
	"github.com/2389/fieldtrack/internal/tracking"
)

// SSE event names on /api/stream
const (
	eventSnapshot = "snapshot"
	eventStatus   = "status"
	eventAlert    = "alert"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	SessionID   string         `json:"session_id"`
	Connected   bool           `json:"connected"`
	Status      *stream.Status `json:"status,omitempty"`
	Version     uint64         `json:"version"`
	Agents      int            `json:"agents"`
	AlertActive int            `json:"alert_active"`
	Error       string         `json:"error,omitempty"`
}

// handleListAgents returns the latest view. ?alerting=true keeps only agents
// with an active stationary alert.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	view := g.session.Publisher().Poll()

	if r.URL.Query().Get("alerting") == "true" {
		filtered := make([]tracking.AgentView, 0, view.AlertCount())
		for _, a := range view.Agents {
			if a.AlertActive {
				filtered = append(filtered, a)
			}
		}
		view.Agents = filtered
	}

	g.sendJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok := g.session.Publisher().Poll().Agent(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.sendJSON(w, http.StatusOK, agent)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	pub := g.session.Publisher()
	view := pub.Poll()

	resp := StatusResponse{
		SessionID:   g.session.ID(),
		Version:     view.Version,
		Agents:      len(view.Agents),
		AlertActive: view.AlertCount(),
	}
	if st, ok := pub.LastStatus(); ok {
		resp.Status = &st
		resp.Connected = st.Connected()
	}
	if err := g.session.Err(); err != nil {
		resp.Error = err.Error()
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleReset forgets every agent's accumulated history.
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := g.session.Reset(r.Context()); err != nil {
		g.logger.Warn("reset failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream pushes snapshots, status changes and alerts as server-sent
// events until the client goes away or the session stops.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	pub := g.session.Publisher()
	views, _ := pub.Subscribe(ctx)
	statuses, _ := pub.Status(ctx)
	alerts, _ := pub.Alerts(ctx)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(g.sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case v, ok := <-views:
			if !ok {
				return
			}
			g.writeSSEEvent(w, eventSnapshot, v)

		case st, ok := <-statuses:
			if !ok {
				return
			}
			g.writeSSEEvent(w, eventStatus, st)

		case ev, ok := <-alerts:
			if !ok {
				return
			}
			g.writeSSEEvent(w, eventAlert, ev)

		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
		}
		flusher.Flush()
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
