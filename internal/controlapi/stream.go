package controlapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"kalshibot/internal/events"
	"kalshibot/internal/kalshitypes"
	"kalshibot/internal/permission"
	"kalshibot/internal/reconcile"
)

const (
	sseSubscriberBuffer = 256
	sseKeepalive        = 25 * time.Second
)

// handleEvents streams every bus event to the client as Server-Sent
// Events until the connection closes. Restructured from the teacher's
// WebSocket push-hub (internal/api/stream.go's Hub/Client
// register/unregister/broadcast loop) into an SSE broadcaster: the
// register/unregister/drop-if-full behavior is unchanged, only the
// transport is (http.Flusher writes instead of a gorilla/websocket
// connection).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.bus.Subscribe(sseSubscriberBuffer)
	defer cancel()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) publishAgentState(rec kalshitypes.AgentRecord) {
	s.bus.Publish(events.Event{Type: "agent_state", Data: rec})
}

func (s *Server) publishSystemStatus(status permission.Status) {
	s.bus.Publish(events.Event{Type: "system_status", Data: status})
}

// PublishOrderEvent broadcasts an order/fill event of the given kind
// onto the control API's stream. The entry point does not call it: the
// execution engine publishes its own order and fill events on the
// shared bus.
func (s *Server) PublishOrderEvent(kind string, evt any) {
	s.bus.Publish(events.Event{Type: kind, Data: evt})
}

// PublishReconciliationSummary re-broadcasts a reconciliation pass's
// summary. The reconciler already publishes this directly on the shared
// bus (see internal/reconcile), so this is a convenience alias kept for
// call sites that hold a *Server rather than the bus.
func (s *Server) PublishReconciliationSummary(summary reconcile.Summary) {
	s.bus.Publish(events.Event{Type: "reconciliation_summary", Data: summary})
}

// PublishFeedStatus re-broadcasts a WebSocket feed's connection state,
// as reported by exchange.WSFeed.State().
func (s *Server) PublishFeedStatus(env kalshitypes.Environment, state string) {
	s.bus.Publish(events.Event{Type: "feed_status", Data: map[string]any{
		"environment": env,
		"state":       state,
	}})
}
