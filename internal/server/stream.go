package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
)

const streamHeartbeat = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is enforced by the router middleware; the upgrade itself accepts
	// any origin the middleware let through.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRunEvents streams a run's bus events as server-sent events. The
// stream closes after the terminal event, or when the client disconnects.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.engine.Store().GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Already finished: replay the terminal event and close.
	if run.Status.Terminal() {
		writeSSE(w, terminalEvent(run))
		flusher.Flush()
		return
	}

	sub := s.engine.Bus().Subscribe(runID)
	defer sub.Cancel()

	// The run may have finished between the status check and the subscribe,
	// in which case the terminal event was published before anyone listened.
	// The engine persists the terminal status before publishing, so a
	// non-terminal read here guarantees the subscription sees the event.
	if cur, err := s.engine.Store().GetRun(r.Context(), runID); err == nil && cur.Status.Terminal() {
		writeSSE(w, terminalEvent(cur))
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// SSE comment line keeps proxies from timing the stream out.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.C():
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == model.EventRunComplete || ev.Type == model.EventRunFailed {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

// handleRunSocket streams a run's bus events over a websocket with the same
// payloads as the SSE endpoint.
func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.engine.Store().GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Debug("server: websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	if run.Status.Terminal() {
		_ = conn.WriteJSON(terminalEvent(run))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	// Read pump: we never expect client frames, but reading surfaces the
	// close handshake and broken connections.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := s.engine.Bus().Subscribe(runID)
	defer sub.Cancel()

	// Same race as the SSE handler: replay if the run finished before the
	// subscription was in place.
	if cur, err := s.engine.Store().GetRun(r.Context(), runID); err == nil && cur.Status.Terminal() {
		_ = conn.WriteJSON(terminalEvent(cur))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, open := <-sub.C():
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == model.EventRunComplete || ev.Type == model.EventRunFailed {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

// terminalEvent reconstructs the terminal bus event for an already-finished
// run so late subscribers still get a final payload.
func terminalEvent(run *model.Run) model.Event {
	evType := model.EventRunComplete
	if run.Status == model.RunStatusFailed {
		evType = model.EventRunFailed
	}
	return model.Event{
		Type:      evType,
		RunID:     run.ID,
		Result:    run.Result,
		Timestamp: run.UpdatedAt,
	}
}
