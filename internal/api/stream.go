package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phishguard/phishguard/internal/service"
)

const (
	streamBuffer    = 200
	wsWriteTimeout  = 5 * time.Second
	wsPingInterval  = 30 * time.Second
	wsMaxReadBytes  = 4 << 10
	wsCloseDeadline = 500 * time.Millisecond
)

func validMinAction(s string) bool {
	switch s {
	case "", "allow", "warn", "block":
		return true
	}
	return false
}

// streamDecisions sends decisions as server-sent events until the client goes
// away or the broker closes. ?min_action=warn drops allows.
func (a *App) streamDecisions(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeError(w, http.StatusServiceUnavailable, service.CodeUnavailable, "decision stream is not configured")
		return
	}
	minAction := r.URL.Query().Get("min_action")
	if !validMinAction(minAction) {
		writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, "invalid min_action")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, service.CodeInternal, "stream unsupported")
		return
	}

	// The server write timeout would otherwise cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(minAction, streamBuffer)
	defer a.broker.Unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			_, _ = w.Write([]byte("event: decision\ndata: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

// streamDecisionsWS sends each decision as a JSON text frame. Frames from the
// client are read only to notice that it went away.
func (a *App) streamDecisionsWS(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeError(w, http.StatusServiceUnavailable, service.CodeUnavailable, "decision stream is not configured")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, "websocket upgrade required")
		return
	}
	minAction := r.URL.Query().Get("min_action")
	if !validMinAction(minAction) {
		writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, "invalid min_action")
		return
	}

	up := websocket.Upgrader{
		// Browser extensions connect from their own origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxReadBytes)

	ch := a.broker.Subscribe(minAction, streamBuffer)
	defer a.broker.Unsubscribe(ch)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsCloseDeadline))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
