package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/lovelink/internal/signal"
)

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Events != nil {
		mux.HandleFunc("/api/call/events", d.Events.ServeEvents)
	}
	if d.Calls == nil {
		return
	}
	calls := d.Calls
	upgrader := d.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/start {type}
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Type signal.CallType `json:"type"`
	}) {
		var err error
		switch req.Type {
		case signal.Voice:
			err = calls.StartVoiceCall(r.Context())
		case signal.Video:
			err = calls.StartVideoCall(r.Context())
		default:
			http.Error(w, "type must be voice or video", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Answer(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Reject(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.End(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/toggle-audio {enabled}
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req toggleRequest) {
		if err := calls.ToggleAudio(req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// POST /api/call/toggle-video {enabled}
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req toggleRequest) {
		if err := calls.ToggleVideo(req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	// GET /api/call/media (WebSocket): the partner's stream as binary WebM for
	// a Media Source Extensions player. First message is the init segment,
	// then clusters. Ends with the call.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		remote := calls.Remote()
		if remote == nil {
			http.Error(w, "no remote stream", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("VIEWER: media upgrade: %v", err)
			return
		}
		defer conn.Close()
		callID := calls.Snapshot().CallID
		log.Debugf("CALL [%s]: media WebSocket connected", callID)

		dataCh, cancel := remote.SubscribeMedia()
		defer cancel()

		// Drain incoming messages (ping/pong, close frames) without blocking.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				log.Debugf("CALL [%s]: media WebSocket disconnected", callID)
				return
			case data, ok := <-dataCh:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
						time.Now().Add(time.Second))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}
