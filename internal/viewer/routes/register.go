package routes

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/lovelink/internal/call"
	"github.com/petervdpas/lovelink/internal/callflow"
	"github.com/petervdpas/lovelink/internal/couple"
	"github.com/petervdpas/lovelink/internal/streak"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Events interface {
	ServeEvents(w http.ResponseWriter, r *http.Request)
}

// Calls is the call state machine as the API sees it.
type Calls interface {
	Snapshot() callflow.Snapshot
	Remote() *call.RemoteStream
	StartVoiceCall(ctx context.Context) error
	StartVideoCall(ctx context.Context) error
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	ToggleAudio(enabled bool) error
	ToggleVideo(enabled bool) error
}

type Deps struct {
	SelfID   string
	// Upgrader serves the websocket routes; nil allows same-origin only.
	Upgrader *websocket.Upgrader

	Calls     Calls
	Events    Events
	Logs      Logs
	Couples   *couple.Service
	Locations *couple.Locations
	Streaks   *streak.Service
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerCoupleRoutes(mux, d)
	registerStreakRoutes(mux, d)
}
