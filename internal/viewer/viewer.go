// Package viewer is the local HTTP and WebSocket API a UI shell drives the
// node through: call control and events, the partner's live media, streaks,
// pairing, locations and logs.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/lovelink/internal/callflow"
	"github.com/petervdpas/lovelink/internal/couple"
	"github.com/petervdpas/lovelink/internal/streak"
	"github.com/petervdpas/lovelink/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	SelfID string

	Calls     *callflow.Controller
	Events    *EventHub
	Couples   *couple.Service
	Locations *couple.Locations
	Streaks   *streak.Service
	Logs      *LogBuffer
}

// Handler builds the API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		SelfID:    v.SelfID,
		Upgrader:  &Upgrader,
		Couples:   v.Couples,
		Locations: v.Locations,
		Streaks:   v.Streaks,
	}
	// Typed nils must not leak into the interfaces.
	if v.Calls != nil {
		deps.Calls = v.Calls
	}
	if v.Events != nil {
		deps.Events = v.Events
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Upgrader is shared by every websocket endpoint of the viewer.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The UI shell may load from file:// or a webview origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("VIEWER: listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
