package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/lovelink/internal/call"
	"github.com/petervdpas/lovelink/internal/callflow"
	"github.com/petervdpas/lovelink/internal/couple"
	"github.com/petervdpas/lovelink/internal/signal"
)

var log = logging.Logger("viewer")

// maxBody caps JSON request bodies.
const maxBody = 64 << 10

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into a T before calling fn. An empty body
// decodes as the zero T.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, callflow.ErrBusy),
		errors.Is(err, signal.ErrDoubleAnswer),
		errors.Is(err, signal.ErrCallClosed),
		errors.Is(err, signal.ErrAlreadyAnswered),
		errors.Is(err, couple.ErrCoupleFull),
		errors.Is(err, couple.ErrAlreadyPaired),
		errors.Is(err, couple.ErrOwnCouple):
		status = http.StatusConflict
	case errors.Is(err, callflow.ErrNoIncomingCall),
		errors.Is(err, signal.ErrUnknownCall),
		errors.Is(err, couple.ErrNoCouple):
		status = http.StatusNotFound
	case errors.Is(err, callflow.ErrInvalidPartner),
		errors.Is(err, callflow.ErrCancelled),
		errors.Is(err, couple.ErrInvalidCode),
		errors.Is(err, couple.ErrInvalidDate),
		errors.Is(err, couple.ErrInvalidLocation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, call.ErrMediaAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, signal.ErrTransport):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Warnf("VIEWER: %v", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
