package viewer

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/lovelink/internal/callflow"
	"github.com/petervdpas/lovelink/internal/signal"
	"github.com/petervdpas/lovelink/internal/util"
)

// Event types pushed on /api/call/events.
const (
	EventState        = "state"
	EventIncoming     = "incoming"
	EventAlertCleared = "alert-cleared"
	EventAlertExpired = "alert-expired"
)

type Event struct {
	Seq       uint64             `json:"seq"`
	Type      string             `json:"type"`
	TS        time.Time          `json:"ts"`
	CallID    string             `json:"call_id,omitempty"`
	State     *callflow.Snapshot `json:"state,omitempty"`
	Offer     *signal.CallOffer  `json:"offer,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
}

// EventHub fans call events out to websocket clients. It is the controller's
// Notifier: an alert is an "incoming" event that expires on its own unless it
// is cleared first.
type EventHub struct {
	mu      sync.Mutex
	seq     uint64
	backlog *util.RingBuffer[Event]
	subs    map[chan Event]struct{}
	alerts  map[string]*time.Timer
	now     func() time.Time
}

func NewEventHub(backlog int) *EventHub {
	if backlog <= 0 {
		backlog = 64
	}
	return &EventHub{
		backlog: util.NewRingBuffer[Event](backlog),
		subs:    make(map[chan Event]struct{}),
		alerts:  make(map[string]*time.Timer),
		now:     time.Now,
	}
}

// Alert announces an incoming call for d.
func (h *EventHub) Alert(offer signal.CallOffer, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.alerts[offer.ID]; ok {
		t.Stop()
	}
	exp := h.now().Add(d)
	o := offer
	h.publishLocked(Event{Type: EventIncoming, CallID: offer.ID, Offer: &o, ExpiresAt: &exp})
	h.alerts[offer.ID] = time.AfterFunc(d, func() { h.expire(offer.ID) })
}

// Clear withdraws the alert for callID, if it is still showing.
func (h *EventHub) Clear(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.alerts[callID]
	if !ok {
		return
	}
	t.Stop()
	delete(h.alerts, callID)
	h.publishLocked(Event{Type: EventAlertCleared, CallID: callID})
}

func (h *EventHub) expire(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.alerts[callID]; !ok {
		return
	}
	delete(h.alerts, callID)
	h.publishLocked(Event{Type: EventAlertExpired, CallID: callID})
}

// StateChanged publishes a controller snapshot. Register it with
// Controller.OnChange.
func (h *EventHub) StateChanged(s callflow.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(Event{Type: EventState, CallID: s.CallID, State: &s})
}

func (h *EventHub) publishLocked(e Event) {
	h.seq++
	e.Seq = h.seq
	e.TS = h.now()
	h.backlog.Push(e)
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

// Subscribe returns the backlog after sequence number since and a channel of
// later events. since 0 replays the whole backlog.
func (h *EventHub) Subscribe(since uint64) (backlog []Event, ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	h.mu.Lock()
	backlog = h.backlog.Filter(func(e Event) bool { return e.Seq > since })
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return backlog, ch, cancel
}

// Close stops pending alert timers.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.alerts {
		t.Stop()
		delete(h.alerts, id)
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// GET /api/call/events[?since=seq] (WebSocket) - backlog first, then live
// events. A reconnecting client passes the last seq it saw.
func (h *EventHub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		since = n
	}
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("VIEWER: events upgrade: %v", err)
		return
	}
	defer conn.Close()

	backlog, ch, cancel := h.Subscribe(since)
	defer cancel()

	// Drain incoming frames so close and pong are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e)
	}
	for _, e := range backlog {
		if err := send(e); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := send(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
