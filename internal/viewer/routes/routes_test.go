package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/petervdpas/lovelink/internal/call"
	"github.com/petervdpas/lovelink/internal/callflow"
	"github.com/petervdpas/lovelink/internal/couple"
	"github.com/petervdpas/lovelink/internal/docstore"
	"github.com/petervdpas/lovelink/internal/signal"
	"github.com/petervdpas/lovelink/internal/streak"
)

type fakeCalls struct {
	mu    sync.Mutex
	snap  callflow.Snapshot
	err   error
	calls []string
}

func (f *fakeCalls) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeCalls) Snapshot() callflow.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCalls) Remote() *call.RemoteStream { return nil }

func (f *fakeCalls) StartVoiceCall(context.Context) error {
	err := f.record("voice")
	if err == nil {
		f.mu.Lock()
		f.snap.State, f.snap.Type = callflow.Calling, signal.Voice
		f.mu.Unlock()
	}
	return err
}

func (f *fakeCalls) StartVideoCall(context.Context) error { return f.record("video") }
func (f *fakeCalls) Answer(context.Context) error         { return f.record("answer") }
func (f *fakeCalls) Reject(context.Context) error         { return f.record("reject") }
func (f *fakeCalls) End(context.Context) error            { return f.record("end") }

func (f *fakeCalls) ToggleAudio(enabled bool) error {
	return f.record(fmt.Sprintf("audio=%v", enabled))
}

func (f *fakeCalls) ToggleVideo(enabled bool) error {
	return f.record(fmt.Sprintf("video=%v", enabled))
}

type server struct {
	srv   *httptest.Server
	calls *fakeCalls
	deps  Deps
}

func newServer(t *testing.T, selfID string, store docstore.Store) *server {
	t.Helper()
	couples := couple.New(store)
	deps := Deps{
		SelfID:    selfID,
		Calls:     &fakeCalls{snap: callflow.Snapshot{State: callflow.Idle}},
		Couples:   couples,
		Locations: couple.NewLocations(store, couples),
		Streaks:   streak.New(store, nil),
	}
	mux := http.NewServeMux()
	Register(mux, deps)
	s := &server{srv: httptest.NewServer(mux), calls: deps.Calls.(*fakeCalls), deps: deps}
	t.Cleanup(s.srv.Close)
	return s
}

func newStore(t *testing.T) docstore.Store {
	t.Helper()
	store := docstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	return store
}

func (s *server) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestCallRoutes(t *testing.T) {
	s := newServer(t, "alice", newStore(t))

	var snap callflow.Snapshot
	if code := s.do(t, "GET", "/api/call/state", "", &snap); code != 200 || snap.State != callflow.Idle {
		t.Fatalf("state: %d %+v", code, snap)
	}
	if code := s.do(t, "POST", "/api/call/start", `{"type":"voice"}`, &snap); code != 200 || snap.State != callflow.Calling {
		t.Fatalf("start: %d %+v", code, snap)
	}
	if code := s.do(t, "POST", "/api/call/start", `{"type":"fax"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad type: %d", code)
	}
	if code := s.do(t, "POST", "/api/call/start", `{`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", code)
	}
	if code := s.do(t, "GET", "/api/call/answer", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET answer: %d", code)
	}

	for _, step := range []struct{ path, body string }{
		{"/api/call/toggle-audio", `{"enabled":false}`},
		{"/api/call/toggle-video", `{"enabled":true}`},
		{"/api/call/answer", ""},
		{"/api/call/reject", ""},
		{"/api/call/hangup", ""},
	} {
		if code := s.do(t, "POST", step.path, step.body, nil); code != 200 {
			t.Fatalf("%s: %d", step.path, code)
		}
	}
	want := []string{"voice", "audio=false", "video=true", "answer", "reject", "end"}
	if fmt.Sprint(s.calls.calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", s.calls.calls, want)
	}

	if code := s.do(t, "GET", "/api/call/media", "", nil); code != http.StatusNotFound {
		t.Fatalf("media without a call: %d", code)
	}
}

func TestCallErrorsMapToStatus(t *testing.T) {
	s := newServer(t, "alice", newStore(t))
	for _, tc := range []struct {
		err  error
		want int
	}{
		{callflow.ErrInvalidPartner, http.StatusUnprocessableEntity},
		{callflow.ErrBusy, http.StatusConflict},
		{callflow.ErrNoIncomingCall, http.StatusNotFound},
		{fmt.Errorf("open: %w", call.ErrMediaAccessDenied), http.StatusForbidden},
		{fmt.Errorf("publish: %w", signal.ErrTransport), http.StatusBadGateway},
	} {
		s.calls.err = tc.err
		if code := s.do(t, "POST", "/api/call/answer", "", nil); code != tc.want {
			t.Errorf("%v: status %d, want %d", tc.err, code, tc.want)
		}
	}
}

func TestPairingAndTimeline(t *testing.T) {
	store := newStore(t)
	alice := newServer(t, "alice", store)
	bob := newServer(t, "bob", store)

	if code := alice.do(t, "GET", "/api/couple", "", nil); code != http.StatusNotFound {
		t.Fatalf("couple before create: %d", code)
	}
	var c couple.Couple
	if code := alice.do(t, "POST", "/api/couple", "", &c); code != 200 || c.Code == "" {
		t.Fatalf("create: %d %+v", code, c)
	}
	if code := bob.do(t, "POST", "/api/couple/join", `{"code":"BADCODE1"}`, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("bad code: %d", code)
	}
	if code := bob.do(t, "POST", "/api/couple/join", `{"code":"`+c.Code+`"}`, &c); code != 200 || c.User2 != "bob" {
		t.Fatalf("join: %d %+v", code, c)
	}
	if code := alice.do(t, "POST", "/api/couple/start", `{"date":"2020-02-30"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad date: %d", code)
	}
	if code := alice.do(t, "POST", "/api/couple/start", `{"date":"2020-02-14"}`, nil); code != 200 {
		t.Fatalf("set start: %d", code)
	}

	var tl struct {
		Years     int `json:"years"`
		TotalDays int `json:"total_days"`
	}
	if code := bob.do(t, "GET", "/api/timeline", "", &tl); code != 200 || tl.Years < 4 || tl.TotalDays < 365*4 {
		t.Fatalf("timeline: %d %+v", code, tl)
	}
}

func TestLocationRoutes(t *testing.T) {
	store := newStore(t)
	alice := newServer(t, "alice", store)
	bob := newServer(t, "bob", store)

	var c couple.Couple
	alice.do(t, "POST", "/api/couple", "", &c)
	bob.do(t, "POST", "/api/couple/join", `{"code":"`+c.Code+`"}`, nil)

	if code := alice.do(t, "POST", "/api/location", `{"latitude":0}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing longitude: %d", code)
	}
	if code := alice.do(t, "POST", "/api/location", `{"latitude":95,"longitude":0}`, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("out of range: %d", code)
	}
	alice.do(t, "POST", "/api/location", `{"latitude":0,"longitude":0}`, nil)
	bob.do(t, "POST", "/api/location", `{"latitude":0,"longitude":1}`, nil)

	var d couple.Distance
	if code := alice.do(t, "GET", "/api/location/distance", "", &d); code != 200 || d.Km == nil {
		t.Fatalf("distance: %d %+v", code, d)
	}
	if *d.Km < 110 || *d.Km > 112 {
		t.Fatalf("km = %v", *d.Km)
	}
}

func TestStreakRoutes(t *testing.T) {
	s := newServer(t, "alice", newStore(t))

	var v struct {
		Current int     `json:"current_streak"`
		Last    *string `json:"last_activity_date"`
	}
	if code := s.do(t, "GET", "/api/streak", "", &v); code != 200 || v.Current != 0 || v.Last != nil {
		t.Fatalf("new streak: %d %+v", code, v)
	}
	if code := s.do(t, "POST", "/api/streak/activity", "", &v); code != 200 || v.Current != 1 || v.Last == nil {
		t.Fatalf("record: %d %+v", code, v)
	}
	if code := s.do(t, "POST", "/api/streak/activity", "", &v); code != 200 || v.Current != 1 {
		t.Fatalf("second record: %d %+v", code, v)
	}
}
