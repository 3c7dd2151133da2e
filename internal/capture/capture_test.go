package capture

import (
	"errors"
	"testing"

	"go.uber.org/multierr"

	"github.com/petervdpas/lovelink/internal/call"
)

var _ call.MediaDevices = (*Devices)(nil)

func TestPlanVoiceNeverAsksForCamera(t *testing.T) {
	for _, a := range plan(false) {
		if a.video {
			t.Fatalf("voice plan opens the camera: %+v", a)
		}
	}
}

func TestPlanVideoFallsBack(t *testing.T) {
	got := plan(true)
	want := []string{"video+audio", "video-only", "audio-only"}
	if len(got) != len(want) {
		t.Fatalf("plan = %+v", got)
	}
	for i, a := range got {
		if a.label != want[i] {
			t.Errorf("attempt %d = %s, want %s", i, a.label, want[i])
		}
	}
	if !got[0].video || !got[0].audio {
		t.Fatal("first attempt must capture both tracks")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{MaxWidth: 320}.withDefaults()
	if o.MaxWidth != 320 || o.MaxHeight != DefaultMaxHeight || o.VideoBitRate != DefaultVideoBitRate {
		t.Fatalf("defaults = %+v", o)
	}
}

type stubTrack struct {
	closed bool
	err    error
}

func (s *stubTrack) Close() error {
	s.closed = true
	return s.err
}

func TestCloseAllClosesEveryTrack(t *testing.T) {
	busy, gone := errors.New("busy"), errors.New("gone")
	tracks := []*stubTrack{{err: busy}, {}, {err: gone}}

	err := closeAll(tracks)
	for i, tr := range tracks {
		if !tr.closed {
			t.Fatalf("track %d left open", i)
		}
	}
	if !errors.Is(err, busy) || !errors.Is(err, gone) || len(multierr.Errors(err)) != 2 {
		t.Fatalf("err = %v", err)
	}
	if err := closeAll([]*stubTrack{{}}); err != nil {
		t.Fatalf("clean close = %v", err)
	}
}
