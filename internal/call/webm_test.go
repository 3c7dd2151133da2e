package call

import (
	"bytes"
	"testing"
)

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return b
	default:
		t.Fatal("no message queued")
	}
	return nil
}

func TestEbmlVint(t *testing.T) {
	for _, tc := range []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x80}},
		{0x7E, []byte{0xFE}},
		{0x7F, []byte{0x40, 0x7F}},
		{0x3FFF, []byte{0x20, 0x3F, 0xFF}},
	} {
		if got := ebmlVint(tc.v); !bytes.Equal(got, tc.want) {
			t.Errorf("ebmlVint(%#x) = % x, want % x", tc.v, got, tc.want)
		}
	}
}

func TestVP8Frame(t *testing.T) {
	key := []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x80, 0x02, 0xE0, 0x01}
	if !isVP8Keyframe(key) {
		t.Fatal("keyframe not detected")
	}
	w, h, ok := vp8Dimensions(key)
	if !ok || w != 640 || h != 480 {
		t.Fatalf("dimensions = %dx%d ok=%v", w, h, ok)
	}
	if isVP8Keyframe([]byte{0x11}) {
		t.Fatal("interframe reported as keyframe")
	}
}

func TestAudioOnlyStream(t *testing.T) {
	m := newWebmMuxer("t", false, true)
	ch, cancel := m.subscribe()
	defer cancel()

	m.audioFrame(1000, []byte{1, 2, 3})
	m.audioFrame(1020, []byte{4, 5, 6})

	init := recv(t, ch)
	if !bytes.HasPrefix(init, idEBML) {
		t.Fatal("first message is not an EBML header")
	}
	if bytes.Contains(init, []byte("V_VP8")) || !bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatal("audio-only init segment has wrong tracks")
	}
	for i := 0; i < 2; i++ {
		if c := recv(t, ch); !bytes.HasPrefix(c, idCluster) {
			t.Fatalf("message %d is not a cluster", i+1)
		}
	}
}

func TestVideoStreamWaitsForKeyframe(t *testing.T) {
	m := newWebmMuxer("t", true, true)
	ch, cancel := m.subscribe()
	defer cancel()

	m.videoFrame(0, false, []byte{0x11, 0, 0})
	select {
	case <-ch:
		t.Fatal("emitted before the first keyframe")
	default:
	}

	m.audioFrame(5, []byte{9, 9})
	key := []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x40, 0x01, 0xF0, 0x00}
	m.videoFrame(33, true, key)

	init := recv(t, ch)
	if !bytes.Contains(init, []byte("V_VP8")) || !bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatal("init segment missing tracks")
	}
	cluster := recv(t, ch)
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Fatal("expected a cluster")
	}

	// A late subscriber starts from the init segment and last keyframe.
	late, cancelLate := m.subscribe()
	defer cancelLate()
	if !bytes.Equal(recv(t, late), init) {
		t.Fatal("late subscriber did not get the init segment")
	}
	if !bytes.Equal(recv(t, late), cluster) {
		t.Fatal("late subscriber did not get the keyframe cluster")
	}
}

func TestMuxerCloseEndsSubscribers(t *testing.T) {
	m := newWebmMuxer("t", false, true)
	ch, cancel := m.subscribe()
	m.close()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after close")
	}
	cancel()

	after, _ := m.subscribe()
	if _, ok := <-after; ok {
		t.Fatal("subscription after close should be closed")
	}
}
