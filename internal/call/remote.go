package call

import (
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// maxLate is how many RTP packets the sample builder waits for a missing
// one before giving up on the frame.
const maxLate = 128

// RemoteStream is the partner's media for one call. Tracks are added as they
// arrive; the stream is handed to OnRemoteStream handlers once, on the first.
type RemoteStream struct {
	tag string
	mux *webmMuxer

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	closed bool
}

func newRemoteStream(tag string, typ CallType) *RemoteStream {
	return &RemoteStream{
		tag: tag,
		mux: newWebmMuxer(tag, typ == Video, true),
	}
}

// Tracks returns the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// HasVideo reports whether a remote video track has arrived.
func (r *RemoteStream) HasVideo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// SubscribeMedia streams the remote media as live WebM messages until the
// call ends or cancel is called.
func (r *RemoteStream) SubscribeMedia() (<-chan []byte, func()) {
	return r.mux.subscribe()
}

// addTrack records tr and starts relaying it. It reports whether tr is the
// first track of the stream.
func (r *RemoteStream) addTrack(tr *webrtc.TrackRemote) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.tracks = append(r.tracks, tr)
	first := len(r.tracks) == 1
	r.mu.Unlock()

	go r.relay(tr)
	return first
}

func (r *RemoteStream) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.mux.close()
}

// relay reads tr until the connection closes, feeding whole frames to the
// WebM muxer. Tracks in codecs the muxer cannot carry are drained so the
// interceptors keep producing receiver reports.
func (r *RemoteStream) relay(tr *webrtc.TrackRemote) {
	codec := tr.Codec()
	var dep rtp.Depacketizer
	video := false
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		dep, video = &codecs.VP8Packet{}, true
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		dep = &codecs.OpusPacket{}
	}

	if dep == nil || codec.ClockRate < 1000 {
		log.Infof("CALL [%s]: no WebM relay for %s, draining", r.tag, codec.MimeType)
		for {
			if _, _, err := tr.ReadRTP(); err != nil {
				return
			}
		}
	}

	sb := samplebuilder.New(maxLate, dep, codec.ClockRate)
	perMs := int64(codec.ClockRate / 1000)
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			log.Debugf("CALL [%s]: remote %s track ended: %v", r.tag, tr.Kind(), err)
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			ms := int64(s.PacketTimestamp) / perMs
			if video {
				r.mux.videoFrame(ms, isVP8Keyframe(s.Data), s.Data)
			} else {
				r.mux.audioFrame(ms, s.Data)
			}
		}
	}
}
