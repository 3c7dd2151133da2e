package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Session is one call's peer connection and media. A new Session is built for
// every call; an ended one is never reused.
type Session struct {
	tag    string
	typ    CallType
	pc     *webrtc.PeerConnection
	local  *LocalStream
	remote *RemoteStream

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	mu             sync.Mutex
	audioOn        bool
	videoOn        bool
	awaitingAnswer bool
	remoteSet      bool
	queued         []webrtc.ICECandidateInit
	connected      bool
	ended          bool
}

func newSession(tag string, typ CallType, pc *webrtc.PeerConnection, local *LocalStream) *Session {
	return &Session{
		tag:     tag,
		typ:     typ,
		pc:      pc,
		local:   local,
		remote:  newRemoteStream(tag, typ),
		audioOn: local.Audio != nil,
		videoOn: local.Video != nil,
	}
}

// Type is the call's media kind.
func (s *Session) Type() CallType { return s.typ }

// Local is the captured stream sent to the partner.
func (s *Session) Local() *LocalStream { return s.local }

// Remote is the partner's stream. It has no tracks until media arrives.
func (s *Session) Remote() *RemoteStream { return s.remote }

func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// Connected reports whether the peer connection has reached connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// attachTracks adds the local tracks to the connection. A video call without
// a camera still negotiates a receive-only video m-line.
func (s *Session) attachTracks() error {
	if s.local.Audio != nil {
		sender, err := s.pc.AddTrack(s.local.Audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		s.audioSender = sender
		go drainRTCP(sender)
	} else {
		addRecvOnlyTransceiver(s.tag, s.pc, webrtc.RTPCodecTypeAudio)
	}

	if s.typ != Video {
		return nil
	}
	if s.local.Video != nil {
		sender, err := s.pc.AddTrack(s.local.Video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		s.videoSender = sender
		go drainRTCP(sender)
	} else {
		addRecvOnlyTransceiver(s.tag, s.pc, webrtc.RTPCodecTypeVideo)
	}
	return nil
}

// drainRTCP reads incoming RTCP for a sender so the interceptors see it.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) setAudio(enabled bool) error {
	return s.setTrack(&s.audioOn, s.audioSender, s.local.Audio, enabled, "audio")
}

func (s *Session) setVideo(enabled bool) error {
	return s.setTrack(&s.videoOn, s.videoSender, s.local.Video, enabled, "video")
}

// setTrack swaps the sender's track in place; muting sends nothing without
// renegotiating. No-op without a local track of that kind.
func (s *Session) setTrack(on *bool, sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || sender == nil || track == nil || *on == enabled {
		return nil
	}
	next := track
	if !enabled {
		next = nil
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	*on = enabled
	log.Infof("CALL [%s]: %s enabled=%v", s.tag, kind, enabled)
	return nil
}

func (s *Session) markAwaitingAnswer() {
	s.mu.Lock()
	s.awaitingAnswer = true
	s.mu.Unlock()
}

func (s *Session) markConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
}

// applyRemote flags the remote description as set and feeds the candidates
// that arrived before it.
func (s *Session) applyRemote() {
	s.mu.Lock()
	s.remoteSet = true
	s.awaitingAnswer = false
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: queued candidate rejected: %v", s.tag, err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("CALL [%s]: flushed %d queued candidates", s.tag, len(queued))
	}
}

// close stops local media and the connection. Idempotent.
func (s *Session) close() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.queued = nil
	s.mu.Unlock()

	s.remote.close()
	return multierr.Combine(
		s.pc.Close(),
		s.local.Stop(),
	)
}
