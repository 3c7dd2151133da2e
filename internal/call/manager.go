// Package call owns the WebRTC side of a call using Pion: one peer connection
// per call, local capture through MediaDevices, and events through registered
// callbacks. It never talks to the signaling layer; callers move offers,
// answers and candidates between Manager and the signaling channel.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

// Manager runs at most one call session at a time.
type Manager struct {
	devices MediaDevices

	// opMu serializes call operations. Pion callbacks never take it.
	opMu sync.Mutex

	mu   sync.RWMutex
	opts Options
	sess *Session

	handlersMu  sync.RWMutex
	onRemote    []func(*RemoteStream)
	onEnd       []func()
	onCandidate []func(string)
}

// New creates a Manager capturing from devices.
func New(devices MediaDevices, opts Options) *Manager {
	return &Manager{devices: devices, opts: opts.withDefaults()}
}

// OnRemoteStream registers fn to run once per call when the partner's first
// media track arrives.
func (m *Manager) OnRemoteStream(fn func(*RemoteStream)) {
	m.handlersMu.Lock()
	m.onRemote = append(m.onRemote, fn)
	m.handlersMu.Unlock()
}

// OnCallEnd registers fn to run when a call ends, whether by EndCall or
// because the connection was lost. This is the authoritative end signal.
func (m *Manager) OnCallEnd(fn func()) {
	m.handlersMu.Lock()
	m.onEnd = append(m.onEnd, fn)
	m.handlersMu.Unlock()
}

// OnICECandidate registers fn to receive each locally gathered candidate as
// an opaque JSON string, to be forwarded to the partner.
func (m *Manager) OnICECandidate(fn func(candidate string)) {
	m.handlersMu.Lock()
	m.onCandidate = append(m.onCandidate, fn)
	m.handlersMu.Unlock()
}

// SetOptions replaces all connection options from the next call on.
func (m *Manager) SetOptions(opts Options) {
	opts = opts.withDefaults()
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
	log.Infof("CALL: options updated (%d ICE servers)", len(opts.ICEServers))
}

// Options returns the options the next call will use.
func (m *Manager) Options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

// LocalStream returns the active call's captured stream, or nil.
func (m *Manager) LocalStream() *LocalStream {
	if s := m.Current(); s != nil {
		return s.local
	}
	return nil
}

// StartCall captures local media for typ and builds an offer for receiverID.
func (m *Manager) StartCall(ctx context.Context, typ CallType, receiverID string) (Offer, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	s, err := m.prepare(ctx, typ)
	if err != nil {
		return Offer{}, err
	}

	desc, err := s.pc.CreateOffer(nil)
	if err == nil {
		err = s.pc.SetLocalDescription(desc)
	}
	if err != nil {
		m.abort(s)
		return Offer{}, fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
	}
	sdp, err := encodeSDP(s.pc.LocalDescription())
	if err != nil {
		m.abort(s)
		return Offer{}, err
	}
	s.markAwaitingAnswer()

	log.Infof("CALL [%s]: %s offer to %s", s.tag, typ, receiverID)
	return Offer{Type: typ, ReceiverID: receiverID, SDP: sdp}, nil
}

// AnswerCall captures local media matching the offer's type, applies the
// offer and builds the answer.
func (m *Manager) AnswerCall(ctx context.Context, offer Offer) (Answer, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	remote, err := decodeSDP(offer.SDP, webrtc.SDPTypeOffer)
	if err != nil {
		return Answer{}, err
	}
	s, err := m.prepare(ctx, offer.Type)
	if err != nil {
		return Answer{}, err
	}

	if err := s.pc.SetRemoteDescription(remote); err != nil {
		m.abort(s)
		return Answer{}, fmt.Errorf("%w: apply offer: %w", ErrNegotiation, err)
	}
	s.applyRemote()

	desc, err := s.pc.CreateAnswer(nil)
	if err == nil {
		err = s.pc.SetLocalDescription(desc)
	}
	if err != nil {
		m.abort(s)
		return Answer{}, fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
	}
	sdp, err := encodeSDP(s.pc.LocalDescription())
	if err != nil {
		m.abort(s)
		return Answer{}, err
	}

	log.Infof("CALL [%s]: answered %s call", s.tag, offer.Type)
	return Answer{SDP: sdp}, nil
}

// HandleAnswer applies the partner's answer to the pending local offer.
func (m *Manager) HandleAnswer(a Answer) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	s := m.Current()
	if s == nil {
		return fmt.Errorf("%w: no pending local offer", ErrNegotiation)
	}
	s.mu.Lock()
	pending := s.awaitingAnswer
	s.mu.Unlock()
	if !pending {
		return fmt.Errorf("%w: no pending local offer", ErrNegotiation)
	}

	desc, err := decodeSDP(a.SDP, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: apply answer: %w", ErrNegotiation, err)
	}
	s.applyRemote()
	log.Infof("CALL [%s]: answer applied", s.tag)
	return nil
}

// AddICECandidate feeds a partner candidate in. Candidates that arrive before
// the remote description are queued; ones that arrive after the connection
// is up, or with no call active, are ignored.
func (m *Manager) AddICECandidate(candidate string) error {
	s := m.Current()
	if s == nil {
		return nil
	}
	c, err := decodeCandidate(candidate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.ended || s.connected {
		s.mu.Unlock()
		return nil
	}
	if !s.remoteSet {
		s.queued = append(s.queued, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c); err != nil {
		if s.Connected() || s.isEnded() {
			return nil
		}
		return fmt.Errorf("%w: add candidate: %w", ErrNegotiation, err)
	}
	return nil
}

// EndCall stops local media, closes the connection and fires OnCallEnd.
// Safe to call at any time; with no active call it does nothing.
func (m *Manager) EndCall() error {
	m.opMu.Lock()
	s, err := m.detach(nil)
	m.opMu.Unlock()

	if s == nil {
		return nil
	}
	log.Infof("CALL [%s]: ended locally", s.tag)
	m.fireEnd()
	return err
}

// ToggleAudio mutes or unmutes the local microphone. No-op without a call.
func (m *Manager) ToggleAudio(enabled bool) error {
	s := m.Current()
	if s == nil {
		return nil
	}
	return s.setAudio(enabled)
}

// ToggleVideo disables or enables the local camera. No-op without a call or
// on a voice call.
func (m *Manager) ToggleVideo(enabled bool) error {
	s := m.Current()
	if s == nil {
		return nil
	}
	return s.setVideo(enabled)
}

// Close ends any active call.
func (m *Manager) Close() error {
	return m.EndCall()
}

// prepare opens capture and a fresh peer connection and makes the result the
// current session. m.opMu must be held.
func (m *Manager) prepare(ctx context.Context, typ CallType) (*Session, error) {
	if typ != Voice && typ != Video {
		return nil, fmt.Errorf("%w: unknown call type %q", ErrNegotiation, typ)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	busy := m.sess != nil
	opts := m.opts
	m.mu.RUnlock()
	if busy {
		return nil, fmt.Errorf("%w: a call is already active", ErrNegotiation)
	}

	tag := uuid.NewString()[:8]
	local, err := m.devices.Open(typ == Video)
	if err != nil {
		log.Warnf("CALL [%s]: capture failed: %v", tag, err)
		if errors.Is(err, ErrMediaAccessDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	}
	if local.Audio == nil && local.Video == nil {
		local.Stop()
		return nil, fmt.Errorf("%w: no tracks captured", ErrMediaAccessDenied)
	}

	pc, err := newPeerConnection(tag, m.devices, opts)
	if err != nil {
		local.Stop()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	s := newSession(tag, typ, pc, local)
	if err := s.attachTracks(); err != nil {
		s.close()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	m.watch(s)

	m.mu.Lock()
	m.sess = s
	m.mu.Unlock()
	return s, nil
}

// abort discards a session whose negotiation failed. OnCallEnd does not fire:
// the caller gets the error instead.
func (m *Manager) abort(s *Session) {
	if _, err := m.detach(s); err != nil {
		log.Warnf("CALL [%s]: teardown after failed negotiation: %v", s.tag, err)
	}
}

// detach clears the current session if it is want (any session when want is
// nil) and closes it. It returns the closed session or nil.
func (m *Manager) detach(want *Session) (*Session, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || (want != nil && s != want) {
		m.mu.Unlock()
		return nil, nil
	}
	m.sess = nil
	m.mu.Unlock()
	return s, s.close()
}

// watch wires the Pion callbacks of s. Each one checks that s is still the
// current session so a late event from a finished call is dropped.
func (m *Manager) watch(s *Session) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.isEnded() {
			return
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnf("CALL [%s]: encode candidate: %v", s.tag, err)
			return
		}
		m.fireCandidate(string(blob))
	})

	s.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("CALL [%s]: remote %s track (%s)", s.tag, tr.Kind(), tr.Codec().MimeType)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a keyframe right away so the picture starts clean.
			if err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			}); err != nil {
				log.Debugf("CALL [%s]: PLI: %v", s.tag, err)
			}
		}
		if s.remote.addTrack(tr) && m.Current() == s {
			m.fireRemote(s.remote)
		}
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Infof("CALL [%s]: connection %s", s.tag, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.markConnected()
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			go m.lost(s, st)
		}
	})
}

// lost ends s after its connection dropped, unless it already ended.
func (m *Manager) lost(s *Session, st webrtc.PeerConnectionState) {
	m.opMu.Lock()
	closed, err := m.detach(s)
	m.opMu.Unlock()
	if closed == nil {
		return
	}
	if err != nil {
		log.Warnf("CALL [%s]: teardown: %v", s.tag, err)
	}
	log.Infof("CALL [%s]: ended, connection %s", s.tag, st)
	m.fireEnd()
}

func (m *Manager) fireRemote(r *RemoteStream) {
	m.handlersMu.RLock()
	handlers := append([]func(*RemoteStream){}, m.onRemote...)
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(r)
	}
}

func (m *Manager) fireEnd() {
	m.handlersMu.RLock()
	handlers := append([]func(){}, m.onEnd...)
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

func (m *Manager) fireCandidate(c string) {
	m.handlersMu.RLock()
	handlers := append([]func(string){}, m.onCandidate...)
	m.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}
}
