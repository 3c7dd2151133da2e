package call

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaAccessDenied means local capture could not be opened.
	ErrMediaAccessDenied = errors.New("call: media access denied")
	// ErrNegotiation covers offer/answer construction failures and calls made
	// out of order. It is a programmer error and must not be retried.
	ErrNegotiation = errors.New("call: negotiation failed")
)

// CallType mirrors signal.CallType so this package stays free of the
// signaling layer.
type CallType string

const (
	Voice CallType = "voice"
	Video CallType = "video"
)

// Offer is what StartCall produces. SDP is the JSON form of a
// webrtc.SessionDescription and is opaque to everything but this package.
type Offer struct {
	Type       CallType `json:"type"`
	ReceiverID string   `json:"receiver_id"`
	SDP        string   `json:"sdp"`
}

// Answer is what AnswerCall produces.
type Answer struct {
	SDP string `json:"sdp"`
}

// MediaDevices opens local capture. Implementations live outside this package
// (see internal/capture) so negotiation can be tested with synthetic tracks.
type MediaDevices interface {
	// RegisterCodecs adds the codecs the captured tracks are encoded with.
	RegisterCodecs(me *webrtc.MediaEngine) error
	// Open starts capture of audio, plus video when video is true.
	Open(video bool) (*LocalStream, error)
}

// LocalStream is the captured audio and optional video of one call.
type LocalStream struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
	stop  func() error
}

// NewLocalStream wraps captured tracks. stop releases the devices; may be nil.
func NewLocalStream(audio, video webrtc.TrackLocal, stop func() error) *LocalStream {
	return &LocalStream{Audio: audio, Video: video, stop: stop}
}

// Stop releases the capture devices.
func (l *LocalStream) Stop() error {
	if l == nil || l.stop == nil {
		return nil
	}
	stop := l.stop
	l.stop = nil
	return stop()
}

// Options configures peer connections. Changes apply to the next call.
type Options struct {
	// ICEServers nil means DefaultICEServers; an empty slice means host
	// candidates only.
	ICEServers []webrtc.ICEServer

	// ICE timeouts; zero values fall back to the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates, for two nodes on one host.
	IncludeLoopback bool
}

// DefaultICEServers is used when no servers are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Generous timeouts so a brief relay or NAT hiccup does not end the call.
const (
	DefaultDisconnectedTimeout = 30 * time.Second
	DefaultFailedTimeout       = 120 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ICEServers == nil {
		o.ICEServers = DefaultICEServers
	}
	if o.DisconnectedTimeout <= 0 {
		o.DisconnectedTimeout = DefaultDisconnectedTimeout
	}
	if o.FailedTimeout <= 0 {
		o.FailedTimeout = DefaultFailedTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	return o
}
