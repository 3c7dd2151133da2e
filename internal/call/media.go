package call

import (
	"encoding/json"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a fresh API and PeerConnection for one call. The
// media engine is populated by the capture devices so the negotiated codecs
// match what the local tracks produce.
func newPeerConnection(tag string, devices MediaDevices, opts Options) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := devices.RegisterCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, err
	}
	log.Debugf("CALL [%s]: peer connection ready (%d ICE servers)", tag, len(opts.ICEServers))
	return pc, nil
}

// addRecvOnlyTransceiver keeps an m-line for kind when no local track of that
// kind is sent, so a video call still receives video from a partner whose
// camera failed.
func addRecvOnlyTransceiver(tag string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("CALL [%s]: AddTransceiver(%s) error: %v", tag, kind, err)
	}
}

func encodeSDP(desc *webrtc.SessionDescription) (string, error) {
	if desc == nil {
		return "", fmt.Errorf("%w: no local description", ErrNegotiation)
	}
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("%w: encode description: %w", ErrNegotiation, err)
	}
	return string(b), nil
}

func decodeSDP(blob string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(blob), &desc); err != nil {
		return desc, fmt.Errorf("%w: decode description: %w", ErrNegotiation, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: got %s description, want %s", ErrNegotiation, desc.Type, want)
	}
	return desc, nil
}

func decodeCandidate(blob string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return c, fmt.Errorf("%w: decode candidate: %w", ErrNegotiation, err)
	}
	return c, nil
}
