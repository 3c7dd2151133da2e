package callflow

import (
	"context"
	"time"

	"github.com/petervdpas/lovelink/internal/call"
	"github.com/petervdpas/lovelink/internal/signal"
)

// State is the local view of the single active call.
type State string

const (
	Idle      State = "idle"
	Calling   State = "calling"
	Incoming  State = "incoming"
	Connected State = "connected"
)

// AlertDuration bounds the incoming-call alert. It is advisory UI timing; the
// offer itself stays pending until answered, rejected or ended.
const AlertDuration = 30 * time.Second

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	State        State             `json:"state"`
	CallID       string            `json:"call_id,omitempty"`
	PartnerID    string            `json:"partner_id,omitempty"`
	Type         signal.CallType   `json:"type,omitempty"`
	Incoming     *signal.CallOffer `json:"incoming,omitempty"`
	AudioEnabled bool              `json:"audio_enabled"`
	VideoEnabled bool              `json:"video_enabled"`
	HasLocal     bool              `json:"has_local_stream"`
	HasRemote    bool              `json:"has_remote_stream"`
	Since        time.Time         `json:"since"`
}

// Signaling is the part of signal.Channel the controller drives.
type Signaling interface {
	PublishOffer(ctx context.Context, callerID, receiverID string, typ signal.CallType, sdp string) (string, error)
	SubscribeIncomingOffers(ctx context.Context, selfID string, fn func(signal.CallOffer)) (func(), error)
	PublishAnswer(ctx context.Context, callID, sdp string) error
	SubscribeAnswer(ctx context.Context, callID string, fn func(signal.CallAnswer)) (func(), error)
	PublishReject(ctx context.Context, callID string) error
	PublishEnd(ctx context.Context, callID string) error
	WatchCall(ctx context.Context, callID string, fn func(signal.CallOffer)) (func(), error)
	PublishIceCandidate(ctx context.Context, callID, senderID, candidate string) error
	SubscribeIceCandidates(ctx context.Context, callID, selfID string, fn func(signal.IceCandidate)) (func(), error)
	PruneCandidates(ctx context.Context, callID string) (int, error)
}

// Media is the part of call.Manager the controller drives.
type Media interface {
	StartCall(ctx context.Context, typ call.CallType, receiverID string) (call.Offer, error)
	AnswerCall(ctx context.Context, offer call.Offer) (call.Answer, error)
	HandleAnswer(a call.Answer) error
	AddICECandidate(candidate string) error
	EndCall() error
	ToggleAudio(enabled bool) error
	ToggleVideo(enabled bool) error
	LocalStream() *call.LocalStream
	OnRemoteStream(fn func(*call.RemoteStream))
	OnCallEnd(fn func())
	OnICECandidate(fn func(candidate string))
}

// Notifier raises and clears the local incoming-call alert.
type Notifier interface {
	Alert(offer signal.CallOffer, d time.Duration)
	Clear(callID string)
}

// PartnerResolver names the user's connected partner ("" when none).
type PartnerResolver interface {
	PartnerOf(ctx context.Context, userID string) (string, error)
}

type noopNotifier struct{}

func (noopNotifier) Alert(signal.CallOffer, time.Duration) {}
func (noopNotifier) Clear(string)                          {}
