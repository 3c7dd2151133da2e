package signal

import (
	"time"

	"github.com/petervdpas/lovelink/internal/docstore"
)

// CallType is the media kind of a call. Values are stored; keep them stable.
type CallType string

const (
	Voice CallType = "voice"
	Video CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool { return t == Voice || t == Video }

// Status is the lifecycle of a CallOffer. Rejected and Ended are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusEnded }

// Collections used in the document store.
const (
	CallsCollection      = "calls"
	AnswersCollection    = "call_answers"
	CandidatesCollection = "ice_candidates"
)

// CallOffer is one call attempt. SessionDescription is opaque.
type CallOffer struct {
	ID                 string    `json:"id"`
	CallerID           string    `json:"caller_id"`
	ReceiverID         string    `json:"receiver_id"`
	Type               CallType  `json:"type"`
	SessionDescription string    `json:"offer"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// CallAnswer is the receiver's half of the handshake; one per accepted call.
type CallAnswer struct {
	CallID             string    `json:"call_id"`
	SessionDescription string    `json:"answer"`
	CreatedAt          time.Time `json:"created_at"`
}

// IceCandidate is one network path published by SenderID. Candidate is opaque.
type IceCandidate struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	SenderID  string    `json:"sender_id"`
	Candidate string    `json:"candidate"`
	CreatedAt time.Time `json:"created_at"`
}

func offerFromDoc(d docstore.Doc) CallOffer {
	return CallOffer{
		ID:                 d.ID,
		CallerID:           d.Get("caller_id"),
		ReceiverID:         d.Get("receiver_id"),
		Type:               CallType(d.Get("type")),
		SessionDescription: d.Get("offer"),
		Status:             Status(d.Get("status")),
		CreatedAt:          d.CreatedAt,
	}
}

func answerFromDoc(d docstore.Doc) CallAnswer {
	return CallAnswer{
		CallID:             d.Get("call_id"),
		SessionDescription: d.Get("answer"),
		CreatedAt:          d.CreatedAt,
	}
}

func candidateFromDoc(d docstore.Doc) IceCandidate {
	return IceCandidate{
		ID:        d.ID,
		CallID:    d.Get("call_id"),
		SenderID:  d.Get("sender_id"),
		Candidate: d.Get("candidate"),
		CreatedAt: d.CreatedAt,
	}
}
