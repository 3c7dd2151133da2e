// Package callflow is the call state machine. It moves offers, answers and
// ICE candidates between the signaling channel and the media manager, drives
// the incoming-call alert and holds at most one call per user at a time.
//
//	idle --start--> calling --answer received--> connected --end--> idle
//	idle --offer observed--> incoming --answer--> connected
//	incoming --reject / caller hung up--> idle
//	calling --cancel / rejected--> idle
package callflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/lovelink/internal/call"
	"github.com/petervdpas/lovelink/internal/signal"
)

var log = logging.Logger("callflow")

var (
	ErrInvalidPartner = errors.New("callflow: no connected partner")
	ErrBusy           = errors.New("callflow: a call is already active")
	ErrNoIncomingCall = errors.New("callflow: no incoming call")
	ErrCancelled      = errors.New("callflow: call ended before it was set up")
)

// Controller is one user's call state machine. All methods are safe for
// concurrent use.
type Controller struct {
	selfID   string
	sig      Signaling
	media    Media
	notifier Notifier
	partners PartnerResolver
	now      func() time.Time

	// ctx scopes the work done from callbacks; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped on every transition out of idle and back
	callID    string
	partnerID string
	typ       signal.CallType
	incoming  *signal.CallOffer
	answering bool // the incoming offer is claimed by an Answer in progress
	held      []string // local candidates gathered before the call id exists
	audioOn   bool
	videoOn   bool
	local     *call.LocalStream
	remote    *call.RemoteStream
	since     time.Time
	subs      []func()

	stopOffers func()

	emitMu      sync.Mutex
	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// New wires a controller for selfID. notifier may be nil.
func New(selfID string, sig Signaling, media Media, notifier Notifier, partners PartnerResolver) *Controller {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		selfID:   selfID,
		sig:      sig,
		media:    media,
		notifier: notifier,
		partners: partners,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		state:    Idle,
	}
	c.since = c.now()
	media.OnICECandidate(c.localCandidate)
	media.OnRemoteStream(c.remoteStream)
	media.OnCallEnd(c.mediaEnded)
	return c
}

// Start listens for offers addressed to this user until ctx is done or Close.
func (c *Controller) Start(ctx context.Context) error {
	stop, err := c.sig.SubscribeIncomingOffers(ctx, c.selfID, c.offerObserved)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stopOffers = stop
	c.mu.Unlock()
	log.Infof("CALLFLOW: listening for calls to %s", c.selfID)
	return nil
}

// Close ends any call and stops listening.
func (c *Controller) Close() error {
	c.mu.Lock()
	stop := c.stopOffers
	c.stopOffers = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	err := c.End(context.Background())
	c.cancel()
	return err
}

// OnChange registers fn to receive every new snapshot, in order. fn must not
// call the controller's call methods synchronously.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current call state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:        c.state,
		CallID:       c.callID,
		PartnerID:    c.partnerID,
		Type:         c.typ,
		AudioEnabled: c.audioOn,
		VideoEnabled: c.videoOn,
		HasLocal:     c.local != nil,
		HasRemote:    c.remote != nil,
		Since:        c.since,
	}
	if c.incoming != nil {
		o := *c.incoming
		s.Incoming = &o
	}
	return s
}

// Local returns the captured stream of the connected call, or nil.
func (c *Controller) Local() *call.LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Remote returns the partner's stream of the active call, or nil.
func (c *Controller) Remote() *call.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// StartVoiceCall calls the partner with audio only.
func (c *Controller) StartVoiceCall(ctx context.Context) error {
	return c.start(ctx, signal.Voice)
}

// StartVideoCall calls the partner with audio and video.
func (c *Controller) StartVideoCall(ctx context.Context) error {
	return c.start(ctx, signal.Video)
}

func (c *Controller) start(ctx context.Context, typ signal.CallType) error {
	partner, err := c.partners.PartnerOf(ctx, c.selfID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPartner, err)
	}
	if partner == "" {
		return ErrInvalidPartner
	}

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrBusy
	}
	gen := c.enterLocked(Calling)
	c.partnerID, c.typ = partner, typ
	c.audioOn, c.videoOn = true, typ == signal.Video
	c.mu.Unlock()
	log.Infof("CALLFLOW: idle -> calling %s (%s)", partner, typ)
	c.emit()

	offer, err := c.media.StartCall(ctx, call.CallType(typ), partner)
	if err != nil {
		c.finish(ctx, gen, "media: "+err.Error(), nil)
		return err
	}

	callID, err := c.sig.PublishOffer(ctx, c.selfID, partner, typ, offer.SDP)
	if err != nil {
		c.finish(ctx, gen, "offer not published", nil)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		// Hung up while the offer was in flight; withdraw it.
		if err := c.sig.PublishEnd(c.ctx, callID); err != nil {
			log.Warnf("CALLFLOW [%s]: withdraw offer: %v", callID, err)
		}
		return ErrCancelled
	}
	c.callID = callID
	held := c.held
	c.held = nil
	c.mu.Unlock()
	c.emit()

	for _, cand := range held {
		c.publishCandidate(callID, cand)
	}

	err = multierr.Combine(
		c.watchStatus(gen, callID),
		c.watchCandidates(gen, callID),
		c.watchAnswer(gen, callID),
	)
	if err != nil {
		c.finish(ctx, gen, "subscribe failed", c.sig.PublishEnd)
		return err
	}
	log.Infof("CALLFLOW [%s]: offer published to %s", callID, partner)
	return nil
}

// Answer accepts the incoming call.
func (c *Controller) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Incoming || c.incoming == nil {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	if c.answering {
		c.mu.Unlock()
		return ErrBusy
	}
	c.answering = true
	gen, offer := c.gen, *c.incoming
	c.mu.Unlock()

	ans, err := c.media.AnswerCall(ctx, call.Offer{
		Type:       call.CallType(offer.Type),
		ReceiverID: c.selfID,
		SDP:        offer.SessionDescription,
	})
	if err != nil {
		c.finish(ctx, gen, "media: "+err.Error(), c.sig.PublishReject)
		return err
	}
	if !c.current(gen) {
		c.media.EndCall()
		return ErrCancelled
	}

	// The media session exists now, so the candidate snapshot is not lost.
	if err := c.watchCandidates(gen, offer.ID); err != nil {
		c.finish(ctx, gen, "subscribe failed", c.sig.PublishReject)
		return err
	}
	if err := c.sig.PublishAnswer(ctx, offer.ID, ans.SDP); err != nil {
		// Answered elsewhere or already over: the stored status is final.
		// Otherwise tell the caller to stop ringing.
		var publish func(context.Context, string) error
		if !errors.Is(err, signal.ErrDoubleAnswer) && !errors.Is(err, signal.ErrCallClosed) {
			publish = c.sig.PublishReject
		}
		c.finish(ctx, gen, "answer not published", publish)
		return err
	}
	c.connect(gen)
	return nil
}

// Reject declines the incoming call.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Incoming {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen := c.gen
	c.mu.Unlock()
	return c.finish(ctx, gen, "rejected", c.sig.PublishReject)
}

// End hangs up from any state. An incoming call is rejected. Idempotent.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	state, gen := c.state, c.gen
	c.mu.Unlock()

	switch state {
	case Idle:
		return nil
	case Incoming:
		return c.finish(ctx, gen, "rejected", c.sig.PublishReject)
	default:
		return c.finish(ctx, gen, "ended locally", c.sig.PublishEnd)
	}
}

// ToggleAudio mutes or unmutes the microphone of the active call.
func (c *Controller) ToggleAudio(enabled bool) error {
	if !c.inCall() {
		return nil
	}
	if err := c.media.ToggleAudio(enabled); err != nil {
		return err
	}
	c.mu.Lock()
	c.audioOn = enabled
	c.mu.Unlock()
	c.emit()
	return nil
}

// ToggleVideo turns the camera of an active video call off or on.
func (c *Controller) ToggleVideo(enabled bool) error {
	if !c.inCall() {
		return nil
	}
	if err := c.media.ToggleVideo(enabled); err != nil {
		return err
	}
	c.mu.Lock()
	if c.typ == signal.Video {
		c.videoOn = enabled
	}
	c.mu.Unlock()
	c.emit()
	return nil
}

func (c *Controller) inCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Calling || c.state == Connected
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// enterLocked leaves idle for s and returns the new generation.
func (c *Controller) enterLocked(s State) uint64 {
	c.gen++
	c.state = s
	c.since = c.now()
	c.callID = ""
	c.held = nil
	c.local, c.remote = nil, nil
	c.subs = nil
	return c.gen
}

func (c *Controller) resetLocked() {
	c.gen++
	c.state = Idle
	c.since = c.now()
	c.callID, c.partnerID, c.typ = "", "", ""
	c.incoming = nil
	c.answering = false
	c.held = nil
	c.audioOn, c.videoOn = false, false
	c.local, c.remote = nil, nil
	c.subs = nil
}

// connect moves an answered call to connected and captures both streams.
func (c *Controller) connect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || (c.state != Calling && c.state != Incoming) {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = Connected
	c.since = c.now()
	c.incoming = nil
	c.answering = false
	c.local = c.media.LocalStream()
	callID := c.callID
	c.mu.Unlock()

	if prev == Incoming {
		c.notifier.Clear(callID)
	}
	log.Infof("CALLFLOW [%s]: %s -> connected", callID, prev)
	c.emit()
}

// finish returns to idle when gen is still the active call: it stops the
// call's subscriptions, releases the media, clears the alert and publishes
// the final status with publish (nil to publish nothing).
func (c *Controller) finish(ctx context.Context, gen uint64, reason string, publish func(context.Context, string) error) error {
	c.mu.Lock()
	if c.gen != gen || c.state == Idle {
		c.mu.Unlock()
		return nil
	}
	prev, callID, subs := c.state, c.callID, c.subs
	c.resetLocked()
	c.mu.Unlock()

	for _, stop := range subs {
		stop()
	}
	if prev == Incoming {
		c.notifier.Clear(callID)
	}

	err := c.media.EndCall()
	if callID != "" {
		if publish != nil {
			err = multierr.Append(err, publish(ctx, callID))
		}
		if _, perr := c.sig.PruneCandidates(c.ctx, callID); perr != nil {
			log.Debugf("CALLFLOW [%s]: prune candidates: %v", callID, perr)
		}
	}
	log.Infof("CALLFLOW [%s]: %s -> idle (%s)", callID, prev, reason)
	c.emit()
	return err
}

// track keeps stop with the call of generation gen, or runs it at once when
// that call is already over.
func (c *Controller) track(gen uint64, stop func()) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		stop()
		return false
	}
	c.subs = append(c.subs, stop)
	c.mu.Unlock()
	return true
}

func (c *Controller) watchStatus(gen uint64, callID string) error {
	stop, err := c.sig.WatchCall(c.ctx, callID, func(o signal.CallOffer) {
		if o.Status.Terminal() {
			c.finish(c.ctx, gen, "partner "+string(o.Status), nil)
		}
	})
	if err != nil {
		return err
	}
	c.track(gen, stop)
	return nil
}

func (c *Controller) watchCandidates(gen uint64, callID string) error {
	stop, err := c.sig.SubscribeIceCandidates(c.ctx, callID, c.selfID, func(ic signal.IceCandidate) {
		if !c.current(gen) {
			return
		}
		if err := c.media.AddICECandidate(ic.Candidate); err != nil {
			log.Warnf("CALLFLOW [%s]: candidate from %s: %v", callID, ic.SenderID, err)
		}
	})
	if err != nil {
		return err
	}
	c.track(gen, stop)
	return nil
}

func (c *Controller) watchAnswer(gen uint64, callID string) error {
	stop, err := c.sig.SubscribeAnswer(c.ctx, callID, func(a signal.CallAnswer) {
		c.mu.Lock()
		ok := c.gen == gen && c.state == Calling
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := c.media.HandleAnswer(call.Answer{SDP: a.SessionDescription}); err != nil {
			log.Warnf("CALLFLOW [%s]: %v", callID, err)
			c.finish(c.ctx, gen, "answer rejected", c.sig.PublishEnd)
			return
		}
		c.connect(gen)
	})
	if err != nil {
		return err
	}
	c.track(gen, stop)
	return nil
}

// offerObserved handles a pending offer addressed to this user. Offers seen
// while any call is active are ignored.
func (c *Controller) offerObserved(o signal.CallOffer) {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		log.Infof("CALLFLOW [%s]: ignoring offer from %s while %s", o.ID, o.CallerID, state)
		return
	}
	gen := c.enterLocked(Incoming)
	c.callID, c.partnerID, c.typ = o.ID, o.CallerID, o.Type
	offer := o
	c.incoming = &offer
	c.audioOn, c.videoOn = true, o.Type == signal.Video
	c.mu.Unlock()

	log.Infof("CALLFLOW [%s]: idle -> incoming %s call from %s", o.ID, o.Type, o.CallerID)
	c.notifier.Alert(o, AlertDuration)
	c.emit()

	// The caller may hang up before we answer.
	if err := c.watchStatus(gen, o.ID); err != nil {
		log.Warnf("CALLFLOW [%s]: watch call: %v", o.ID, err)
	}
}

// localCandidate forwards a gathered candidate, holding it until the offer
// has an id.
func (c *Controller) localCandidate(cand string) {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	if c.callID == "" {
		c.held = append(c.held, cand)
		c.mu.Unlock()
		return
	}
	callID := c.callID
	c.mu.Unlock()
	c.publishCandidate(callID, cand)
}

func (c *Controller) publishCandidate(callID, cand string) {
	if err := c.sig.PublishIceCandidate(c.ctx, callID, c.selfID, cand); err != nil {
		log.Warnf("CALLFLOW [%s]: publish candidate: %v", callID, err)
	}
}

func (c *Controller) remoteStream(r *call.RemoteStream) {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.remote = r
	c.mu.Unlock()
	c.emit()
}

// mediaEnded runs when the media manager reports the end of a call. Calls
// this controller ended itself are already idle by then.
func (c *Controller) mediaEnded() {
	c.mu.Lock()
	state, gen := c.state, c.gen
	c.mu.Unlock()
	if state == Calling || state == Connected {
		c.finish(c.ctx, gen, "connection lost", c.sig.PublishEnd)
	}
}

func (c *Controller) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	snap := c.Snapshot()
	c.listenersMu.RLock()
	listeners := append([]func(Snapshot){}, c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
