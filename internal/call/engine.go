// Package call implements the call signaling state machine. It owns at
// most one call at a time and is coupled to the rest of the client only
// through the Signaler and Recorder interfaces, so tests run it against
// fakes with no live connection.
package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/okale/convo/internal/conversation"
	"github.com/okale/convo/internal/media"
	"github.com/okale/convo/internal/proto"
)

// State is the lifecycle position of the active call.
//
// idle → initiating → ringing → connected → ended, with ringing →
// rejected. ended and rejected are terminal; the engine returns to idle
// only after Acknowledge.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
)

func (s State) terminal() bool { return s == StateEnded || s == StateRejected }

// Direction says which side placed the call.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Signaler sends call events on the live connection. Send failures are
// logged and never force a state transition; the peer is expected to
// time out or the user to hang up.
type Signaler interface {
	Send(event string, payload any) error
}

// Recorder persists call records through the messaging backend. Both
// operations are advisory bookkeeping: failures are logged, the local
// state machine stays authoritative.
type Recorder interface {
	CreateCallMessage(ctx context.Context, peerID string, kind proto.CallType) (conversation.Message, error)
	UpdateCallStatus(ctx context.Context, messageID string, status conversation.CallStatus, durationSec int) error
}

// Call is a read-only snapshot of the active call.
type Call struct {
	PeerID    string
	Kind      proto.CallType
	Direction Direction
	State     State
	MessageID string
	Muted     bool
	VideoOff  bool
}

// active is the mutable call record behind the snapshots. A pointer to
// it identifies one attempt: code resuming after an asynchronous step
// re-checks that e.cur still points at its attempt before applying
// anything, so stale resumptions fall through harmlessly.
type active struct {
	peerID      string
	kind        proto.CallType
	direction   Direction
	state       State
	messageID   string
	connectedAt time.Time
	muted       bool
	videoOff    bool
	handle      media.Handle
	released    bool
	ringTimer   *time.Timer
}

func (a *active) snapshot() Call {
	return Call{
		PeerID:    a.peerID,
		Kind:      a.kind,
		Direction: a.direction,
		State:     a.state,
		MessageID: a.messageID,
		Muted:     a.muted,
		VideoOff:  a.videoOff,
	}
}

// Options tunes the engine from configuration.
type Options struct {
	// RingTimeout bounds an unanswered outgoing ring. Zero means ring
	// until the user or the peer acts.
	RingTimeout time.Duration

	// VideoDisabled forces audio-only capture even for video calls.
	VideoDisabled bool

	PreferredCam string
	PreferredMic string
}

// Engine drives the call state machine.
type Engine struct {
	sig  Signaler
	rec  Recorder
	dev  media.Devices
	opts Options
	now  func() time.Time

	mu  sync.Mutex
	cur *active
}

// NewEngine creates an idle engine.
func NewEngine(sig Signaler, rec Recorder, dev media.Devices, opts Options) *Engine {
	return &Engine{sig: sig, rec: rec, dev: dev, opts: opts, now: time.Now}
}

// Current returns a snapshot of the active call, if any.
func (e *Engine) Current() (Call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return Call{}, false
	}
	return e.cur.snapshot(), true
}

// StateNow returns the engine state; StateIdle when no call is active.
func (e *Engine) StateNow() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return StateIdle
	}
	return e.cur.state
}

// Elapsed returns the connected duration of the active call, zero when
// not connected.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.connectedAt.IsZero() {
		return 0
	}
	return e.now().Sub(e.cur.connectedAt)
}

func (e *Engine) constraints(kind proto.CallType) media.Constraints {
	return media.Constraints{
		Audio:        true,
		Video:        kind == proto.CallVideo && !e.opts.VideoDisabled,
		PreferredCam: e.opts.PreferredCam,
		PreferredMic: e.opts.PreferredMic,
	}
}

// Start places an outgoing call. It acquires local media first: a device
// failure aborts back to idle before anything is sent or recorded, and
// the *media.AccessError is returned. ErrBusy when any call is active.
func (e *Engine) Start(ctx context.Context, peerID string, kind proto.CallType) (Call, error) {
	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return Call{}, ErrBusy
	}
	a := &active{peerID: peerID, kind: kind, direction: Outgoing, state: StateInitiating}
	e.cur = a
	e.mu.Unlock()

	h, err := e.dev.Acquire(ctx, e.constraints(kind))

	e.mu.Lock()
	if e.cur != a || a.state != StateInitiating {
		// Cancelled while the devices were opening.
		snap := a.snapshot()
		e.mu.Unlock()
		if h != nil {
			h.Release()
		}
		return snap, nil
	}
	if err != nil {
		e.cur = nil
		e.mu.Unlock()
		log.Printf("CALL [%s]: media acquire: %v", peerID, err)
		return Call{}, err
	}
	a.handle = h
	e.mu.Unlock()

	// Call record, so the conversation shows "Audio call"/"Video call".
	msg, err := e.rec.CreateCallMessage(ctx, peerID, kind)
	if err != nil {
		log.Printf("CALL [%s]: create call record: %v", peerID, err)
	}

	e.mu.Lock()
	if e.cur != a || a.state != StateInitiating {
		snap := a.snapshot()
		e.mu.Unlock()
		return snap, nil
	}
	a.messageID = msg.ID
	a.state = StateRinging
	if e.opts.RingTimeout > 0 {
		a.ringTimer = time.AfterFunc(e.opts.RingTimeout, func() { e.ringTimedOut(a) })
	}
	snap := a.snapshot()
	e.mu.Unlock()

	if err := e.sig.Send(proto.EventCallSignal, proto.CallSignal{
		To: peerID, Signal: "calling", CallType: kind,
	}); err != nil {
		log.Printf("CALL [%s]: send %s: %v", peerID, proto.EventCallSignal, err)
	}
	log.Printf("CALL [%s]: ringing (%s, outgoing)", peerID, kind)
	return snap, nil
}

// Ring registers an incoming call and moves to ringing. ErrBusy when a
// call is already active; the caller is expected to send the busy
// rejection itself (the notification router does).
func (e *Engine) Ring(peerID string, kind proto.CallType) (Call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		return Call{}, ErrBusy
	}
	e.cur = &active{peerID: peerID, kind: kind, direction: Incoming, state: StateRinging}
	log.Printf("CALL [%s]: ringing (%s, incoming)", peerID, kind)
	return e.cur.snapshot(), nil
}

// Accept answers the incoming ringing call: emits the accept signal,
// acquires local media and moves to connected. A terminal signal that
// lands while the devices are opening wins; the late accept is dropped
// and the fresh handle released. ErrNoCall when idle.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	if e.cur == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	a := e.cur
	if a.state.terminal() {
		// Already torn down; ignore the late accept.
		e.mu.Unlock()
		return nil
	}
	if a.direction != Incoming || a.state != StateRinging {
		e.mu.Unlock()
		return ErrNoCall
	}
	peerID, kind := a.peerID, a.kind
	e.mu.Unlock()

	if err := e.sig.Send(proto.EventCallAccept, proto.CallSignal{To: peerID, CallType: kind}); err != nil {
		log.Printf("CALL [%s]: send %s: %v", peerID, proto.EventCallAccept, err)
	}

	h, err := e.dev.Acquire(ctx, e.constraints(kind))

	e.mu.Lock()
	if e.cur != a || a.state != StateRinging {
		e.mu.Unlock()
		if h != nil {
			h.Release()
		}
		return nil
	}
	if err != nil {
		e.mu.Unlock()
		log.Printf("CALL [%s]: media acquire: %v", peerID, err)
		// The accept signal is already out; hang up so the caller is
		// not left ringing forever.
		e.End()
		return err
	}
	a.handle = h
	a.connectedAt = e.now()
	a.state = StateConnected
	e.mu.Unlock()
	log.Printf("CALL [%s]: connected", peerID)
	return nil
}

// OnRemoteAccepted handles the peer answering our outgoing call.
func (e *Engine) OnRemoteAccepted() {
	e.mu.Lock()
	a := e.cur
	if a == nil || a.direction != Outgoing || a.state != StateRinging {
		e.mu.Unlock()
		return
	}
	if a.ringTimer != nil {
		a.ringTimer.Stop()
		a.ringTimer = nil
	}
	a.connectedAt = e.now()
	a.state = StateConnected
	e.mu.Unlock()
	log.Printf("CALL [%s]: connected", a.peerID)
}

// Reject declines the incoming ringing call. Silently ignored after a
// terminal signal; ErrNoCall when idle.
func (e *Engine) Reject() error {
	e.mu.Lock()
	a := e.cur
	if a == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	if a.state.terminal() {
		e.mu.Unlock()
		return nil
	}
	if a.direction != Incoming || a.state != StateRinging {
		e.mu.Unlock()
		return ErrNoCall
	}
	persist := e.finishLocked(a, StateRejected, conversation.CallRejected)
	e.mu.Unlock()

	if err := e.sig.Send(proto.EventCallReject, proto.CallSignal{To: a.peerID, CallType: a.kind}); err != nil {
		log.Printf("CALL [%s]: send %s: %v", a.peerID, proto.EventCallReject, err)
	}
	persist()
	return nil
}

// OnRemoteRejected handles the peer declining our outgoing call.
func (e *Engine) OnRemoteRejected() {
	e.mu.Lock()
	a := e.cur
	if a == nil || a.state.terminal() {
		e.mu.Unlock()
		return
	}
	persist := e.finishLocked(a, StateRejected, conversation.CallRejected)
	e.mu.Unlock()
	log.Printf("CALL [%s]: rejected by peer", a.peerID)
	persist()
}

// End hangs up the active call from our side. A no-op when idle or
// already terminal, because local dismissal and remote hangup race.
func (e *Engine) End() {
	e.mu.Lock()
	a := e.cur
	if a == nil || a.state.terminal() {
		e.mu.Unlock()
		return
	}
	// Nothing was signaled yet during initiate; the peer knows nothing
	// to hang up.
	notify := a.state != StateInitiating
	status := conversation.CallInitiated // never connected: missed
	if a.state == StateConnected {
		status = conversation.CallEnded
	}
	persist := e.finishLocked(a, StateEnded, status)
	e.mu.Unlock()

	if notify {
		if err := e.sig.Send(proto.EventCallEnd, proto.CallSignal{To: a.peerID, CallType: a.kind}); err != nil {
			log.Printf("CALL [%s]: send %s: %v", a.peerID, proto.EventCallEnd, err)
		}
	}
	log.Printf("CALL [%s]: ended", a.peerID)
	persist()
}

// OnRemoteEnded handles the peer hanging up. Idempotent like End.
func (e *Engine) OnRemoteEnded() {
	e.mu.Lock()
	a := e.cur
	if a == nil || a.state.terminal() {
		e.mu.Unlock()
		return
	}
	status := conversation.CallInitiated
	if a.state == StateConnected {
		status = conversation.CallEnded
	}
	persist := e.finishLocked(a, StateEnded, status)
	e.mu.Unlock()
	log.Printf("CALL [%s]: ended by peer", a.peerID)
	persist()
}

// Acknowledge dismisses a terminal call and returns the engine to idle.
func (e *Engine) Acknowledge() {
	e.mu.Lock()
	if e.cur != nil && e.cur.state.terminal() {
		e.cur = nil
	}
	e.mu.Unlock()
}

// ToggleMute flips the microphone and returns the new muted state.
func (e *Engine) ToggleMute() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.state.terminal() {
		return false, ErrNoCall
	}
	e.cur.muted = !e.cur.muted
	log.Printf("CALL [%s]: audio muted=%v", e.cur.peerID, e.cur.muted)
	return e.cur.muted, nil
}

// ToggleVideo flips the camera and returns the new disabled state.
func (e *Engine) ToggleVideo() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.state.terminal() {
		return false, ErrNoCall
	}
	e.cur.videoOff = !e.cur.videoOff
	log.Printf("CALL [%s]: video disabled=%v", e.cur.peerID, e.cur.videoOff)
	return e.cur.videoOff, nil
}

// ringTimedOut fires when an outgoing ring went unanswered for the
// configured timeout. The call is recorded as missed.
func (e *Engine) ringTimedOut(a *active) {
	e.mu.Lock()
	if e.cur != a || a.state != StateRinging {
		e.mu.Unlock()
		return
	}
	persist := e.finishLocked(a, StateEnded, conversation.CallInitiated)
	e.mu.Unlock()

	if err := e.sig.Send(proto.EventCallEnd, proto.CallSignal{To: a.peerID, CallType: a.kind}); err != nil {
		log.Printf("CALL [%s]: send %s: %v", a.peerID, proto.EventCallEnd, err)
	}
	log.Printf("CALL [%s]: no answer", a.peerID)
	persist()
}

// finishLocked moves a to a terminal state, stops the ring timer and
// releases the media handle exactly once. It returns the deferred
// record update to run after the lock is dropped; the update is
// best-effort and never blocks or reverts the transition.
func (e *Engine) finishLocked(a *active, st State, status conversation.CallStatus) func() {
	if a.ringTimer != nil {
		a.ringTimer.Stop()
		a.ringTimer = nil
	}
	duration := 0
	if !a.connectedAt.IsZero() {
		duration = int(e.now().Sub(a.connectedAt) / time.Second)
	}
	if a.handle != nil && !a.released {
		a.handle.Release()
		a.released = true
	}
	a.state = st

	messageID := a.messageID
	if messageID == "" {
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.rec.UpdateCallStatus(ctx, messageID, status, duration); err != nil {
			log.Printf("CALL [%s]: update call record: %v", a.peerID, err)
		}
	}
}
