// Package notify routes incoming call invitations to the UI. Exactly
// one invitation is pending at a time; extra callers get an automatic
// busy rejection instead of a queue.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/okale/convo/internal/call"
	"github.com/okale/convo/internal/conversation"
	"github.com/okale/convo/internal/proto"
)

// ErrNoInvitation is returned by Accept/Reject when nothing is pending.
var ErrNoInvitation = errors.New("notify: no pending invitation")

// Engine is the slice of the call engine the router drives.
type Engine interface {
	Ring(peerID string, kind proto.CallType) (call.Call, error)
	Accept(ctx context.Context) error
	Reject() error
}

// Signaler sends the automatic busy rejection.
type Signaler interface {
	Send(event string, payload any) error
}

// Directory resolves a user ID to display info. The lookup is
// best-effort; an invitation with only the peer ID is still shown.
type Directory interface {
	GetUser(ctx context.Context, id string) (conversation.User, error)
}

// Invitation is one pending incoming call.
type Invitation struct {
	PeerID     string
	Kind       proto.CallType
	Caller     conversation.User // zero until the directory lookup lands
	ReceivedAt time.Time
}

// Router holds the pending invitation and fans it out to subscribers.
type Router struct {
	eng Engine
	sig Signaler
	dir Directory

	mu      sync.Mutex
	pending *Invitation

	subMu sync.Mutex
	subs  map[chan Invitation]struct{}
}

// NewRouter creates a router with no pending invitation.
func NewRouter(eng Engine, sig Signaler, dir Directory) *Router {
	return &Router{eng: eng, sig: sig, dir: dir, subs: make(map[chan Invitation]struct{})}
}

// OnIncomingCall handles a call:incoming signal. The first caller gets
// an invitation; anyone else while it is pending, or while the engine is
// already in a call, is rejected with a busy signal.
func (r *Router) OnIncomingCall(ctx context.Context, sig proto.CallSignal) {
	if sig.From == "" || !sig.CallType.Valid() {
		log.Printf("NOTIFY: dropping malformed invitation from %q", sig.From)
		return
	}

	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		r.rejectBusy(sig)
		return
	}
	if _, err := r.eng.Ring(sig.From, sig.CallType); err != nil {
		r.mu.Unlock()
		r.rejectBusy(sig)
		return
	}
	inv := Invitation{PeerID: sig.From, Kind: sig.CallType, ReceivedAt: time.Now()}
	r.pending = &inv
	r.mu.Unlock()
	log.Printf("NOTIFY: incoming %s call from %s", sig.CallType, sig.From)

	if r.dir != nil {
		if u, err := r.dir.GetUser(ctx, sig.From); err == nil {
			r.mu.Lock()
			if r.pending != nil && r.pending.PeerID == sig.From {
				r.pending.Caller = u
				inv = *r.pending
			}
			r.mu.Unlock()
		} else {
			log.Printf("NOTIFY: lookup caller %s: %v", sig.From, err)
		}
	}
	r.publish(inv)
}

func (r *Router) rejectBusy(sig proto.CallSignal) {
	log.Printf("NOTIFY: busy, rejecting call from %s", sig.From)
	if err := r.sig.Send(proto.EventCallReject, proto.CallSignal{To: sig.From, CallType: sig.CallType}); err != nil {
		log.Printf("NOTIFY: send busy reject to %s: %v", sig.From, err)
	}
}

// Current returns the pending invitation, if any.
func (r *Router) Current() (Invitation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return Invitation{}, false
	}
	return *r.pending, true
}

// Accept answers the pending invitation. The invitation is cleared
// before the engine takes over, so a new caller arriving mid-accept is
// busy-rejected by the engine rather than shown.
func (r *Router) Accept(ctx context.Context) error {
	r.mu.Lock()
	if r.pending == nil {
		r.mu.Unlock()
		return ErrNoInvitation
	}
	r.pending = nil
	r.mu.Unlock()
	return r.eng.Accept(ctx)
}

// Reject declines the pending invitation.
func (r *Router) Reject() error {
	r.mu.Lock()
	if r.pending == nil {
		r.mu.Unlock()
		return ErrNoInvitation
	}
	r.pending = nil
	r.mu.Unlock()
	return r.eng.Reject()
}

// Dismiss clears the pending invitation from peerID without acting on
// it. Called when the caller hangs up before we answer.
func (r *Router) Dismiss(peerID string) {
	r.mu.Lock()
	if r.pending != nil && r.pending.PeerID == peerID {
		r.pending = nil
		log.Printf("NOTIFY: invitation from %s withdrawn", peerID)
	}
	r.mu.Unlock()
}

// Subscribe returns a channel of invitation updates and a cancel func.
// Slow subscribers miss updates rather than block delivery.
func (r *Router) Subscribe() (<-chan Invitation, func()) {
	ch := make(chan Invitation, 4)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	cancel := func() {
		r.subMu.Lock()
		delete(r.subs, ch)
		r.subMu.Unlock()
	}
	return ch, cancel
}

func (r *Router) publish(inv Invitation) {
	r.subMu.Lock()
	for ch := range r.subs {
		select {
		case ch <- inv:
		default:
		}
	}
	r.subMu.Unlock()
}
