package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/okale/convo/internal/call"
	"github.com/okale/convo/internal/conversation"
	"github.com/okale/convo/internal/proto"
)

type fakeEngine struct {
	mu       sync.Mutex
	busy     bool
	rings    []string
	accepted int
	rejected int
}

func (f *fakeEngine) Ring(peerID string, kind proto.CallType) (call.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return call.Call{}, call.ErrBusy
	}
	f.rings = append(f.rings, peerID)
	return call.Call{PeerID: peerID, Kind: kind, Direction: call.Incoming, State: call.StateRinging}, nil
}

func (f *fakeEngine) Accept(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
	return nil
}

func (f *fakeEngine) Reject() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
	return nil
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []proto.CallSignal
}

func (f *fakeSignaler) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event != proto.EventCallReject {
		return errors.New("router should only emit busy rejections, got " + event)
	}
	sig, _ := payload.(proto.CallSignal)
	f.sent = append(f.sent, sig)
	return nil
}

func (f *fakeSignaler) rejections() []proto.CallSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.CallSignal, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeDirectory struct{}

func (fakeDirectory) GetUser(_ context.Context, id string) (conversation.User, error) {
	return conversation.User{ID: id, Username: "user-" + id}, nil
}

func TestSecondInvitationIsBusyRejected(t *testing.T) {
	eng := &fakeEngine{}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})
	ctx := context.Background()

	r.OnIncomingCall(ctx, proto.CallSignal{From: "u9", CallType: proto.CallVideo})

	inv, ok := r.Current()
	if !ok {
		t.Fatal("no pending invitation after incoming call")
	}
	if inv.PeerID != "u9" || inv.Kind != proto.CallVideo {
		t.Fatalf("unexpected invitation: %+v", inv)
	}
	if inv.Caller.Username != "user-u9" {
		t.Fatalf("caller info not resolved: %+v", inv.Caller)
	}

	r.OnIncomingCall(ctx, proto.CallSignal{From: "u5", CallType: proto.CallAudio})

	inv, ok = r.Current()
	if !ok || inv.PeerID != "u9" {
		t.Fatalf("pending invitation disturbed by second caller: %+v (ok=%v)", inv, ok)
	}
	rej := sig.rejections()
	if len(rej) != 1 || rej[0].To != "u5" {
		t.Fatalf("expected one busy rejection to u5, got %+v", rej)
	}
	if len(eng.rings) != 1 {
		t.Fatalf("engine rang %d times, want 1", len(eng.rings))
	}
}

func TestBusyEngineRejectsInvitation(t *testing.T) {
	eng := &fakeEngine{busy: true}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})

	r.OnIncomingCall(context.Background(), proto.CallSignal{From: "u5", CallType: proto.CallAudio})

	if _, ok := r.Current(); ok {
		t.Fatal("invitation pending despite busy engine")
	}
	rej := sig.rejections()
	if len(rej) != 1 || rej[0].To != "u5" {
		t.Fatalf("expected busy rejection to u5, got %+v", rej)
	}
}

func TestAcceptClearsInvitation(t *testing.T) {
	eng := &fakeEngine{}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})
	ctx := context.Background()

	r.OnIncomingCall(ctx, proto.CallSignal{From: "u9", CallType: proto.CallAudio})
	if err := r.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Current(); ok {
		t.Fatal("invitation still pending after accept")
	}
	if eng.accepted != 1 {
		t.Fatalf("engine accepted %d times, want 1", eng.accepted)
	}

	if err := r.Accept(ctx); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("expected ErrNoInvitation, got %v", err)
	}
}

func TestRejectClearsInvitation(t *testing.T) {
	eng := &fakeEngine{}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})
	ctx := context.Background()

	r.OnIncomingCall(ctx, proto.CallSignal{From: "u9", CallType: proto.CallAudio})
	if err := r.Reject(); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Current(); ok {
		t.Fatal("invitation still pending after reject")
	}
	if eng.rejected != 1 {
		t.Fatalf("engine rejected %d times, want 1", eng.rejected)
	}
}

func TestDismissOnCallerHangup(t *testing.T) {
	eng := &fakeEngine{}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})
	ctx := context.Background()

	r.OnIncomingCall(ctx, proto.CallSignal{From: "u9", CallType: proto.CallAudio})

	r.Dismiss("someone-else")
	if _, ok := r.Current(); !ok {
		t.Fatal("dismiss for a different peer cleared the invitation")
	}

	r.Dismiss("u9")
	if _, ok := r.Current(); ok {
		t.Fatal("invitation still pending after caller hangup")
	}
}

func TestMalformedInvitationDropped(t *testing.T) {
	eng := &fakeEngine{}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})
	ctx := context.Background()

	r.OnIncomingCall(ctx, proto.CallSignal{From: "", CallType: proto.CallAudio})
	r.OnIncomingCall(ctx, proto.CallSignal{From: "u9", CallType: "screenshare"})

	if _, ok := r.Current(); ok {
		t.Fatal("malformed signal produced an invitation")
	}
	if len(sig.rejections()) != 0 {
		t.Fatal("malformed signal triggered a rejection")
	}
}

func TestSubscribeReceivesInvitation(t *testing.T) {
	eng := &fakeEngine{}
	sig := &fakeSignaler{}
	r := NewRouter(eng, sig, fakeDirectory{})

	ch, cancel := r.Subscribe()
	defer cancel()

	r.OnIncomingCall(context.Background(), proto.CallSignal{From: "u9", CallType: proto.CallVideo})

	select {
	case inv := <-ch:
		if inv.PeerID != "u9" {
			t.Fatalf("unexpected invitation: %+v", inv)
		}
	default:
		t.Fatal("no invitation delivered to subscriber")
	}
}
