package presence

import (
	"testing"
	"time"

	"github.com/okale/convo/internal/proto"
)

func TestApplyReplacesSnapshot(t *testing.T) {
	tr := NewTracker()

	tr.Apply(proto.PresenceUpdate{
		"u2": {Online: true},
		"u3": {Online: true},
	})
	if !tr.IsOnline("u2") || !tr.IsOnline("u3") {
		t.Fatal("batch not applied")
	}

	// The next batch is the whole truth: u3 is gone, not merely stale.
	lastSeen := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	tr.Apply(proto.PresenceUpdate{
		"u2": {Online: false, LastSeen: lastSeen.UnixMilli()},
	})
	if tr.IsOnline("u2") {
		t.Fatal("u2 still online after going offline")
	}
	if tr.IsOnline("u3") {
		t.Fatal("u3 survived a snapshot that omitted it")
	}

	got, ok := tr.LastSeen("u2")
	if !ok || !got.Equal(lastSeen) {
		t.Fatalf("last seen = (%v, %v), want (%v, true)", got, ok, lastSeen)
	}
	if _, ok := tr.LastSeen("u3"); ok {
		t.Fatal("last seen known for a user missing from the snapshot")
	}
}

func TestDescribe(t *testing.T) {
	tr := NewTracker()
	lastSeen := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	tr.Apply(proto.PresenceUpdate{
		"on":   {Online: true},
		"seen": {Online: false, LastSeen: lastSeen.UnixMilli()},
		"mute": {Online: false},
	})

	layout := "Jan 2, 3:04 PM"
	if got := tr.Describe("on", layout); got != "Online" {
		t.Fatalf("online user described as %q", got)
	}
	want := "Last seen " + time.UnixMilli(lastSeen.UnixMilli()).Format(layout)
	if got := tr.Describe("seen", layout); got != want {
		t.Fatalf("described as %q, want %q", got, want)
	}
	if got := tr.Describe("mute", layout); got != "Offline" {
		t.Fatalf("timestampless user described as %q", got)
	}
	if got := tr.Describe("stranger", layout); got != "Offline" {
		t.Fatalf("unknown user described as %q", got)
	}
}

func TestSubscribeReceivesBatches(t *testing.T) {
	tr := NewTracker()
	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	tr.Apply(proto.PresenceUpdate{"u2": {Online: true}})

	select {
	case snap := <-ch:
		if !snap["u2"].Online {
			t.Fatalf("bad snapshot: %+v", snap)
		}
	default:
		t.Fatal("no snapshot delivered")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Apply(proto.PresenceUpdate{"u2": {Online: true}})

	snap := tr.Snapshot()
	snap["u2"] = Record{}
	if !tr.IsOnline("u2") {
		t.Fatal("mutating a snapshot leaked into the tracker")
	}
}
