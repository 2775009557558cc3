// Package presence tracks online/last-seen state per user from the
// users:online push feed.
package presence

import (
	"sync"
	"time"

	"github.com/okale/convo/internal/proto"
)

// Record is one user's presence state.
type Record struct {
	Online   bool
	LastSeen time.Time
}

// Tracker holds the latest presence snapshot. Each users:online batch
// replaces the whole snapshot (last write wins); presence is ephemeral, so
// no diffing against prior state is needed. Unknown users read as
// offline/unknown.
type Tracker struct {
	mu        sync.Mutex
	users     map[string]Record
	listeners []chan map[string]Record
}

func NewTracker() *Tracker {
	return &Tracker{users: map[string]Record{}}
}

// Apply replaces the snapshot with the contents of one batch and notifies
// subscribers with a copy of the new state.
func (t *Tracker) Apply(update proto.PresenceUpdate) {
	next := make(map[string]Record, len(update))
	for id, e := range update {
		r := Record{Online: e.Online}
		if e.LastSeen > 0 {
			r.LastSeen = time.UnixMilli(e.LastSeen)
		}
		next[id] = r
	}

	t.mu.Lock()
	t.users = next
	snap := copySnapshot(next)
	for _, ch := range t.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	t.mu.Unlock()
}

// IsOnline reports whether the user is currently online. Pure lookup, no
// side effects.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[userID].Online
}

// LastSeen returns the user's last-seen time. ok is false when the user
// has never appeared in a presence batch or carried no timestamp.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, known := t.users[userID]
	if !known || r.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return r.LastSeen, true
}

// Snapshot returns a copy of the full presence table.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySnapshot(t.users)
}

// Describe renders presence for display: "Online", "Last seen <ts>", or
// "Offline" when nothing is known. layout is a Go time layout.
func (t *Tracker) Describe(userID, layout string) string {
	t.mu.Lock()
	r, known := t.users[userID]
	t.mu.Unlock()

	switch {
	case known && r.Online:
		return "Online"
	case known && !r.LastSeen.IsZero():
		return "Last seen " + r.LastSeen.Format(layout)
	default:
		return "Offline"
	}
}

// Subscribe returns a channel receiving a snapshot copy after every
// applied batch. Slow subscribers drop updates rather than block Apply.
func (t *Tracker) Subscribe() chan map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan map[string]Record, 4)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Tracker) Unsubscribe(ch chan map[string]Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func copySnapshot(m map[string]Record) map[string]Record {
	cp := make(map[string]Record, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
