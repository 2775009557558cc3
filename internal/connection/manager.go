// Package connection owns the single live WebSocket per authenticated
// session: dial + auth handshake, ordered event dispatch, bounded
// reconnection. Every other component talks to the transport only through
// Send and On.
package connection

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okale/convo/internal/proto"
)

// Session identifies the authenticated client. The token is issued by the
// backend and only read here, never refreshed or rewritten.
type Session struct {
	UserID string
	Token  string
}

// Policy is the reconnection policy. Parameters come from configuration;
// the manager only executes them.
type Policy struct {
	Attempts         int // 0 disables reconnection
	Delay            time.Duration
	HandshakeTimeout time.Duration
}

// Handler receives one event's payload. Handlers for events from the same
// connection run on a single goroutine in delivery order: no concurrent
// handler execution, no reordering.
type Handler func(payload json.RawMessage)

// Manager maintains at most one live connection per session. A prior
// connection is fully torn down (reader goroutine exited) before a new one
// is dialed, so no event is ever delivered twice across an overlap.
type Manager struct {
	url    string
	policy Policy

	// clientID distinguishes this client instance from the same account's
	// other devices in server logs. Generated once per process.
	clientID string

	hmu      sync.RWMutex
	handlers map[string][]Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	session Session
	reading chan struct{} // closed when the reader goroutine exits
	closed  bool

	writeMu sync.Mutex
}

func NewManager(socketURL string, policy Policy) *Manager {
	if policy.HandshakeTimeout <= 0 {
		policy.HandshakeTimeout = 20 * time.Second
	}
	return &Manager{
		url:      socketURL,
		policy:   policy,
		clientID: uuid.NewString(),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for an event name. Multiple handlers per event
// run in registration order. Also accepts the synthetic local events
// proto.EventConnected / proto.EventDisconnected.
func (m *Manager) On(event string, h Handler) {
	m.hmu.Lock()
	m.handlers[event] = append(m.handlers[event], h)
	m.hmu.Unlock()
}

// Connect dials the endpoint and performs the auth handshake for session.
// Any previous connection is closed first and its reader drained. Returns
// *AuthError when the token is rejected, *NetworkError when the endpoint
// is unreachable.
func (m *Manager) Connect(ctx context.Context, session Session) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	prev, prevReading := m.conn, m.reading
	m.conn, m.reading = nil, nil
	m.session = session
	m.mu.Unlock()

	// Tear down the old transport completely before dialing. Overlapping
	// connections would double-deliver events.
	if prev != nil {
		prev.Close()
	}
	if prevReading != nil {
		<-prevReading
	}

	conn, err := m.dial(ctx, session)
	if err != nil {
		return err
	}

	reading := make(chan struct{})
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	m.reading = reading
	m.mu.Unlock()

	go m.readLoop(conn, reading)
	m.dispatch(proto.EventConnected, nil)
	log.Printf("CONN: connected to %s as %s", m.url, session.UserID)
	return nil
}

// dial opens the websocket and completes the handshake: the server's first
// frame is either a "connected" ack or an auth error.
func (m *Manager) dial(ctx context.Context, session Session) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.policy.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)
	header.Set("X-Client-Id", m.clientID)

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, m.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthError{Message: "rejected at upgrade"}
		}
		return nil, &NetworkError{Op: "dial " + m.url, Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(m.policy.HandshakeTimeout))
	var ack struct {
		Event string `json:"event"`
		Error string `json:"error,omitempty"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, &NetworkError{Op: "handshake", Err: err}
	}
	conn.SetReadDeadline(time.Time{})

	switch ack.Event {
	case "connected":
		return conn, nil
	case "error":
		conn.Close()
		return nil, &AuthError{Message: ack.Error}
	default:
		conn.Close()
		return nil, &NetworkError{Op: "handshake", Err: &unexpectedAck{ack.Event}}
	}
}

// Send writes one event, fire-and-forget. Fails immediately with
// ErrNotConnected while the transport is down; callers fall back to the
// REST path rather than silently queueing.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := struct {
		Name    string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}{Name: event, Payload: payload}

	m.writeMu.Lock()
	err := conn.WriteJSON(env)
	m.writeMu.Unlock()
	if err != nil {
		return &NetworkError{Op: "send " + event, Err: err}
	}
	return nil
}

// Connected reports whether a live connection currently exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Close tears down the connection and disables reconnection. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn, reading := m.conn, m.reading
	m.conn, m.reading = nil, nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if reading != nil {
		<-reading
	}
}

// readLoop is the single dispatch goroutine for one connection. It exits
// on read error; if the manager was not deliberately closed, it then runs
// the reconnect policy.
func (m *Manager) readLoop(conn *websocket.Conn, reading chan struct{}) {
	defer close(reading)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			deliberate := m.closed || m.conn != conn
			if m.conn == conn {
				m.conn = nil
				m.reading = nil
			}
			m.mu.Unlock()

			if deliberate {
				return
			}
			log.Printf("CONN: connection lost: %v", err)
			m.dispatch(proto.EventDisconnected, nil)
			go m.reconnect()
			return
		}

		var ev proto.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("CONN: bad event frame: %v", err)
			continue
		}
		m.dispatch(ev.Name, ev.Payload)
	}
}

// reconnect retries per policy. Missed events are not replayed; the
// synthetic connect event tells consumers to refetch their snapshots.
func (m *Manager) reconnect() {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	for attempt := 1; attempt <= m.policy.Attempts; attempt++ {
		time.Sleep(m.policy.Delay)

		m.mu.Lock()
		if m.closed || m.conn != nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		log.Printf("CONN: reconnect attempt %d/%d", attempt, m.policy.Attempts)
		if err := m.Connect(context.Background(), session); err != nil {
			log.Printf("CONN: reconnect failed: %v", err)
			if _, ok := err.(*AuthError); ok {
				// A dead token will not get better with retries.
				return
			}
			continue
		}
		return
	}
	log.Printf("CONN: giving up after %d reconnect attempts", m.policy.Attempts)
}

func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.hmu.RLock()
	hs := make([]Handler, len(m.handlers[event]))
	copy(hs, m.handlers[event])
	m.hmu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}

type unexpectedAck struct{ event string }

func (e *unexpectedAck) Error() string { return "unexpected handshake event " + e.event }
