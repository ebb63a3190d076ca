// Package link owns the single outbound WebSocket connection to the arm:
// dialing, the connection state machine, and exponential-backoff reconnect.
package link

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sixdof/armlink/internal/log"
)

// State is the connection lifecycle state reported to observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

const (
	baseRetryDelay   = 1000 * time.Millisecond
	maxRetryDelay    = 10000 * time.Millisecond
	handshakeTimeout = 10 * time.Second
)

// RetryDelay returns the reconnect backoff for a 0-based attempt number:
// 1000, 2000, 4000, 8000, then capped at 10000 ms.
func RetryDelay(attempt int) time.Duration {
	d := baseRetryDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// ValidAddress reports whether addr uses an accepted WebSocket scheme.
func ValidAddress(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// Manager owns the outbound transport. All state transitions happen here;
// a generation counter guards against stale transports delivering late
// events after the address changes.
type Manager struct {
	mu   sync.Mutex
	addr string
	conn *websocket.Conn
	gen  uint64

	state           State
	attempts        int
	shouldReconnect bool
	retry           *time.Timer

	// writeMu serializes writes to the websocket; gorilla allows only
	// one concurrent writer.
	writeMu sync.Mutex

	onState func(State)
	events  chan State
	dial    func(addr string) (*websocket.Conn, error)
}

// NewManager creates a manager in the disconnected state.
func NewManager() *Manager {
	m := &Manager{
		state:  StateDisconnected,
		events: make(chan State, 16),
		dial:   defaultDial,
	}
	go m.dispatchEvents()
	return m
}

// dispatchEvents delivers state transitions to the observer on a dedicated
// goroutine, in order. Observers hold arbitrary locks of their own (the
// controller, the operator server), so a transition must never invoke one
// inline from whatever goroutine happened to trigger it — a failed Send
// under the controller's lock would deadlock the interlock. Runs for the
// manager's lifetime.
func (m *Manager) dispatchEvents() {
	for s := range m.events {
		m.mu.Lock()
		fn := m.onState
		m.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	}
}

func defaultDial(addr string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(addr, nil)
	return conn, err
}

// OnStateChange registers the state observer. The callback runs on the
// manager's dispatch goroutine, never on the goroutine that triggered the
// transition, and may call back into the manager or any other component.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is open.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Addr returns the configured target address.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// setStateLocked records a transition and queues it for the dispatcher. A
// full queue drops the event; the observer reads full snapshots, so the
// next transition carries everything.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	select {
	case m.events <- s:
	default:
	}
}

// SetAddress sets the target and starts a connection attempt. A malformed
// scheme is a configuration error: the manager reports error and does not
// dial. A valid address supersedes any previous transport and pending
// retry timer.
func (m *Manager) SetAddress(addr string) {
	if !ValidAddress(addr) {
		m.mu.Lock()
		m.supersedeLocked()
		m.addr = ""
		m.shouldReconnect = false
		m.setStateLocked(StateError)
		m.mu.Unlock()
		log.Warn("rejected arm address", "addr", addr)
		return
	}

	m.mu.Lock()
	m.supersedeLocked()
	m.addr = addr
	m.shouldReconnect = true
	m.attempts = 0
	gen := m.gen
	m.mu.Unlock()

	log.Info("connecting to arm", "addr", addr)
	go m.connect(gen)
}

// supersedeLocked invalidates the current transport: bumps the generation,
// cancels any pending retry, and closes the open connection.
func (m *Manager) supersedeLocked() {
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Clear disables reconnection, tears down the transport, and reports
// disconnected. This is the only path back to disconnected from a
// reconnect cycle.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.supersedeLocked()
	m.addr = ""
	m.shouldReconnect = false
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// connect dials the configured address. gen identifies the transport
// generation this attempt belongs to; a stale generation aborts silently.
func (m *Manager) connect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect {
		m.mu.Unlock()
		return
	}
	addr := m.addr
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	conn, err := m.dial(addr)

	m.mu.Lock()
	if gen != m.gen || !m.shouldReconnect {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Warn("arm dial failed", "addr", addr, "err", err)
		m.scheduleRetryLocked(gen)
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	log.Info("arm connected", "addr", addr)

	go m.readLoop(conn, gen)
}

// readLoop drains inbound frames purely to detect transport close.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	m.transportLost(conn, gen)
}

// transportLost handles an unexpected close of the given transport.
func (m *Manager) transportLost(conn *websocket.Conn, gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		// A superseding address change already owns recovery.
		m.mu.Unlock()
		return
	}
	if m.conn == conn {
		m.conn.Close()
		m.conn = nil
	}
	if !m.shouldReconnect {
		m.mu.Unlock()
		return
	}
	m.scheduleRetryLocked(gen)
	m.mu.Unlock()
}

// scheduleRetryLocked arms the single retry timer with the backoff for the
// current attempt, then increments the attempt counter.
func (m *Manager) scheduleRetryLocked(gen uint64) {
	delay := RetryDelay(m.attempts)
	m.attempts++
	attempt := m.attempts
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = time.AfterFunc(delay, func() {
		m.connect(gen)
	})
	log.Info("arm reconnect scheduled", "attempt", attempt, "delay", delay)
	m.setStateLocked(StateReconnecting)
}

// Send writes payload as JSON to the arm. It is a deliberate no-op unless
// connected. A write failure transitions to the error state and closes the
// transport; the read loop then drives the reconnect cycle while the
// address remains set.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	gen := m.gen
	m.mu.Unlock()

	m.writeMu.Lock()
	err := conn.WriteJSON(payload)
	m.writeMu.Unlock()
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if gen == m.gen && m.conn == conn {
		m.setStateLocked(StateError)
		conn.Close()
	}
	m.mu.Unlock()
	log.Warn("arm send failed", "err", err)
	return err
}
