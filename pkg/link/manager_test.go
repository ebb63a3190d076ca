package link

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay_Sequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, RetryDelay(attempt), "attempt %d", attempt)
	}
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("ws://10.0.0.5:81"))
	assert.True(t, ValidAddress("wss://arm.local/control"))
	assert.False(t, ValidAddress("http://10.0.0.5:81"))
	assert.False(t, ValidAddress("10.0.0.5:81"))
	assert.False(t, ValidAddress(""))
}

// wsServer is a loopback arm endpoint. Accepted connections are delivered
// on conns; the handler then drains frames onto msgs until close.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	msgs  chan []byte
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{
		conns: make(chan *websocket.Conn, 4),
		msgs:  make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.msgs <- data
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ws.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// stateRecorder collects transitions for assertion with a timeout.
type stateRecorder struct {
	ch chan State
}

func newStateRecorder(m *Manager) *stateRecorder {
	r := &stateRecorder{ch: make(chan State, 32)}
	m.OnStateChange(func(s State) { r.ch <- s })
	return r
}

func (r *stateRecorder) await(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestSetAddress_RejectsBadScheme(t *testing.T) {
	dialed := false
	m := NewManager()
	m.dial = func(addr string) (*websocket.Conn, error) {
		dialed = true
		return nil, nil
	}
	rec := newStateRecorder(m)

	m.SetAddress("http://10.0.0.5:81")

	rec.await(t, StateError)
	assert.False(t, dialed, "must not dial a rejected address")
	assert.Equal(t, StateError, m.State())
}

func TestConnectFlow(t *testing.T) {
	ws := newWSServer(t)
	m := NewManager()
	rec := newStateRecorder(m)

	m.SetAddress(ws.url())
	rec.await(t, StateConnecting)
	rec.await(t, StateConnected)
	require.Equal(t, 0, m.Attempts())

	// Unexpected close schedules a single 1000ms retry
	server := ws.accept(t)
	server.Close()
	rec.await(t, StateReconnecting)
	assert.Equal(t, 1, m.Attempts())

	// Clearing the address is the only path back to disconnected
	m.Clear()
	rec.await(t, StateDisconnected)
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, "", m.Addr())
}

func TestSend_DeliversJSON(t *testing.T) {
	ws := newWSServer(t)
	m := NewManager()
	rec := newStateRecorder(m)
	t.Cleanup(m.Clear)

	m.SetAddress(ws.url())
	rec.await(t, StateConnected)
	ws.accept(t)

	require.NoError(t, m.Send(map[string]any{"base": 90.5}))

	select {
	case data := <-ws.msgs:
		assert.JSONEq(t, `{"base":90.5}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSend_NoopWhenNotConnected(t *testing.T) {
	m := NewManager()
	assert.NoError(t, m.Send(map[string]any{"base": 1}))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestSetAddress_SupersedesPreviousTransport(t *testing.T) {
	first := newWSServer(t)
	second := newWSServer(t)
	m := NewManager()
	rec := newStateRecorder(m)
	t.Cleanup(m.Clear)

	m.SetAddress(first.url())
	rec.await(t, StateConnected)
	firstConn := first.accept(t)

	m.SetAddress(second.url())
	rec.await(t, StateConnected)
	second.accept(t)

	// The old transport closing must not disturb the new connection
	firstConn.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Attempts())
}

// Production wires the state observer to code that takes the controller's
// and server's locks, and state transitions fire from inside calls made
// under those same locks (a failed Send during an emergency stop). The
// observer must therefore never run inline on the triggering goroutine.
func TestStateObserver_NeverRunsInline(t *testing.T) {
	m := NewManager()
	t.Cleanup(m.Clear)

	var outer sync.Mutex
	got := make(chan State, 8)
	m.OnStateChange(func(s State) {
		outer.Lock() // held by the goroutine triggering the transition
		outer.Unlock()
		got <- s
	})

	done := make(chan struct{})
	go func() {
		outer.Lock()
		m.SetAddress("http://bad") // transitions to error
		outer.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("state transition blocked on its own observer")
	}
	select {
	case s := <-got:
		assert.Equal(t, StateError, s)
	case <-time.After(2 * time.Second):
		t.Fatal("observer never invoked")
	}
}

func TestReconnect_ReopensAfterDelay(t *testing.T) {
	ws := newWSServer(t)
	m := NewManager()
	rec := newStateRecorder(m)
	t.Cleanup(m.Clear)

	m.SetAddress(ws.url())
	rec.await(t, StateConnected)

	server := ws.accept(t)
	server.Close()
	rec.await(t, StateReconnecting)

	// First retry fires after ~1s and reconnects to the same address
	rec.await(t, StateConnected)
	assert.Equal(t, 0, m.Attempts(), "attempt counter resets on open")
}
