package signaling

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

// wsServer is a scripted websocket endpoint for transport tests.
type wsServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan []byte
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	ws := &wsServer{received: make(chan []byte, 32)}
	upgrader := websocket.Upgrader{}

	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ws.received <- data
		}
	}))
	t.Cleanup(ws.close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) write(t *testing.T, data string) {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.NotEmpty(t, ws.conns, "no client connected yet")
	require.NoError(t, ws.conns[len(ws.conns)-1].WriteMessage(websocket.TextMessage, []byte(data)))
}

func (ws *wsServer) close() {
	ws.mu.Lock()
	for _, c := range ws.conns {
		c.Close()
	}
	ws.conns = nil
	ws.mu.Unlock()
	ws.srv.Close()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewTransportRequiresEndpoints(t *testing.T) {
	_, err := NewTransport(nil, TransportOptions{})
	require.ErrorIs(t, err, ErrNoEndpoints)
}

// TestHeartbeatEcho verifies the keepalive round-trip: a received "\n"
// is echoed exactly and never emitted as a message, while any other
// payload is emitted and never echoed.
func TestHeartbeatEcho(t *testing.T) {
	ws := newWSServer(t)
	tr, err := NewTransport([]string{ws.url()}, TransportOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var messages []string
	opened := make(chan struct{})
	tr.SetOpenCallback(func() { close(opened) })
	tr.SetMessageCallback(func(data []byte) {
		mu.Lock()
		messages = append(messages, string(data))
		mu.Unlock()
	})

	tr.Open()
	defer tr.Close()

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("transport never opened")
	}

	ws.write(t, "\n")
	select {
	case echoed := <-ws.received:
		assert.Equal(t, "\n", string(echoed), "heartbeat must be echoed verbatim")
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat was not echoed")
	}

	ws.write(t, `{"type":"ringing","payload":{}}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1
	}, "data frame was not surfaced as a message")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"type":"ringing","payload":{}}`, messages[0])
	for _, m := range messages {
		assert.NotEqual(t, "\n", m, "heartbeat must never surface as a message")
	}
}

func TestSendRequiresOpenConnection(t *testing.T) {
	tr, err := NewTransport([]string{"ws://127.0.0.1:1/signal"}, TransportOptions{})
	require.NoError(t, err)

	assert.False(t, tr.Send([]byte("hello")), "send on a closed transport must be a no-op")
	assert.Equal(t, StateClosed, tr.State())
}

func TestSendDeliversWhenOpen(t *testing.T) {
	ws := newWSServer(t)
	tr, err := NewTransport([]string{ws.url()}, TransportOptions{})
	require.NoError(t, err)

	opened := make(chan struct{})
	tr.SetOpenCallback(func() { close(opened) })
	tr.Open()
	defer tr.Close()

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("transport never opened")
	}

	require.True(t, tr.Send([]byte("payload")))
	select {
	case got := <-ws.received:
		assert.Equal(t, "payload", string(got))
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestCloseIdempotent(t *testing.T) {
	ws := newWSServer(t)
	tr, err := NewTransport([]string{ws.url()}, TransportOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	closes := 0
	tr.SetCloseCallback(func(code int) {
		mu.Lock()
		closes++
		mu.Unlock()
	})

	opened := make(chan struct{})
	tr.SetOpenCallback(func() { close(opened) })
	tr.Open()
	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("transport never opened")
	}

	tr.Close()
	tr.Close()
	tr.Close()

	assert.Equal(t, StateClosed, tr.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes, "repeated Close must not emit duplicate events")
}

func TestDialFailureSurfacesErrorAndRetries(t *testing.T) {
	tr, err := NewTransport([]string{"ws://127.0.0.1:1/signal"}, TransportOptions{
		ConnectTimeout: 200 * time.Millisecond,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var errs int
	tr.SetErrorCallback(func(err error) {
		mu.Lock()
		errs++
		mu.Unlock()
	})

	tr.Open()
	defer tr.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs >= 1
	}, "construction failure should surface an error event")

	assert.Equal(t, StateConnecting, tr.State(), "transport keeps retrying after a failed dial")
}

// driveDrop simulates close handling with a chosen previous/current
// state pair and returns the endpoint index afterward.
func driveDrop(tr *Transport, prev, cur State, code int) int {
	tr.mu.Lock()
	tr.previousState = prev
	tr.state = cur
	tr.closing = false
	tr.handleDropLocked(code)
	tr.stopTimer(&tr.reconnectTimer)
	tr.generation++ // orphan the scheduled reconnect
	idx := tr.uriIndex
	tr.mu.Unlock()
	return idx
}

// TestFailoverGuard exercises all four previous/current state
// combinations for the abnormal-closure codes, plus the unrelated-code
// case that must never advance the endpoint.
func TestFailoverGuard(t *testing.T) {
	endpoints := []string{"ws://a/signal", "ws://b/signal", "ws://c/signal"}

	tests := []struct {
		name     string
		prev     State
		cur      State
		code     int
		advances bool
	}{
		{"both non-open abnormal", StateConnecting, StateConnecting, websocket.CloseAbnormalClosure, true},
		{"both non-open tls", StateClosed, StateConnecting, websocket.CloseTLSHandshake, true},
		{"previous open", StateOpen, StateConnecting, websocket.CloseAbnormalClosure, false},
		{"current open", StateConnecting, StateOpen, websocket.CloseAbnormalClosure, false},
		{"both open", StateOpen, StateOpen, websocket.CloseAbnormalClosure, false},
		{"unrelated code both non-open", StateConnecting, StateConnecting, websocket.CloseGoingAway, false},
		{"normal close both non-open", StateConnecting, StateConnecting, websocket.CloseNormalClosure, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr, err := NewTransport(endpoints, TransportOptions{})
			require.NoError(t, err)

			idx := driveDrop(tr, test.prev, test.cur, test.code)
			if test.advances {
				assert.Equal(t, 1, idx, "expected endpoint advance")
			} else {
				assert.Equal(t, 0, idx, "endpoint must not advance")
			}
		})
	}
}

// TestFailoverWrapsAround verifies the endpoint index wraps to the
// first candidate after the last.
func TestFailoverWrapsAround(t *testing.T) {
	tr, err := NewTransport([]string{"ws://a/signal", "ws://b/signal", "ws://c/signal"}, TransportOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, driveDrop(tr, StateConnecting, StateConnecting, websocket.CloseAbnormalClosure))
	assert.Equal(t, 2, driveDrop(tr, StateConnecting, StateConnecting, websocket.CloseAbnormalClosure))
	assert.Equal(t, 0, driveDrop(tr, StateConnecting, StateConnecting, websocket.CloseAbnormalClosure))
	assert.Equal(t, "ws://a/signal", tr.CurrentURI())
}

// TestBackoffResetAfterHealthyConnection verifies the attempt counter
// resets to 1 when the prior open duration reached the healthy
// threshold, and keeps escalating otherwise.
func TestBackoffResetAfterHealthyConnection(t *testing.T) {
	tr, err := NewTransport([]string{"ws://a/signal"}, TransportOptions{})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tr.clock = clock

	// Healthy: open for 10s or more.
	tr.mu.Lock()
	tr.backoffAttempt = 6
	tr.previousState = StateConnecting
	tr.state = StateOpen
	tr.openedAt = clock.now.Add(-10 * time.Second)
	tr.handleDropLocked(websocket.CloseAbnormalClosure)
	tr.stopTimer(&tr.reconnectTimer)
	tr.generation++
	attempt := tr.backoffAttempt
	tr.mu.Unlock()
	assert.Equal(t, 1, attempt, "healthy connection drop must reset backoff")

	// Unhealthy: open for less than 10s; escalates from prior count.
	tr.mu.Lock()
	tr.backoffAttempt = 3
	tr.previousState = StateConnecting
	tr.state = StateOpen
	tr.openedAt = clock.now.Add(-2 * time.Second)
	tr.handleDropLocked(websocket.CloseAbnormalClosure)
	tr.stopTimer(&tr.reconnectTimer)
	tr.generation++
	attempt = tr.backoffAttempt
	tr.mu.Unlock()
	assert.Equal(t, 4, attempt, "short-lived connection drop must escalate backoff")
}

// TestBackoffDelayBounds verifies the jittered delay stays within
// [d/2, d] and respects the configured cap.
func TestBackoffDelayBounds(t *testing.T) {
	tr, err := NewTransport([]string{"ws://a/signal"}, TransportOptions{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	})
	require.NoError(t, err)

	for attempt := 1; attempt <= 12; attempt++ {
		for i := 0; i < 20; i++ {
			d := tr.backoffDelay(attempt)
			assert.LessOrEqual(t, d, 2*time.Second)
			assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		}
	}
}

// fakeClock implements TimeProvider for deterministic testing.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

// TestOpenIsNoOpWhileActive verifies Open does nothing when already
// connecting or open.
func TestOpenIsNoOpWhileActive(t *testing.T) {
	ws := newWSServer(t)
	tr, err := NewTransport([]string{ws.url()}, TransportOptions{})
	require.NoError(t, err)

	opens := make(chan struct{}, 4)
	tr.SetOpenCallback(func() { opens <- struct{}{} })

	tr.Open()
	tr.Open()
	tr.Open()
	defer tr.Close()

	select {
	case <-opens:
	case <-time.After(3 * time.Second):
		t.Fatal("transport never opened")
	}

	select {
	case <-opens:
		t.Fatal("redundant Open calls must not produce extra connections")
	case <-time.After(100 * time.Millisecond):
	}
}
