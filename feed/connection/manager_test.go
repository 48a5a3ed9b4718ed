package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingHandler struct {
	mu          sync.Mutex
	opens       int
	closes      int
	fallbacks   int
	disconnects int
	messages    [][]byte
	onOpen      func(w FrameWriter)
}

func (h *recordingHandler) OnOpen(w FrameWriter) {
	h.mu.Lock()
	h.opens++
	fn := h.onOpen
	h.mu.Unlock()
	if fn != nil {
		fn(w)
	}
}

func (h *recordingHandler) OnMessage(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, payload)
}

func (h *recordingHandler) OnClose(error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
}

func (h *recordingHandler) OnFallback() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallbacks++
}

func (h *recordingHandler) OnDisconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) counts() (opens, closes, fallbacks, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens, h.closes, h.fallbacks, h.disconnects
}

func (h *recordingHandler) received() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.messages...)
}

// wsServer accepts websocket connections and hands each to serve
type wsServer struct {
	*httptest.Server
	accepted atomic.Int32
	frames   chan []byte
}

func newWSServer(t *testing.T, serve func(n int32, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.accepted.Add(1)
		if serve != nil {
			serve(n, conn)
			return
		}
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.frames <- payload
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func awaitStatus(t *testing.T, status <-chan bool, want bool) {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case got := <-status:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("status never became %t", want)
		}
	}
}

func newTestManager(t *testing.T, opts Options, h Handler) *Manager {
	t.Helper()
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	m := NewManager(opts)
	m.SetHandler(h)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func failingDialer(calls *atomic.Int32) Dialer {
	return DialerFunc(func(ctx context.Context, url string) (Conn, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		origin   string
		want     string
		wantErr  bool
	}{
		{"RelativeOverHTTP", "/ws", "http://localhost:8080", "ws://localhost:8080/ws", false},
		{"RelativeOverHTTPS", "/ws", "https://example.com", "wss://example.com/ws", false},
		{"RelativeWithQuery", "/ws?feed=1", "https://example.com/app", "wss://example.com/ws?feed=1", false},
		{"Absolute", "wss://feed.example.com/stream", "http://ignored", "wss://feed.example.com/stream", false},
		{"AbsoluteHTTP", "http://feed.example.com/ws", "", "ws://feed.example.com/ws", false},
		{"Empty", "", "http://localhost", "", true},
		{"RelativeWithoutOrigin", "/ws", "", "", true},
		{"BadScheme", "ftp://example.com/ws", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveURL(tt.endpoint, tt.origin)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_ConnectOpens(t *testing.T) {
	srv := newWSServer(t, nil)
	h := &recordingHandler{}
	m := newTestManager(t, Options{URL: srv.wsURL()}, h)

	status, stop := m.Watch()
	defer stop()
	assert.False(t, <-status)

	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, tick)

	awaitStatus(t, status, true)

	opens, _, _, _ := h.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, AvailabilityAvailable, m.Health().Availability)
	assert.Contains(t, m.Info(), "state=open")
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t, nil)
	h := &recordingHandler{}
	m := newTestManager(t, Options{URL: srv.wsURL()}, h)

	m.Connect()
	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, tick)
	m.Connect()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.accepted.Load())
	opens, _, _, _ := h.counts()
	assert.Equal(t, 1, opens)
}

func TestManager_WatchReplaysLatest(t *testing.T) {
	srv := newWSServer(t, nil)
	m := newTestManager(t, Options{URL: srv.wsURL()}, &recordingHandler{})

	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, tick)

	status, stop := m.Watch()
	awaitStatus(t, status, true)
	stop()
	stop()

	for range status {
	}
	_, ok := <-status
	assert.False(t, ok)
}

func TestManager_BackoffLadderThenMock(t *testing.T) {
	mockClock := clock.NewMock()
	var dials atomic.Int32
	h := &recordingHandler{}
	m := newTestManager(t, Options{
		URL:    "ws://unreachable.invalid/ws",
		Dialer: failingDialer(&dials),
		Clock:  mockClock,
	}, h)

	m.Connect()

	for i, want := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second} {
		attempt := i + 1
		require.Eventually(t, func() bool {
			health := m.Health()
			return health.RetryAttempt == attempt && health.NextRetryDelay == want
		}, waitFor, tick, "attempt %d", attempt)

		// one tick short of the delay must not redial
		mockClock.Add(want - time.Millisecond)
		assert.Equal(t, int32(attempt), dials.Load())
		mockClock.Add(time.Millisecond)
	}

	require.Eventually(t, m.IsMock, waitFor, tick)
	assert.Equal(t, int32(6), dials.Load())
	assert.Equal(t, StateClosed, m.State())

	// no automatic attempts once in mock mode
	mockClock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(6), dials.Load())

	_, _, fallbacks, _ := h.counts()
	assert.Equal(t, 1, fallbacks)
	assert.Equal(t, 6, m.Health().FailureCount)
}

func TestManager_EnsureConnectedKeepsLadder(t *testing.T) {
	mockClock := clock.NewMock()
	var dials atomic.Int32
	m := newTestManager(t, Options{
		URL:    "ws://unreachable.invalid/ws",
		Dialer: failingDialer(&dials),
		Clock:  mockClock,
	}, &recordingHandler{})

	m.EnsureConnected()
	require.Eventually(t, func() bool { return m.Health().RetryAttempt == 1 }, waitFor, tick)
	mockClock.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		health := m.Health()
		return health.RetryAttempt == 2 && health.NextRetryDelay == 10*time.Second
	}, waitFor, tick)

	// a new subscription mid-ladder must neither dial nor restart the ladder
	m.EnsureConnected()
	time.Sleep(20 * time.Millisecond)
	health := m.Health()
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 2, health.RetryAttempt)
	assert.Equal(t, 10*time.Second, health.NextRetryDelay)

	mockClock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return dials.Load() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return m.Health().NextRetryDelay == 20*time.Second }, waitFor, tick)
}

func TestManager_EnsureConnectedInMockIsNoop(t *testing.T) {
	var dials atomic.Int32
	m := newTestManager(t, Options{
		URL:    "ws://unreachable.invalid/ws",
		Dialer: failingDialer(&dials),
		Clock:  clock.NewMock(),
	}, &recordingHandler{})

	m.Fallback("forced")
	require.Eventually(t, m.IsMock, waitFor, tick)
	m.EnsureConnected()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, dials.Load())
}

func TestManager_ReconnectsAfterUnexpectedClose(t *testing.T) {
	srv := newWSServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	mockClock := clock.NewMock()
	h := &recordingHandler{}
	m := newTestManager(t, Options{URL: srv.wsURL(), Clock: mockClock}, h)

	m.Connect()
	require.Eventually(t, func() bool {
		health := m.Health()
		return health.RetryAttempt == 1 && health.NextRetryDelay == 5*time.Second
	}, waitFor, tick)

	mockClock.Add(5 * time.Second)
	require.Eventually(t, m.IsConnected, waitFor, tick)

	opens, closes, fallbacks, _ := h.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, fallbacks)
	assert.Equal(t, 0, m.Health().RetryAttempt)
}

func TestManager_DisconnectDoesNotReconnect(t *testing.T) {
	srv := newWSServer(t, nil)
	mockClock := clock.NewMock()
	h := &recordingHandler{}
	m := newTestManager(t, Options{URL: srv.wsURL(), Clock: mockClock}, h)

	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, tick)

	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())

	mockClock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), srv.accepted.Load())
	assert.Equal(t, 0, m.Health().RetryAttempt)

	m.Disconnect()
	_, closes, _, disconnects := h.counts()
	assert.Equal(t, 0, closes)
	assert.Equal(t, 2, disconnects)
}

func TestManager_Send(t *testing.T) {
	srv := newWSServer(t, nil)
	m := newTestManager(t, Options{URL: srv.wsURL()}, &recordingHandler{})

	assert.False(t, m.Send(map[string]string{"type": "subscribe"}))

	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, tick)
	require.True(t, m.Send(map[string]string{"type": "subscribe"}))

	select {
	case frame := <-srv.frames:
		assert.JSONEq(t, `{"type":"subscribe"}`, string(frame))
	case <-time.After(waitFor):
		t.Fatal("frame not received")
	}
}

func TestManager_OnOpenWriterAndMessages(t *testing.T) {
	srv := newWSServer(t, func(n int32, conn *websocket.Conn) {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]string
		if json.Unmarshal(payload, &req) != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"echo":"`+req["type"]+`"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := &recordingHandler{}
	h.onOpen = func(w FrameWriter) {
		assert.NoError(t, w.WriteJSON(map[string]string{"type": "hello"}))
	}
	m := newTestManager(t, Options{URL: srv.wsURL()}, h)

	m.Connect()
	require.Eventually(t, func() bool { return len(h.received()) == 2 }, waitFor, tick)

	got := h.received()
	assert.JSONEq(t, `{"echo":"hello"}`, string(got[0]))
	assert.Equal(t, "not json", string(got[1]))
	assert.True(t, m.IsConnected())
}

func TestManager_ProbeFailureEntersMock(t *testing.T) {
	var dials atomic.Int32
	h := &recordingHandler{}
	m := newTestManager(t, Options{URL: "ws://x/ws", Dialer: failingDialer(&dials)}, h)

	err := m.Probe(context.Background(), func(context.Context) error {
		return errors.New("no backend")
	})
	require.Error(t, err)

	require.Eventually(t, m.IsMock, waitFor, tick)
	assert.Equal(t, AvailabilityUnavailable, m.Health().Availability)
	assert.Equal(t, int32(0), dials.Load())
	_, _, fallbacks, _ := h.counts()
	assert.Equal(t, 1, fallbacks)
	assert.False(t, m.Send(map[string]string{"type": "subscribe"}))
}

func TestManager_ManualConnectLeavesMock(t *testing.T) {
	srv := newWSServer(t, nil)
	h := &recordingHandler{}
	m := newTestManager(t, Options{URL: srv.wsURL()}, h)

	m.Fallback("test")
	require.Eventually(t, m.IsMock, waitFor, tick)

	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, tick)
	assert.False(t, m.IsMock())
	assert.Equal(t, 0, m.Health().RetryAttempt)
}

func TestManager_StopIsSafe(t *testing.T) {
	m := NewManager(Options{URL: "ws://x/ws", Retry: DefaultRetryConfig()})
	m.Stop()
	m.Stop()
	m.Connect()
	assert.False(t, m.Send("x"))
	m.Disconnect()
}
