package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/linluma/marketfeed/shared/logger"
)

// ErrStopped is returned by calls made after the manager loop has exited
var ErrStopped = errors.New("connection manager stopped")

// Conn is the subset of *websocket.Conn the manager uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens streaming connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WebsocketDialer dials with gorilla/websocket
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	return conn, nil
}

// FrameWriter writes JSON frames to the connection that just opened
type FrameWriter interface {
	WriteJSON(v any) error
}

// Handler receives connection events. All methods are called from the
// manager loop and must not call back into blocking Manager methods.
type Handler interface {
	OnOpen(w FrameWriter)
	OnMessage(payload []byte)
	OnClose(err error)
	OnFallback()
	OnDisconnect()
}

// Options configures a Manager
type Options struct {
	URL    string
	Retry  RetryConfig
	Dialer Dialer
	Clock  clock.Clock
	Log    *logger.Entry
}

// Manager owns the single streaming connection. One goroutine runs the
// state machine; callers, timers and the reader talk to it through events.
type Manager struct {
	url    string
	retry  RetryConfig
	dialer Dialer
	clock  clock.Clock
	log    *logger.Entry

	events  chan event
	done    chan struct{}
	status  *statusFeed
	started sync.Once
	cancel  context.CancelFunc

	handlerMu sync.Mutex
	handler   Handler

	healthMu sync.RWMutex
	health   ConnectionHealth

	// owned by the loop goroutine
	ctx        context.Context
	state      State
	conn       Conn
	gen        uint64
	attempts   int
	mock       bool
	backoff    *backoff.ExponentialBackOff
	retryTimer *clock.Timer
}

// NewManager creates a manager. Start must be called before it does anything.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Retry.Multiplier <= 0 {
		opts.Retry.Multiplier = 2
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Retry.BaseDelay
	b.Multiplier = opts.Retry.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = opts.Retry.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 24 * time.Hour
	}
	b.Reset()

	return &Manager{
		url:     opts.URL,
		retry:   opts.Retry,
		dialer:  opts.Dialer,
		clock:   opts.Clock,
		log:     logger.OrDiscard(opts.Log).WithComponent("connection"),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
		status:  newStatusFeed(),
		backoff: b,
		health:  ConnectionHealth{Availability: AvailabilityChecking},
	}
}

// SetHandler registers the receiver of connection events
func (m *Manager) SetHandler(h Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

// Start launches the loop. It runs until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.started.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		m.ctx = ctx
		go m.run(ctx)
	})
}

// Stop closes the connection and ends the loop
func (m *Manager) Stop() {
	m.started.Do(func() { close(m.done) })
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// Connect opens the connection unless one is open or opening. It resets the
// reconnect counter, so it also retries after a fallback to mock data.
func (m *Manager) Connect() {
	m.post(cmdConnect{})
}

// EnsureConnected starts a connection attempt only when nothing is open,
// opening or scheduled and mock mode is off. Unlike Connect it leaves the
// retry ladder alone, so it cannot postpone the fallback to mock data.
func (m *Manager) EnsureConnected() {
	m.post(cmdEnsure{})
}

// Disconnect closes the connection without scheduling a reconnect and
// tells the handler to drop its subscriptions.
func (m *Manager) Disconnect() {
	done := make(chan struct{})
	if m.post(cmdDisconnect{done: done}) {
		select {
		case <-done:
		case <-m.done:
		}
	}
}

// Fallback switches to mock data without touching the retry ladder. It
// returns once the switch is applied.
func (m *Manager) Fallback(reason string) {
	done := make(chan struct{})
	if m.post(cmdFallback{reason: reason, done: done}) {
		select {
		case <-done:
		case <-m.done:
		}
	}
}

// Send writes v as a JSON frame. It reports false without sending when the
// connection is not open or mock mode is active.
func (m *Manager) Send(v any) bool {
	result := make(chan bool, 1)
	if !m.post(cmdSend{v: v, result: result}) {
		return false
	}
	select {
	case ok := <-result:
		return ok
	case <-m.done:
		return false
	}
}

// Probe checks whether the backend is reachable. A failed probe short
// circuits into mock mode, a successful one opens the connection.
func (m *Manager) Probe(ctx context.Context, probe func(context.Context) error) error {
	m.updateHealth(func(h *ConnectionHealth) { h.Availability = AvailabilityChecking })

	if err := probe(ctx); err != nil {
		m.log.WithError(err).Warn("Backend unreachable, using mock data")
		m.updateHealth(func(h *ConnectionHealth) { h.Availability = AvailabilityUnavailable })
		m.Fallback("backend unreachable")
		return err
	}

	m.updateHealth(func(h *ConnectionHealth) { h.Availability = AvailabilityAvailable })
	m.Connect()
	return nil
}

// Watch returns a stream of the connected flag. The current value is
// delivered immediately. The returned func stops the stream.
func (m *Manager) Watch() (<-chan bool, func()) {
	return m.status.watch()
}

// Health returns a snapshot of connection health
func (m *Manager) Health() ConnectionHealth {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	return m.health
}

// State returns the current connection state
func (m *Manager) State() State {
	return m.Health().State
}

// IsConnected reports whether the connection is open
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// IsMock reports whether mock data is active
func (m *Manager) IsMock() bool {
	return m.Health().MockMode
}

// URL returns the absolute endpoint
func (m *Manager) URL() string {
	return m.url
}

// Info describes the connection for diagnostics
func (m *Manager) Info() string {
	h := m.Health()
	return fmt.Sprintf("endpoint=%s state=%s mock=%t availability=%s attempts=%d/%d",
		m.url, h.State, h.MockMode, h.Availability, h.RetryAttempt, m.retry.MaxRetries)
}

type event interface{}

type (
	cmdConnect    struct{}
	cmdEnsure     struct{}
	cmdDisconnect struct{ done chan struct{} }
	cmdFallback   struct {
		reason string
		done   chan struct{}
	}
	cmdSend struct {
		v      any
		result chan bool
	}

	evDialed struct {
		gen  uint64
		conn Conn
		err  error
	}
	evFrame struct {
		gen     uint64
		payload []byte
	}
	evClosed struct {
		gen uint64
		err error
	}
	evRetry struct{ gen uint64 }
)

func (m *Manager) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.status.close()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev := ev.(type) {
	case cmdConnect:
		m.attempts = 0
		m.backoff.Reset()
		m.stopRetryTimer()
		m.connect()

	case cmdEnsure:
		if m.mock || m.retryTimer != nil {
			return
		}
		m.connect()

	case cmdDisconnect:
		m.disconnect()
		close(ev.done)

	case cmdFallback:
		m.stopRetryTimer()
		m.enterMock(ev.reason)
		close(ev.done)

	case cmdSend:
		ev.result <- m.send(ev.v)

	case evDialed:
		if ev.gen != m.gen || m.state != StateConnecting {
			if ev.conn != nil {
				ev.conn.Close()
			}
			return
		}
		if ev.err != nil {
			m.onUnexpectedClose(ev.err)
			return
		}
		m.onOpen(ev.conn)

	case evFrame:
		if ev.gen == m.gen && m.state == StateOpen {
			if h := m.currentHandler(); h != nil {
				h.OnMessage(ev.payload)
			}
		}

	case evClosed:
		if ev.gen != m.gen || m.state != StateOpen {
			return
		}
		m.conn.Close()
		m.conn = nil
		if h := m.currentHandler(); h != nil {
			h.OnClose(ev.err)
		}
		m.onUnexpectedClose(ev.err)

	case evRetry:
		if ev.gen != m.gen || m.state != StateClosed || m.retryTimer == nil {
			return
		}
		m.retryTimer = nil
		m.updateHealth(func(h *ConnectionHealth) { h.NextRetryDelay = 0 })
		m.connect()
	}
}

func (m *Manager) connect() {
	if m.state == StateOpen || m.state == StateConnecting {
		m.log.Debugf("Connect ignored, connection is %s", m.state)
		return
	}

	m.gen++
	gen := m.gen
	m.setState(StateConnecting)
	m.log.WithFields(logger.Fields{"url": m.url}).Info("Connecting to market data stream")

	ctx := m.ctx
	go func() {
		conn, err := m.dialer.Dial(ctx, m.url)
		m.post(evDialed{gen: gen, conn: conn, err: err})
	}()
}

func (m *Manager) onOpen(conn Conn) {
	m.conn = conn
	m.attempts = 0
	m.backoff.Reset()
	wasMock := m.mock
	m.mock = false
	m.updateHealth(func(h *ConnectionHealth) {
		h.RetryAttempt = 0
		h.NextRetryDelay = 0
		h.MockMode = false
		h.Availability = AvailabilityAvailable
	})
	m.setState(StateOpen)

	m.log.WithFields(logger.Fields{"url": m.url, "was_mock": wasMock}).Info("Market data stream connected")

	go m.read(m.gen, conn)

	if h := m.currentHandler(); h != nil {
		h.OnOpen(connWriter{conn: conn})
	}
}

// onUnexpectedClose schedules the next reconnect or gives up into mock mode
func (m *Manager) onUnexpectedClose(err error) {
	m.recordFailure(err)
	m.setState(StateClosed)

	if m.attempts >= m.retry.MaxRetries {
		m.enterMock("max reconnection attempts reached")
		return
	}

	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.enterMock("reconnect backoff exhausted")
		return
	}
	m.attempts++

	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.post(evRetry{gen: gen})
	})

	attempt := m.attempts
	m.updateHealth(func(h *ConnectionHealth) {
		h.RetryAttempt = attempt
		h.NextRetryDelay = delay
	})
	m.log.WithFields(logger.Fields{
		"attempt": attempt,
		"max":     m.retry.MaxRetries,
		"delay":   delay.String(),
	}).Warn("Market data stream closed, reconnecting")
}

func (m *Manager) enterMock(reason string) {
	m.stopRetryTimer()
	if m.state != StateOpen {
		m.setState(StateClosed)
	}
	if m.mock {
		return
	}
	m.mock = true
	m.updateHealth(func(h *ConnectionHealth) { h.MockMode = true })
	m.log.WithFields(logger.Fields{"reason": reason}).Warn("Falling back to mock data")

	if h := m.currentHandler(); h != nil {
		h.OnFallback()
	}
}

func (m *Manager) disconnect() {
	m.gen++
	m.stopRetryTimer()
	m.attempts = 0
	m.backoff.Reset()
	m.updateHealth(func(h *ConnectionHealth) { h.RetryAttempt = 0 })

	if m.conn != nil {
		m.setState(StateClosing)
		if err := m.conn.Close(); err != nil {
			m.log.WithError(err).Debug("Error closing stream connection")
		}
		m.conn = nil
	}
	m.setState(StateClosed)
	m.log.Info("Disconnected from market data stream")

	if h := m.currentHandler(); h != nil {
		h.OnDisconnect()
	}
}

func (m *Manager) send(v any) bool {
	if m.state != StateOpen || m.mock || m.conn == nil {
		return false
	}
	if err := (connWriter{conn: m.conn}).WriteJSON(v); err != nil {
		m.log.WithError(err).Warn("Failed to send frame")
		return false
	}
	return true
}

func (m *Manager) shutdown() {
	m.gen++
	m.stopRetryTimer()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.setState(StateClosed)
}

func (m *Manager) read(gen uint64, conn Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.WithError(err).Debug("Stream closed unexpectedly")
			}
			m.post(evClosed{gen: gen, err: err})
			return
		}
		if !m.post(evFrame{gen: gen, payload: payload}) {
			return
		}
	}
}

func (m *Manager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.updateHealth(func(h *ConnectionHealth) { h.NextRetryDelay = 0 })
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.updateHealth(func(h *ConnectionHealth) { h.State = s })
	m.status.publish(s == StateOpen)
}

func (m *Manager) recordFailure(err error) {
	m.updateHealth(func(h *ConnectionHealth) {
		h.FailureCount++
		h.LastFailureTime = m.clock.Now()
		if err != nil {
			h.LastError = err.Error()
		}
	})
}

func (m *Manager) updateHealth(fn func(h *ConnectionHealth)) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	fn(&m.health)
}

func (m *Manager) currentHandler() Handler {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	return m.handler
}

type connWriter struct {
	conn Conn
}

func (w connWriter) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, b)
}
