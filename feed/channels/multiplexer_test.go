package channels

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	handler  connection.Handler
	connects int
	sent     []protocol.Request
	open     bool
}

func (c *fakeConn) SetHandler(h connection.Handler) { c.handler = h }

func (c *fakeConn) EnsureConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
}

func (c *fakeConn) Send(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.sent = append(c.sent, v.(protocol.Request))
	return true
}

func (c *fakeConn) requests() []protocol.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Request(nil), c.sent...)
}

// open simulates the manager opening a connection
func (c *fakeConn) openWith(w connection.FrameWriter) {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.handler.OnOpen(w)
}

type frameRecorder struct {
	frames []protocol.Request
}

func (r *frameRecorder) WriteJSON(v any) error {
	r.frames = append(r.frames, v.(protocol.Request))
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	running map[string]bool
	emits   map[string]func(protocol.Message)
}

func newFakeSource() *fakeSource {
	return &fakeSource{running: map[string]bool{}, emits: map[string]func(protocol.Message){}}
}

func (s *fakeSource) Start(key protocol.ChannelKey, emit func(protocol.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[key.String()] = true
	s.emits[key.String()] = emit
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.running[key.String()] = false
	}
}

func (s *fakeSource) isRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[key]
}

func newTestMux(opts Options) (*Multiplexer, *fakeConn) {
	conn := &fakeConn{}
	return NewMultiplexer(conn, opts), conn
}

func receive(t *testing.T, s *Stream) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "stream closed")
		return msg
	case <-time.After(time.Second):
		t.Fatalf("nothing received on %s", s.Key())
		return nil
	}
}

func assertEmpty(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case msg := <-s.C():
		t.Fatalf("unexpected message on %s: %#v", s.Key(), msg)
	default:
	}
}

func assertClosed(t *testing.T, s *Stream) {
	t.Helper()
	for {
		select {
		case _, ok := <-s.C():
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("stream %s not closed", s.Key())
		}
	}
}

func TestSubscribeReturnsSameStream(t *testing.T) {
	mux, conn := newTestMux(Options{})
	key := protocol.Key(protocol.TypeTicker, "BTC-USD")

	first, err := mux.Subscribe(key)
	require.NoError(t, err)
	second, err := mux.Subscribe(key)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, conn.connects)
	assert.Equal(t, []protocol.ChannelKey{key}, mux.Subscriptions())
}

func TestSubscribeWhileOpenSendsOnce(t *testing.T) {
	mux, conn := newTestMux(Options{})
	conn.openWith(&frameRecorder{})

	key := protocol.Key(protocol.TypeLevel2, "ETH-USD")
	_, err := mux.Subscribe(key)
	require.NoError(t, err)
	_, err = mux.Subscribe(key)
	require.NoError(t, err)

	assert.Equal(t, []protocol.Request{protocol.SubscribeRequest(key)}, conn.requests())
	assert.Equal(t, 0, conn.connects)
}

func TestSubscribeRejectsInvalidKey(t *testing.T) {
	mux, _ := newTestMux(Options{})
	_, err := mux.Subscribe(protocol.ChannelKey{Type: protocol.TypeTicker})
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	t.Run("UnknownKeyIsNoop", func(t *testing.T) {
		mux, conn := newTestMux(Options{})
		conn.openWith(&frameRecorder{})

		mux.Unsubscribe(protocol.Key(protocol.TypeTicker, "DOGE-USD"))
		assert.Empty(t, conn.requests())
	})

	t.Run("KnownKeyClosesStream", func(t *testing.T) {
		mux, conn := newTestMux(Options{})
		conn.openWith(&frameRecorder{})
		key := protocol.Key(protocol.TypeTicker, "BTC-USD")

		stream, err := mux.Subscribe(key)
		require.NoError(t, err)
		mux.Unsubscribe(key)

		assertClosed(t, stream)
		assert.Equal(t, []protocol.Request{
			protocol.SubscribeRequest(key),
			protocol.UnsubscribeRequest(key),
		}, conn.requests())
		assert.Empty(t, mux.Subscriptions())

		// a new subscription gets a fresh stream
		again, err := mux.Subscribe(key)
		require.NoError(t, err)
		assert.NotSame(t, stream, again)
	})
}

func TestRouting(t *testing.T) {
	mux, conn := newTestMux(Options{})
	conn.openWith(&frameRecorder{})

	ticker, err := mux.Subscribe(protocol.Key(protocol.TypeTicker, "BTC-USD"))
	require.NoError(t, err)
	book, err := mux.Subscribe(protocol.Key(protocol.TypeLevel2, "BTC-USD"))
	require.NoError(t, err)
	matches, err := mux.Subscribe(protocol.Key("matches", "BTC-USD"))
	require.NoError(t, err)

	mux.OnMessage([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"50000"}`))
	mux.OnMessage([]byte(`not json`))
	mux.OnMessage([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","100","1"]]}`))
	mux.OnMessage([]byte(`{"type":"match","product_id":"BTC-USD","trade_id":1,"price":"1","size":"1","side":"buy"}`))
	mux.OnMessage([]byte(`{"type":"ticker","product_id":"ETH-USD","price":"3000"}`))

	msg := receive(t, ticker)
	require.IsType(t, &protocol.Ticker{}, msg)
	assert.Equal(t, "50000", msg.(*protocol.Ticker).Price.Value.String())
	assertEmpty(t, ticker)

	assert.Equal(t, protocol.KindL2Update, receive(t, book).Kind())
	assertEmpty(t, book)
	assert.Equal(t, protocol.KindMatch, receive(t, matches).Kind())

	kinds := []protocol.Kind{}
	for i := 0; i < 4; i++ {
		kinds = append(kinds, receive(t, mux.All()).Kind())
	}
	assert.Equal(t, []protocol.Kind{protocol.KindTicker, protocol.KindL2Update, protocol.KindMatch, protocol.KindTicker}, kinds)
	assertEmpty(t, mux.All())
}

func TestFullStreamDropsWithoutBlocking(t *testing.T) {
	mux, conn := newTestMux(Options{Buffer: 1})
	conn.openWith(&frameRecorder{})

	stream, err := mux.Subscribe(protocol.Key(protocol.TypeTicker, "BTC-USD"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			mux.OnMessage([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"1"}`))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on a full stream")
	}
	receive(t, stream)
	assertEmpty(t, stream)

	select {
	case <-stream.Lost():
	default:
		t.Fatal("drop was not signalled")
	}
	select {
	case <-stream.Lost():
		t.Fatal("drop signals should coalesce")
	default:
	}
}

func TestResubscribeExactlyOnceOnOpen(t *testing.T) {
	mux, conn := newTestMux(Options{})
	keys := []protocol.ChannelKey{
		protocol.Key(protocol.TypeLevel2, "BTC-USD"),
		protocol.Key(protocol.TypeTicker, "BTC-USD"),
		protocol.Key(protocol.TypeMatch, "ETH-USD"),
	}
	for _, k := range keys {
		_, err := mux.Subscribe(k)
		require.NoError(t, err)
		_, err = mux.Subscribe(k)
		require.NoError(t, err)
	}

	first := &frameRecorder{}
	conn.openWith(first)
	require.Len(t, first.frames, 3)
	for _, k := range keys {
		assert.Contains(t, first.frames, protocol.SubscribeRequest(k))
	}

	// reconnect after an unexpected close
	mux.OnClose(nil)
	second := &frameRecorder{}
	conn.openWith(second)
	assert.ElementsMatch(t, first.frames, second.frames)
	assert.Empty(t, conn.requests())

	b, err := json.Marshal(second.frames[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"product_ids"`)
}

func TestFallbackStartsGenerators(t *testing.T) {
	source := newFakeSource()
	mux, conn := newTestMux(Options{Source: source})
	ticker := protocol.Key(protocol.TypeTicker, "BTC-USD")

	stream, err := mux.Subscribe(ticker)
	require.NoError(t, err)
	assert.False(t, source.isRunning(ticker.String()))

	mux.OnFallback()
	assert.True(t, source.isRunning(ticker.String()))

	// subscriptions made in mock mode start right away and never connect
	book := protocol.Key(protocol.TypeLevel2, "BTC-USD")
	_, err = mux.Subscribe(book)
	require.NoError(t, err)
	assert.True(t, source.isRunning(book.String()))
	assert.Equal(t, 1, conn.connects)

	source.emits[ticker.String()](&protocol.Ticker{ProductID: "BTC-USD", Price: protocol.ParseNumber("50000")})
	assert.Equal(t, protocol.KindTicker, receive(t, stream).Kind())
	assert.Contains(t, mux.Info(), "mock=true")

	recorder := &frameRecorder{}
	conn.openWith(recorder)
	assert.False(t, source.isRunning(ticker.String()))
	assert.False(t, source.isRunning(book.String()))
	assert.Len(t, recorder.frames, 2)
}

func TestDisconnectClearsSubscriptions(t *testing.T) {
	source := newFakeSource()
	mux, _ := newTestMux(Options{Source: source})
	key := protocol.Key(protocol.TypeTicker, "BTC-USD")

	stream, err := mux.Subscribe(key)
	require.NoError(t, err)
	mux.OnFallback()

	mux.OnDisconnect()
	assertClosed(t, stream)
	assert.Empty(t, mux.Subscriptions())
	assert.False(t, source.isRunning(key.String()))

	recorder := &frameRecorder{}
	mux.OnOpen(recorder)
	assert.Empty(t, recorder.frames)
}

func TestClose(t *testing.T) {
	mux, _ := newTestMux(Options{})
	stream, err := mux.Subscribe(protocol.Key(protocol.TypeTicker, "BTC-USD"))
	require.NoError(t, err)

	mux.Close()
	mux.Close()
	assertClosed(t, stream)
	assertClosed(t, mux.All())

	_, err = mux.Subscribe(protocol.Key(protocol.TypeTicker, "BTC-USD"))
	assert.ErrorIs(t, err, ErrClosed)
	mux.OnMessage([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"1"}`))
}
