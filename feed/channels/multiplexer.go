package channels

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/logger"
)

// ErrClosed is returned by Subscribe after Close
var ErrClosed = errors.New("multiplexer closed")

// AllMessages is the key of the stream that sees every parsed message
const AllMessages = "*"

// Connection is the part of connection.Manager the multiplexer drives
type Connection interface {
	SetHandler(h connection.Handler)
	EnsureConnected()
	Send(v any) bool
}

// Source produces synthetic messages for one channel while mock mode is
// active. Start must not call emit before it returns, and stop must not
// wait for an emit in progress since it is called under the multiplexer lock.
type Source interface {
	Start(key protocol.ChannelKey, emit func(protocol.Message)) (stop func())
}

// Options configures a Multiplexer
type Options struct {
	Buffer int
	Source Source
	Log    *logger.Entry
}

type subscription struct {
	key     protocol.ChannelKey
	stream  *Stream
	stopGen func()
}

// Multiplexer maps channel keys onto the single streaming connection. It
// implements connection.Handler.
type Multiplexer struct {
	conn   Connection
	source Source
	buffer int
	log    *logger.Entry

	mu     sync.RWMutex
	subs   map[string]*subscription
	all    *Stream
	open   bool
	mock   bool
	closed bool
}

// NewMultiplexer creates a multiplexer and registers it with conn
func NewMultiplexer(conn Connection, opts Options) *Multiplexer {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	m := &Multiplexer{
		conn:   conn,
		source: opts.Source,
		buffer: opts.Buffer,
		log:    logger.OrDiscard(opts.Log).WithComponent("channels"),
		subs:   make(map[string]*subscription),
		all:    newStream(AllMessages, opts.Buffer),
	}
	conn.SetHandler(m)
	return m
}

// Subscribe returns the stream for key. Repeated calls return the same
// stream and send nothing to the server.
func (m *Multiplexer) Subscribe(key protocol.ChannelKey) (*Stream, error) {
	if key.Type == "" || key.ProductID == "" {
		return nil, fmt.Errorf("invalid channel key %q", key.String())
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if sub, ok := m.subs[key.String()]; ok {
		m.mu.Unlock()
		return sub.stream, nil
	}

	sub := &subscription{key: key, stream: newStream(key.String(), m.buffer)}
	m.subs[key.String()] = sub

	open, mock := m.open, m.mock
	if mock {
		m.startGenerator(sub)
	}
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{"channel": key.String(), "open": open, "mock": mock}).Debug("Subscribed")

	switch {
	case mock:
	case open:
		m.conn.Send(protocol.SubscribeRequest(key))
	default:
		m.conn.EnsureConnected()
	}
	return sub.stream, nil
}

// Unsubscribe drops key and closes its stream. Unknown keys are ignored.
func (m *Multiplexer) Unsubscribe(key protocol.ChannelKey) {
	m.mu.Lock()
	sub, ok := m.subs[key.String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, key.String())
	if sub.stopGen != nil {
		sub.stopGen()
		sub.stopGen = nil
	}
	sub.stream.close()
	open, mock := m.open, m.mock
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{"channel": key.String()}).Debug("Unsubscribed")

	if open && !mock {
		m.conn.Send(protocol.UnsubscribeRequest(key))
	}
}

// All returns the stream that receives every parsed message
func (m *Multiplexer) All() *Stream {
	return m.all
}

// Subscriptions lists the active channel keys in order
func (m *Multiplexer) Subscriptions() []protocol.ChannelKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]protocol.ChannelKey, 0, len(m.subs))
	for _, sub := range m.subs {
		keys = append(keys, sub.key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Info lists the active channels
func (m *Multiplexer) Info() string {
	keys := m.Subscriptions()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("channels=[%s] open=%t mock=%t", strings.Join(names, ","), m.open, m.mock)
}

// Close stops generators and closes every stream
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.clearLocked()
	m.all.close()
}

// OnOpen resubscribes every registered channel exactly once on the new
// connection and stops synthetic generators.
func (m *Multiplexer) OnOpen(w connection.FrameWriter) {
	m.mu.Lock()
	m.open = true
	m.mock = false
	keys := make([]protocol.ChannelKey, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.stopGen != nil {
			sub.stopGen()
			sub.stopGen = nil
		}
		keys = append(keys, sub.key)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		if err := w.WriteJSON(protocol.SubscribeRequest(key)); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{"channel": key.String()}).Warn("Failed to resubscribe")
		}
	}
	if len(keys) > 0 {
		m.log.WithFields(logger.Fields{"count": len(keys)}).Info("Resubscribed channels")
	}
}

// OnMessage parses a frame and routes it. Malformed frames are dropped.
func (m *Multiplexer) OnMessage(payload []byte) {
	msg, err := protocol.Parse(payload)
	if err != nil {
		m.log.WithError(err).Debug("Dropping malformed frame")
		return
	}
	m.dispatch(msg)
}

// OnClose keeps subscriptions so they are restored on reconnect
func (m *Multiplexer) OnClose(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
}

// OnFallback starts a generator for every channel
func (m *Multiplexer) OnFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = false
	m.mock = true
	if m.closed {
		return
	}
	for _, sub := range m.subs {
		if sub.stopGen == nil {
			m.startGenerator(sub)
		}
	}
}

// OnDisconnect forgets every subscription
func (m *Multiplexer) OnDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open = false
	m.clearLocked()
}

func (m *Multiplexer) dispatch(msg protocol.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return
	}
	if !m.all.offer(msg) {
		m.log.Debug("All-messages stream full, dropping message")
	}

	route := msg.Route()
	if route == "" {
		return
	}
	sub, ok := m.subs[route]
	if !ok {
		return
	}
	if !sub.stream.offer(msg) {
		m.log.WithFields(logger.Fields{"channel": route, "kind": msg.Kind().String()}).Warn("Subscriber too slow, dropping message")
	}
}

func (m *Multiplexer) startGenerator(sub *subscription) {
	if m.source == nil {
		return
	}
	sub.stopGen = m.source.Start(sub.key, m.dispatch)
}

func (m *Multiplexer) clearLocked() {
	for k, sub := range m.subs {
		if sub.stopGen != nil {
			sub.stopGen()
		}
		sub.stream.close()
		delete(m.subs, k)
	}
}
