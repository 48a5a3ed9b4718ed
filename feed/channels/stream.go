package channels

import (
	"sync"

	"github.com/linluma/marketfeed/feed/protocol"
)

// Stream delivers the messages routed to one channel key. It is closed when
// the key is unsubscribed, the connection is disconnected or the multiplexer
// is closed.
type Stream struct {
	key  string
	ch   chan protocol.Message
	lost chan struct{}
	once sync.Once
}

func newStream(key string, buffer int) *Stream {
	return &Stream{key: key, ch: make(chan protocol.Message, buffer), lost: make(chan struct{}, 1)}
}

// Key returns the channel key the stream serves
func (s *Stream) Key() string { return s.key }

// C returns the receive side of the stream
func (s *Stream) C() <-chan protocol.Message { return s.ch }

// Lost signals that at least one message was dropped because the reader
// fell behind. Signals coalesce and the channel is never closed.
func (s *Stream) Lost() <-chan struct{} { return s.lost }

// offer delivers without blocking. Callers hold the multiplexer lock.
func (s *Stream) offer(msg protocol.Message) bool {
	select {
	case s.ch <- msg:
		return true
	default:
	}
	select {
	case s.lost <- struct{}{}:
	default:
	}
	return false
}

func (s *Stream) close() {
	s.once.Do(func() { close(s.ch) })
}
