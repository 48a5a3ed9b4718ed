package trades

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/linluma/marketfeed/feed/channels"
	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

// DefaultLimit bounds the history when no limit is configured
const DefaultLimit = 50

// Loader fetches recent trades, newest first
type Loader func(ctx context.Context, productID string, limit int) ([]models.Trade, error)

// Subscriber is the part of the multiplexer the history needs
type Subscriber interface {
	Subscribe(key protocol.ChannelKey) (*channels.Stream, error)
	Unsubscribe(key protocol.ChannelKey)
}

// History keeps the latest trades of one product, newest first. It is
// seeded over REST and then fed by the match channel.
type History struct {
	productID string
	limit     int
	load      Loader
	subs      Subscriber
	clock     clock.Clock
	log       *logger.Entry

	mu     sync.RWMutex
	trades []models.Trade

	tradeCh chan models.Trade
	changed chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHistory creates a history. A nil clock uses the wall clock.
func NewHistory(productID string, limit int, load Loader, subs Subscriber, clk clock.Clock, log *logger.Entry) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	return &History{
		productID: productID,
		limit:     limit,
		load:      load,
		subs:      subs,
		clock:     clk,
		log:       logger.OrDiscard(log).WithComponent("trades").WithFields(logger.Fields{"product": productID}),
		tradeCh:   make(chan models.Trade, limit),
		changed:   make(chan struct{}, 1),
	}
}

func (h *History) key() protocol.ChannelKey {
	return protocol.Key(protocol.TypeMatch, h.productID)
}

// Start subscribes to matches and seeds the history. A failed seed leaves
// the history empty.
func (h *History) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return fmt.Errorf("trade history for %s already started", h.productID)
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	stream, err := h.subs.Subscribe(h.key())
	if err != nil {
		h.log.WithError(err).Warn("Failed to subscribe to matches")
	} else {
		h.wg.Add(1)
		go h.consume(ctx, stream)
	}

	seed, err := h.load(ctx, h.productID, h.limit)
	if err != nil {
		h.log.WithError(err).Warn("Trade history unavailable, starting empty")
		return nil
	}

	h.mu.Lock()
	h.trades = merge(h.trades, seed, h.limit)
	h.mu.Unlock()
	h.notify()
	return nil
}

// Stop releases the match subscription
func (h *History) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	h.subs.Unsubscribe(h.key())
	h.wg.Wait()
}

// Recent returns a copy of the history, newest first
func (h *History) Recent() []models.Trade {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Trade(nil), h.trades...)
}

// Trades delivers each streamed trade. Trades are dropped when nobody reads.
func (h *History) Trades() <-chan models.Trade {
	return h.tradeCh
}

// Changed signals after every change. Signals coalesce.
func (h *History) Changed() <-chan struct{} {
	return h.changed
}

// Add prepends a trade and trims the history to its limit
func (h *History) Add(t models.Trade) {
	h.mu.Lock()
	trades := make([]models.Trade, 0, h.limit)
	trades = append(trades, t)
	trades = append(trades, h.trades...)
	if len(trades) > h.limit {
		trades = trades[:h.limit]
	}
	h.trades = trades
	h.mu.Unlock()

	select {
	case h.tradeCh <- t:
	default:
	}
	h.notify()
}

func (h *History) consume(ctx context.Context, s *channels.Stream) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.C():
			if !ok {
				return
			}
			m, isMatch := msg.(*protocol.Match)
			if !isMatch {
				continue
			}
			t, valid := FromMatch(m, h.clock)
			if !valid {
				h.log.WithFields(logger.Fields{"trade_id": m.TradeID}).Debug("Dropping malformed match")
				continue
			}
			h.Add(t)
		}
	}
}

// FromMatch converts a match message. A missing time is stamped with now.
func FromMatch(m *protocol.Match, clk clock.Clock) (models.Trade, bool) {
	if !m.Price.Valid || !m.Size.Valid || !m.Price.Value.IsPositive() || !m.Size.Value.IsPositive() {
		return models.Trade{}, false
	}
	side, err := models.ParseSide(m.Side)
	if err != nil {
		return models.Trade{}, false
	}
	ts := m.Time
	if ts.IsZero() {
		ts = clk.Now().UTC()
	}
	return models.Trade{
		ID:        m.TradeID,
		ProductID: m.ProductID,
		Price:     m.Price.Value,
		Size:      m.Size.Value,
		Side:      side,
		Time:      ts,
	}, true
}

// merge keeps streamed trades in front of the seed and drops seed trades
// whose ID was already streamed
func merge(streamed, seed []models.Trade, limit int) []models.Trade {
	seen := make(map[string]struct{}, len(streamed))
	for _, t := range streamed {
		if t.ID != "" {
			seen[t.ID] = struct{}{}
		}
	}

	merged := make([]models.Trade, 0, limit)
	merged = append(merged, streamed...)
	for _, t := range seed {
		if len(merged) >= limit {
			break
		}
		if _, dup := seen[t.ID]; dup && t.ID != "" {
			continue
		}
		merged = append(merged, t)
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func (h *History) notify() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}
