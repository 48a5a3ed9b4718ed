package mock

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/config"
)

func newTestGenerator(clk clock.Clock) *Generator {
	return NewGenerator(config.Default().Mock, clk, 42, nil)
}

func collect(emitted chan protocol.Message) func(protocol.Message) {
	return func(msg protocol.Message) { emitted <- msg }
}

func next(t *testing.T, emitted chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-emitted:
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing emitted")
		return nil
	}
}

func TestBasePrice(t *testing.T) {
	g := newTestGenerator(nil)

	assert.Equal(t, 50000.0, g.BasePrice("BTC-USD"))
	assert.Equal(t, 3000.0, g.BasePrice("ETH-USDT"))
	assert.Equal(t, 200.0, g.BasePrice("LTC-USD"))
	assert.Equal(t, 0.06, g.BasePrice("ETH-BTC"))
	assert.Equal(t, DefaultBasePrice, g.BasePrice("DOGE-USD"))
}

func TestTickerStaysNearBase(t *testing.T) {
	g := newTestGenerator(nil)

	for i := 0; i < 200; i++ {
		tk := g.Ticker("ETH-USD")
		require.True(t, tk.Price.Valid)
		price := tk.Price.Value.InexactFloat64()
		assert.InDelta(t, 3000, price, 300)
		assert.Equal(t, "ETH-USD", tk.ProductID)
		assert.Equal(t, "ticker:ETH-USD", tk.Route())
	}
}

func TestSnapshotIsOrdered(t *testing.T) {
	g := newTestGenerator(nil)
	snap := g.Snapshot("BTC-USD")

	require.Len(t, snap.Bids, snapshotDepth)
	require.Len(t, snap.Asks, snapshotDepth)
	assert.Equal(t, "level2:BTC-USD", snap.Route())
	for i := 1; i < snapshotDepth; i++ {
		assert.True(t, snap.Bids[i-1].Price.Value.GreaterThan(snap.Bids[i].Price.Value))
		assert.True(t, snap.Asks[i-1].Price.Value.LessThan(snap.Asks[i].Price.Value))
	}
	assert.True(t, snap.Bids[0].Price.Value.LessThan(snap.Asks[0].Price.Value))
}

func TestBookUpdateSides(t *testing.T) {
	g := newTestGenerator(nil)
	mid := g.BasePrice("BTC-USD")

	for i := 0; i < 50; i++ {
		update := g.BookUpdate("BTC-USD")
		require.NotEmpty(t, update.Changes)
		for _, c := range update.Changes {
			require.True(t, c.Valid)
			if c.Size.Value.IsZero() {
				continue
			}
			assert.True(t, c.Size.Value.IsPositive())
			price := c.Price.Value.InexactFloat64()
			if c.Side == "buy" {
				assert.Less(t, price, mid)
			} else {
				assert.Equal(t, "sell", c.Side)
				assert.Greater(t, price, mid)
			}
		}
	}
}

func TestSyntheticBookStaysSane(t *testing.T) {
	g := newTestGenerator(nil)
	book := orderbook.NewBook("BTC-USD")
	book.ApplySnapshot(g.Snapshot("BTC-USD"))

	// one hour at a ticker per second and a book update every two seconds
	for second := 1; second <= 3600; second++ {
		g.Ticker("BTC-USD")
		if second%2 != 0 {
			continue
		}
		_, skipped := book.ApplyDelta(g.BookUpdate("BTC-USD"))
		require.Zero(t, skipped)

		require.LessOrEqual(t, len(book.Bids()), maxDepth, "second %d", second)
		require.LessOrEqual(t, len(book.Asks()), maxDepth, "second %d", second)
		bid, okBid := book.BestBid()
		ask, okAsk := book.BestAsk()
		if okBid && okAsk {
			require.True(t, bid.Price.LessThan(ask.Price), "crossed at second %d: bid %s ask %s", second, bid.Price, ask.Price)
		}
	}
	assert.NotEmpty(t, book.Bids())
	assert.NotEmpty(t, book.Asks())
}

func TestSnapshotLevelsAreRemovedWhenStale(t *testing.T) {
	g := newTestGenerator(nil)
	book := orderbook.NewBook("ETH-USD")
	book.ApplySnapshot(g.Snapshot("ETH-USD"))

	// jump the mid well past the snapshot's asks
	g.mu.Lock()
	g.prices["ETH-USD"] = 3000 * 1.05
	g.mu.Unlock()

	book.ApplyDelta(g.BookUpdate("ETH-USD"))
	bid, ok := book.BestBid()
	require.True(t, ok)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.True(t, bid.Price.LessThan(ask.Price))
	assert.True(t, ask.Price.GreaterThan(decimal.NewFromFloat(3000*1.05)))
}

func TestMatchHasTradeID(t *testing.T) {
	mockClock := clock.NewMock()
	g := newTestGenerator(mockClock)

	m := g.Match("LTC-USD")
	_, err := uuid.Parse(m.TradeID)
	assert.NoError(t, err)
	assert.Contains(t, []string{"buy", "sell"}, m.Side)
	assert.Equal(t, mockClock.Now().UTC(), m.Time)
	assert.InDelta(t, 200, m.Price.Value.InexactFloat64(), 1)
}

func TestTradesNewestFirst(t *testing.T) {
	mockClock := clock.NewMock()
	g := newTestGenerator(mockClock)

	trades := g.Trades("BTC-USD", 5)
	require.Len(t, trades, 5)
	for i, tr := range trades {
		assert.Equal(t, "BTC-USD", tr.ProductID)
		assert.Equal(t, mockClock.Now().UTC().Add(-time.Duration(i)*time.Minute), tr.Time)
		assert.InDelta(t, 50000, tr.Price.InexactFloat64(), 250)
		assert.True(t, tr.Size.IsPositive())
	}
	assert.Empty(t, g.Trades("BTC-USD", 0))
}

func TestStartEmitsOnInterval(t *testing.T) {
	mockClock := clock.NewMock()
	g := newTestGenerator(mockClock)

	t.Run("Ticker", func(t *testing.T) {
		emitted := make(chan protocol.Message, 8)
		stop := g.Start(protocol.Key(protocol.TypeTicker, "BTC-USD"), collect(emitted))
		defer stop()

		mockClock.Add(time.Second)
		assert.Equal(t, protocol.KindTicker, next(t, emitted).Kind())
	})

	t.Run("Level2SnapshotFirst", func(t *testing.T) {
		emitted := make(chan protocol.Message, 8)
		stop := g.Start(protocol.Key(protocol.TypeLevel2, "BTC-USD"), collect(emitted))
		defer stop()

		assert.Equal(t, protocol.KindSnapshot, next(t, emitted).Kind())
		mockClock.Add(2 * time.Second)
		assert.Equal(t, protocol.KindL2Update, next(t, emitted).Kind())
	})

	t.Run("Match", func(t *testing.T) {
		emitted := make(chan protocol.Message, 8)
		stop := g.Start(protocol.Key(protocol.TypeMatch, "BTC-USD"), collect(emitted))
		defer stop()

		mockClock.Add(3 * time.Second)
		assert.Equal(t, protocol.KindMatch, next(t, emitted).Kind())
	})

	t.Run("StopHalts", func(t *testing.T) {
		emitted := make(chan protocol.Message, 8)
		stop := g.Start(protocol.Key(protocol.TypeTicker, "ETH-USD"), collect(emitted))
		stop()
		stop()

		time.Sleep(10 * time.Millisecond)
		mockClock.Add(5 * time.Second)
		time.Sleep(10 * time.Millisecond)
		assert.Empty(t, emitted)
	})

	t.Run("UnknownType", func(t *testing.T) {
		emitted := make(chan protocol.Message, 1)
		stop := g.Start(protocol.Key("status", "BTC-USD"), collect(emitted))
		stop()
		mockClock.Add(5 * time.Second)
		assert.Empty(t, emitted)
	})
}
