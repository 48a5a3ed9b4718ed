package mock

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

// DefaultBasePrice is used for products with no configured base price
const DefaultBasePrice = 50000.0

const snapshotDepth = 10

// maxDepth bounds each side of the synthetic book, in levels and in price
// steps away from the mid
const maxDepth = 2 * snapshotDepth

// sideLevels holds the prices the generator has published on one side and
// not yet removed
type sideLevels map[string]decimal.Decimal

type bookLevels struct {
	bids sideLevels
	asks sideLevels
}

// Generator produces synthetic protocol messages shaped like the live feed.
// It implements channels.Source.
type Generator struct {
	cfg   config.MockConfig
	clock clock.Clock
	log   *logger.Entry

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	books  map[string]*bookLevels
}

// NewGenerator creates a generator. A nil clock uses the wall clock and a
// zero seed seeds from the current time.
func NewGenerator(cfg config.MockConfig, clk clock.Clock, seed int64, log *logger.Entry) *Generator {
	if clk == nil {
		clk = clock.New()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = time.Second
	}
	if cfg.BookInterval <= 0 {
		cfg.BookInterval = 2 * time.Second
	}
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = 3 * time.Second
	}
	return &Generator{
		cfg:    cfg,
		clock:  clk,
		log:    logger.OrDiscard(log).WithComponent("mock"),
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
		books:  make(map[string]*bookLevels),
	}
}

// BasePrice returns the starting price of a product: an exact match in the
// configuration, then its base asset, then DefaultBasePrice
func (g *Generator) BasePrice(productID string) float64 {
	if p, ok := g.cfg.BasePrices[productID]; ok && p > 0 {
		return p
	}
	base, _, _ := strings.Cut(productID, "-")
	if p, ok := g.cfg.BasePrices[base]; ok && p > 0 {
		return p
	}
	return DefaultBasePrice
}

// Start emits messages for key until stop is called. Unknown channel types
// produce nothing.
func (g *Generator) Start(key protocol.ChannelKey, emit func(protocol.Message)) func() {
	var (
		interval time.Duration
		next     func() protocol.Message
	)
	switch key.Type {
	case protocol.TypeTicker:
		interval, next = g.cfg.TickerInterval, func() protocol.Message { return g.Ticker(key.ProductID) }
	case protocol.TypeLevel2:
		interval, next = g.cfg.BookInterval, func() protocol.Message { return g.BookUpdate(key.ProductID) }
	case protocol.TypeMatch:
		interval, next = g.cfg.MatchInterval, func() protocol.Message { return g.Match(key.ProductID) }
	default:
		g.log.WithFields(logger.Fields{"channel": key.String()}).Debug("No synthetic data for channel")
		return func() {}
	}

	ticker := g.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		if key.Type == protocol.TypeLevel2 {
			emit(g.Snapshot(key.ProductID))
		}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				emit(next())
			}
		}
	}()

	g.log.WithFields(logger.Fields{"channel": key.String(), "interval": interval.String()}).Debug("Synthetic data started")

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Ticker moves the product price by a small random step and reports it
func (g *Generator) Ticker(productID string) *protocol.Ticker {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.BasePrice(productID)
	price := g.walk(productID)
	open := base - g.rng.Float64()*base*0.01
	high := price
	if open > high {
		high = open
	}
	low := price
	if open < low {
		low = open
	}
	return &protocol.Ticker{
		ProductID: productID,
		Price:     g.number(price, base),
		Open24h:   g.number(open, base),
		High24h:   g.number(high*(1+g.rng.Float64()*0.002), base),
		Low24h:    g.number(low*(1-g.rng.Float64()*0.002), base),
		Volume24h: protocol.NumberOf(decimal.NewFromFloat(g.rng.Float64()*1000 + 100).Round(2)),
	}
}

// Snapshot builds a full book of snapshotDepth levels per side
func (g *Generator) Snapshot(productID string) *protocol.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.BasePrice(productID)
	mid := g.current(productID)
	step := base * 0.0001
	lv := g.levels(productID)

	snap := &protocol.Snapshot{ProductID: productID, Channel: protocol.TypeLevel2}
	for i := 1; i <= snapshotDepth; i++ {
		offset := float64(i) * step
		bid, ask := g.number(mid-offset, base), g.number(mid+offset, base)
		lv.bids[bid.Value.String()] = bid.Value
		lv.asks[ask.Value.String()] = ask.Value
		snap.Bids = append(snap.Bids, protocol.Level{Price: bid, Size: g.size(), Valid: true})
		snap.Asks = append(snap.Asks, protocol.Level{Price: ask, Size: g.size(), Valid: true})
	}
	return snap
}

// BookUpdate keeps the synthetic book around the current price. It first
// removes levels the mid has crossed or left more than maxDepth steps
// behind, then changes one to three levels per side, then trims each side
// back to maxDepth levels. Every published level is eventually removed, so
// a book fed only by this generator never crosses and stays bounded.
func (g *Generator) BookUpdate(productID string) *protocol.L2Update {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.BasePrice(productID)
	midF := g.current(productID)
	mid := decimal.NewFromFloat(midF)
	step := base * 0.0001
	window := decimal.NewFromFloat(float64(maxDepth) * step)
	lv := g.levels(productID)

	update := &protocol.L2Update{ProductID: productID}
	update.Changes = append(update.Changes, removeLevels("buy", lv.bids, func(p decimal.Decimal) bool {
		return p.GreaterThanOrEqual(mid) || mid.Sub(p).GreaterThan(window)
	})...)
	update.Changes = append(update.Changes, removeLevels("sell", lv.asks, func(p decimal.Decimal) bool {
		return p.LessThanOrEqual(mid) || p.Sub(mid).GreaterThan(window)
	})...)

	for _, side := range []string{"buy", "sell"} {
		count := g.rng.Intn(3) + 1
		for i := 0; i < count; i++ {
			offset := (g.rng.Float64()*10 + 1) * step
			price := g.number(midF-offset, base)
			levels := lv.bids
			if side == "sell" {
				price = g.number(midF+offset, base)
				levels = lv.asks
			}
			if (side == "buy" && !price.Value.LessThan(mid)) || (side == "sell" && !price.Value.GreaterThan(mid)) {
				continue
			}
			levels[price.Value.String()] = price.Value
			update.Changes = append(update.Changes, protocol.Change{
				Side:  side,
				Price: price,
				Size:  g.size(),
				Valid: true,
			})
		}
	}

	update.Changes = append(update.Changes, trimLevels("buy", lv.bids)...)
	update.Changes = append(update.Changes, trimLevels("sell", lv.asks)...)
	return update
}

func (g *Generator) levels(productID string) *bookLevels {
	lv, ok := g.books[productID]
	if !ok {
		lv = &bookLevels{bids: sideLevels{}, asks: sideLevels{}}
		g.books[productID] = lv
	}
	return lv
}

// removeLevels drops every stale level and returns the size-0 changes that
// remove them, ordered by price
func removeLevels(side string, levels sideLevels, stale func(decimal.Decimal) bool) []protocol.Change {
	var prices []decimal.Decimal
	for key, p := range levels {
		if stale(p) {
			delete(levels, key)
			prices = append(prices, p)
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	return removals(side, prices)
}

// trimLevels removes the levels furthest from the mid until maxDepth remain
func trimLevels(side string, levels sideLevels) []protocol.Change {
	if len(levels) <= maxDepth {
		return nil
	}
	prices := make([]decimal.Decimal, 0, len(levels))
	for _, p := range levels {
		prices = append(prices, p)
	}
	// nearest first
	sort.Slice(prices, func(i, j int) bool {
		if side == "buy" {
			return prices[i].GreaterThan(prices[j])
		}
		return prices[i].LessThan(prices[j])
	})
	far := prices[maxDepth:]
	for _, p := range far {
		delete(levels, p.String())
	}
	return removals(side, far)
}

func removals(side string, prices []decimal.Decimal) []protocol.Change {
	changes := make([]protocol.Change, 0, len(prices))
	for _, p := range prices {
		changes = append(changes, protocol.Change{
			Side:  side,
			Price: protocol.NumberOf(p),
			Size:  protocol.NumberOf(decimal.Zero),
			Valid: true,
		})
	}
	return changes
}

// Match builds a synthetic trade near the current price
func (g *Generator) Match(productID string) *protocol.Match {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.BasePrice(productID)
	price := g.current(productID) + (g.rng.Float64()-0.5)*base*0.0002
	side := "buy"
	if g.rng.Intn(2) == 1 {
		side = "sell"
	}
	return &protocol.Match{
		ProductID: productID,
		TradeID:   uuid.NewString(),
		Price:     g.number(price, base),
		Size:      g.size(),
		Side:      side,
		Time:      g.clock.Now().UTC(),
	}
}

// Trades builds a synthetic history one minute apart, newest first
func (g *Generator) Trades(productID string, limit int) []models.Trade {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.BasePrice(productID)
	now := g.clock.Now().UTC()
	trades := make([]models.Trade, 0, limit)
	for i := 0; i < limit; i++ {
		side := models.SideBuy
		if g.rng.Intn(2) == 1 {
			side = models.SideSell
		}
		trades = append(trades, models.Trade{
			ID:           uuid.NewString(),
			ProductID:    productID,
			TakerOrderID: uuid.NewString(),
			MakerOrderID: uuid.NewString(),
			Price:        g.number(base+(g.rng.Float64()-0.5)*base*0.01, base).Value,
			Size:         g.size().Value,
			Side:         side,
			Time:         now.Add(-time.Duration(i) * time.Minute),
		})
	}
	return trades
}

func (g *Generator) current(productID string) float64 {
	p, ok := g.prices[productID]
	if !ok {
		p = g.BasePrice(productID)
		g.prices[productID] = p
	}
	return p
}

func (g *Generator) walk(productID string) float64 {
	base := g.BasePrice(productID)
	p := g.current(productID) + (g.rng.Float64()-0.5)*base*g.cfg.Volatility
	// keep the walk within 10% of the base price
	if p < base*0.9 {
		p = base * 0.9
	} else if p > base*1.1 {
		p = base * 1.1
	}
	g.prices[productID] = p
	return p
}

func (g *Generator) size() protocol.Number {
	return protocol.NumberOf(decimal.NewFromFloat(g.rng.Float64()*2 + 0.1).Round(6))
}

func (g *Generator) number(v, base float64) protocol.Number {
	places := int32(2)
	if base < 10 {
		places = 6
	}
	return protocol.NumberOf(decimal.NewFromFloat(v).Round(places))
}
