package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/models"
)

var hundred = decimal.NewFromInt(100)

// PriceSignal is the current price derived from the top of the book
type PriceSignal struct {
	Price         decimal.Decimal `json:"price"`
	Valid         bool            `json:"valid"`
	IsUp          bool            `json:"is_up"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	HasChange     bool            `json:"has_change"`
}

// Book holds the price levels of one product. Bids are kept strictly
// descending and asks strictly ascending, with no zero sizes. Book is not
// safe for concurrent use.
type Book struct {
	productID string
	bids      []models.PriceLevel
	asks      []models.PriceLevel
	price     PriceSignal
}

// NewBook creates an empty book
func NewBook(productID string) *Book {
	return &Book{productID: productID}
}

// ProductID returns the product the book tracks
func (b *Book) ProductID() string { return b.productID }

// ApplySnapshot replaces both sides. Entries that failed to parse or carry
// a non-positive size are dropped and counted.
func (b *Book) ApplySnapshot(s *protocol.Snapshot) (dropped int) {
	bids, d1 := levelsFromSnapshot(s.Bids, models.SideBuy)
	asks, d2 := levelsFromSnapshot(s.Asks, models.SideSell)

	b.bids = bids
	b.asks = asks
	sortSide(b.bids, models.SideBuy)
	sortSide(b.asks, models.SideSell)
	b.refreshPrice()
	return d1 + d2
}

// ApplyDelta upserts or deletes each change and re-sorts. Malformed changes
// are skipped and the rest of the batch still applies.
func (b *Book) ApplyDelta(u *protocol.L2Update) (applied, skipped int) {
	for _, c := range u.Changes {
		if !c.Valid || !c.Price.Valid || !c.Size.Valid || !c.Price.Value.IsPositive() || c.Size.Value.IsNegative() {
			skipped++
			continue
		}
		side, err := models.ParseSide(c.Side)
		if err != nil {
			skipped++
			continue
		}

		levels := &b.bids
		if side == models.SideSell {
			levels = &b.asks
		}
		*levels = upsert(*levels, models.PriceLevel{Price: c.Price.Value, Size: c.Size.Value, Side: side})
		applied++
	}

	sortSide(b.bids, models.SideBuy)
	sortSide(b.asks, models.SideSell)
	if applied > 0 {
		b.refreshPrice()
	}
	return applied, skipped
}

// ApplyTicker folds a positive ticker price into the price signal
func (b *Book) ApplyTicker(t *protocol.Ticker) bool {
	if !t.Price.Valid || !t.Price.Value.IsPositive() {
		return false
	}
	b.setPrice(t.Price.Value)
	return true
}

// Clear drops all levels and the price signal
func (b *Book) Clear() {
	b.bids = nil
	b.asks = nil
	b.price = PriceSignal{}
}

// Bids returns a copy of the bid side, best first
func (b *Book) Bids() []models.PriceLevel { return append([]models.PriceLevel(nil), b.bids...) }

// Asks returns a copy of the ask side, best first
func (b *Book) Asks() []models.PriceLevel { return append([]models.PriceLevel(nil), b.asks...) }

// BestBid returns bids[0]
func (b *Book) BestBid() (models.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns asks[0]
func (b *Book) BestAsk() (models.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Price returns the current price signal
func (b *Book) Price() PriceSignal { return b.price }

// MaxSize is the largest size on either side, used to scale depth bars
func (b *Book) MaxSize() decimal.Decimal {
	max := decimal.Zero
	for _, l := range b.bids {
		if l.Size.GreaterThan(max) {
			max = l.Size
		}
	}
	for _, l := range b.asks {
		if l.Size.GreaterThan(max) {
			max = l.Size
		}
	}
	return max
}

func (b *Book) refreshPrice() {
	switch {
	case len(b.bids) > 0:
		b.setPrice(b.bids[0].Price)
	case len(b.asks) > 0:
		b.setPrice(b.asks[0].Price)
	}
}

func (b *Book) setPrice(p decimal.Decimal) {
	prev := b.price
	next := PriceSignal{Price: p, Valid: true, IsUp: true}
	if prev.Valid {
		next.IsUp = p.GreaterThanOrEqual(prev.Price)
		if prev.Price.IsPositive() {
			next.ChangePercent = p.Sub(prev.Price).Div(prev.Price).Mul(hundred)
			next.HasChange = true
		}
	}
	b.price = next
}

func levelsFromSnapshot(entries []protocol.Level, side models.Side) ([]models.PriceLevel, int) {
	levels := make([]models.PriceLevel, 0, len(entries))
	index := make(map[string]int, len(entries))
	dropped := 0

	for _, e := range entries {
		if !e.Valid || !e.Price.Valid || !e.Size.Valid || !e.Price.Value.IsPositive() || !e.Size.Value.IsPositive() {
			dropped++
			continue
		}
		key := e.Price.Value.String()
		level := models.PriceLevel{Price: e.Price.Value, Size: e.Size.Value, Side: side}
		if i, ok := index[key]; ok {
			levels[i] = level
			continue
		}
		index[key] = len(levels)
		levels = append(levels, level)
	}
	return levels, dropped
}

func upsert(levels []models.PriceLevel, level models.PriceLevel) []models.PriceLevel {
	for i := range levels {
		if !levels[i].Price.Equal(level.Price) {
			continue
		}
		if level.Size.IsZero() {
			return append(levels[:i], levels[i+1:]...)
		}
		levels[i].Size = level.Size
		return levels
	}
	if level.Size.IsZero() {
		return levels
	}
	return append(levels, level)
}

func sortSide(levels []models.PriceLevel, side models.Side) {
	if side == models.SideBuy {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
		return
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
}
