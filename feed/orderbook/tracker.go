package orderbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/linluma/marketfeed/feed/channels"
	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

// Loader fetches a full book snapshot
type Loader func(ctx context.Context, productID string) (*protocol.Snapshot, error)

// Subscriber is the part of the multiplexer a tracker needs
type Subscriber interface {
	Subscribe(key protocol.ChannelKey) (*channels.Stream, error)
	Unsubscribe(key protocol.ChannelKey)
}

// State is a consistent copy of a tracked book
type State struct {
	ProductID string              `json:"product_id"`
	Bids      []models.PriceLevel `json:"bids"`
	Asks      []models.PriceLevel `json:"asks"`
	Price     PriceSignal         `json:"price"`
	MaxSize   decimal.Decimal     `json:"max_size"`
}

// Tracker keeps the book of one product current from a REST snapshot plus
// the level2 and ticker channels
type Tracker struct {
	productID string
	load      Loader
	subs      Subscriber
	log       *logger.Entry

	mu      sync.RWMutex
	book    *Book
	changed chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewTracker creates a tracker. Nothing happens until Start.
func NewTracker(productID string, load Loader, subs Subscriber, log *logger.Entry) *Tracker {
	return &Tracker{
		productID: productID,
		load:      load,
		subs:      subs,
		log:       logger.OrDiscard(log).WithComponent("orderbook").WithFields(logger.Fields{"product": productID}),
		book:      NewBook(productID),
		changed:   make(chan struct{}, 1),
	}
}

func (t *Tracker) keys() []protocol.ChannelKey {
	return []protocol.ChannelKey{
		protocol.Key(protocol.TypeLevel2, t.productID),
		protocol.Key(protocol.TypeTicker, t.productID),
	}
}

// Start subscribes to the product channels and loads the snapshot. A failed
// load leaves the book empty; streamed updates still apply.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("order book tracker for %s already started", t.productID)
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	for _, key := range t.keys() {
		stream, err := t.subs.Subscribe(key)
		if err != nil {
			t.log.WithError(err).WithFields(logger.Fields{"channel": key.String()}).Warn("Failed to subscribe")
			continue
		}
		t.wg.Add(1)
		go t.consume(ctx, stream, key.Type == protocol.TypeLevel2)
	}

	t.Reload(ctx)
	return nil
}

// Reload replaces the book with a fresh snapshot. On failure the book is
// cleared.
func (t *Tracker) Reload(ctx context.Context) {
	snap, err := t.load(ctx, t.productID)
	if err != nil {
		t.log.WithError(err).Warn("Order book snapshot unavailable, starting empty")
		t.mu.Lock()
		t.book.Clear()
		t.mu.Unlock()
		t.notify()
		return
	}
	t.apply(snap)
}

// Stop releases the channel subscriptions and waits for the consumers
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started || t.cancel == nil {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	cancel()
	for _, key := range t.keys() {
		t.subs.Unsubscribe(key)
	}
	t.wg.Wait()
}

// Snapshot returns a copy of the current book
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return State{
		ProductID: t.productID,
		Bids:      t.book.Bids(),
		Asks:      t.book.Asks(),
		Price:     t.book.Price(),
		MaxSize:   t.book.MaxSize(),
	}
}

// Changed signals after every applied message. Signals coalesce.
func (t *Tracker) Changed() <-chan struct{} {
	return t.changed
}

// consume applies stream messages. A dropped level2 delta leaves the book
// behind the exchange, so it triggers a fresh snapshot.
func (t *Tracker) consume(ctx context.Context, s *channels.Stream, resyncOnLoss bool) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Lost():
			if !resyncOnLoss {
				continue
			}
			t.log.Warn("Level2 updates dropped, reloading order book")
			t.Reload(ctx)
		case msg, ok := <-s.C():
			if !ok {
				return
			}
			t.apply(msg)
		}
	}
}

func (t *Tracker) apply(msg protocol.Message) {
	t.mu.Lock()
	changed := false
	switch m := msg.(type) {
	case *protocol.Snapshot:
		if dropped := t.book.ApplySnapshot(m); dropped > 0 {
			t.log.WithFields(logger.Fields{"dropped": dropped}).Debug("Dropped malformed snapshot entries")
		}
		changed = true
	case *protocol.L2Update:
		applied, skipped := t.book.ApplyDelta(m)
		if skipped > 0 {
			t.log.WithFields(logger.Fields{"skipped": skipped}).Debug("Skipped malformed delta entries")
		}
		changed = applied > 0
	case *protocol.Ticker:
		changed = t.book.ApplyTicker(m)
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

func (t *Tracker) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}
