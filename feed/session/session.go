package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/linluma/marketfeed/feed/channels"
	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/mock"
	"github.com/linluma/marketfeed/feed/ohlc"
	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/feed/rest"
	"github.com/linluma/marketfeed/feed/trades"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

// Deps overrides collaborators, mainly for tests. Zero values use the
// production implementations.
type Deps struct {
	Clock      clock.Clock
	Dialer     connection.Dialer
	HTTPClient *http.Client
	Seed       int64
}

// Session owns every component of one market-data session. Close releases
// all of them.
type Session struct {
	id  string
	cfg config.Config
	log *logger.Entry

	manager   *connection.Manager
	mux       *channels.Multiplexer
	rest      *rest.Client
	generator *mock.Generator

	mu        sync.RWMutex
	products  []models.Product
	books     map[string]*orderbook.Tracker
	histories map[string]*trades.History
	series    map[string]*ohlc.Series

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ErrUnknownProduct is returned for products the session does not track
var ErrUnknownProduct = errors.New("product not tracked")

// New wires a session from configuration. Nothing connects until Start.
func New(cfg config.Config, log *logger.Entry, deps Deps) (*Session, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid session configuration: %w", err)
	}

	wsURL, err := connection.ResolveURL(cfg.Connection.URL, cfg.Feed.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve websocket endpoint: %w", err)
	}
	apiURL, err := rest.ResolveURL(cfg.REST.URL, cfg.Feed.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api endpoint: %w", err)
	}

	id := uuid.NewString()
	log = logger.OrDiscard(log).WithFields(logger.Fields{"session": id})

	dialer := deps.Dialer
	if dialer == nil {
		dialer = connection.WebsocketDialer{HandshakeTimeout: cfg.Connection.HandshakeTimeout}
	}

	manager := connection.NewManager(connection.Options{
		URL: wsURL,
		Retry: connection.RetryConfig{
			BaseDelay:  cfg.Connection.BaseDelay,
			MaxRetries: cfg.Connection.MaxRetries,
			Multiplier: cfg.Connection.Multiplier,
		},
		Dialer: dialer,
		Clock:  deps.Clock,
		Log:    log,
	})
	generator := mock.NewGenerator(cfg.Mock, deps.Clock, deps.Seed, log)
	mux := channels.NewMultiplexer(manager, channels.Options{
		Buffer: cfg.Connection.StreamBuffer,
		Source: generator,
		Log:    log,
	})
	client := rest.NewClient(rest.Options{
		BaseURL:           apiURL,
		Token:             cfg.REST.Token,
		Timeout:           cfg.REST.Timeout,
		RequestsPerSecond: cfg.REST.RequestsPerSecond,
		Burst:             cfg.REST.Burst,
		Retries:           cfg.REST.Retries,
		HTTPClient:        deps.HTTPClient,
		Log:               log,
	})

	s := &Session{
		id:        id,
		cfg:       cfg,
		log:       log.WithComponent("session"),
		manager:   manager,
		mux:       mux,
		rest:      client,
		generator: generator,
		books:     make(map[string]*orderbook.Tracker),
		histories: make(map[string]*trades.History),
		series:    make(map[string]*ohlc.Series),
	}

	for _, pid := range cfg.Feed.Products {
		s.books[pid] = orderbook.NewTracker(pid, s.loadBook, mux, log)
		s.histories[pid] = trades.NewHistory(pid, cfg.Trades.Limit, s.loadTrades, mux, deps.Clock, log)
		s.series[pid] = ohlc.NewSeries(s.loadCandles, ohlc.Options{
			ProductID:    pid,
			Granularity:  cfg.Chart.Granularity,
			Limit:        cfg.Chart.Limit,
			PollInterval: cfg.Chart.PollInterval,
			MAPeriods:    cfg.Chart.MAPeriods,
			Clock:        deps.Clock,
			Log:          log,
		})
	}
	return s, nil
}

// Start probes the backend, opens the stream or falls back to mock data,
// then starts every per-product component.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("session %s already started", s.id)
	}
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	s.manager.Start(ctx)

	switch {
	case s.cfg.Mock.Force:
		s.manager.Fallback("mock data forced by configuration")
	case s.cfg.Connection.Probe:
		_ = s.manager.Probe(ctx, s.rest.Probe)
	default:
		s.manager.Connect()
	}

	var products []models.Product
	if s.manager.IsMock() {
		products = rest.MockProducts()
	} else {
		products = s.rest.ProductsOrMock(ctx)
	}
	s.mu.Lock()
	s.products = products
	s.mu.Unlock()

	for _, pid := range s.cfg.Feed.Products {
		if err := s.books[pid].Start(ctx); err != nil {
			return err
		}
		if err := s.histories[pid].Start(ctx); err != nil {
			return err
		}
		s.series[pid].Start(ctx)
	}

	s.log.WithFields(logger.Fields{
		"products": strings.Join(s.cfg.Feed.Products, ","),
		"mock":     s.manager.IsMock(),
	}).Info("Session started")
	return nil
}

// Close stops every timer, goroutine and channel registration of the
// session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()

		for _, pid := range s.cfg.Feed.Products {
			s.series[pid].Stop()
			s.histories[pid].Stop()
			s.books[pid].Stop()
		}
		if cancel != nil {
			s.manager.Disconnect()
		}
		s.mux.Close()
		if cancel != nil {
			cancel()
		}
		s.manager.Stop()
		s.log.Info("Session closed")
	})
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Manager returns the connection manager
func (s *Session) Manager() *connection.Manager { return s.manager }

// Multiplexer returns the channel multiplexer
func (s *Session) Multiplexer() *channels.Multiplexer { return s.mux }

// REST returns the REST client
func (s *Session) REST() *rest.Client { return s.rest }

// ProductIDs lists the tracked products in configuration order
func (s *Session) ProductIDs() []string {
	return append([]string(nil), s.cfg.Feed.Products...)
}

// Products returns the product listing fetched at start
func (s *Session) Products() []models.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Product(nil), s.products...)
}

// Book returns the order book tracker of a product
func (s *Session) Book(productID string) (*orderbook.Tracker, bool) {
	b, ok := s.books[productID]
	return b, ok
}

// Trades returns the trade history of a product
func (s *Session) Trades(productID string) (*trades.History, bool) {
	h, ok := s.histories[productID]
	return h, ok
}

// Candles returns the candle series of a product
func (s *Session) Candles(productID string) (*ohlc.Series, bool) {
	c, ok := s.series[productID]
	return c, ok
}

// SetGranularity switches the candle bucket size of a product. Polling
// restarts under the session lifetime, not the caller's.
func (s *Session) SetGranularity(productID string, granularity int) error {
	series, ok := s.series[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return series.SetGranularity(ctx, granularity)
}

// Info describes the session for diagnostics
func (s *Session) Info() string {
	return fmt.Sprintf("session=%s configured=%s api=%s %s %s",
		s.id, s.cfg.Connection.URL, s.rest.BaseURL(), s.manager.Info(), s.mux.Info())
}

// ProductStatus summarizes one product
type ProductStatus struct {
	ProductID string                `json:"product_id"`
	Price     orderbook.PriceSignal `json:"price"`
	BestBid   string                `json:"best_bid,omitempty"`
	BestAsk   string                `json:"best_ask,omitempty"`
	Levels    int                   `json:"levels"`
	Trades    int                   `json:"trades"`
	Candles   int                   `json:"candles"`
	NoData    bool                  `json:"no_data"`
}

// Status summarizes every tracked product, sorted by id
func (s *Session) Status() []ProductStatus {
	out := make([]ProductStatus, 0, len(s.books))
	for _, pid := range s.cfg.Feed.Products {
		book := s.books[pid].Snapshot()
		st := ProductStatus{
			ProductID: pid,
			Price:     book.Price,
			Levels:    len(book.Bids) + len(book.Asks),
			Trades:    len(s.histories[pid].Recent()),
		}
		if len(book.Bids) > 0 {
			st.BestBid = book.Bids[0].Price.String()
		}
		if len(book.Asks) > 0 {
			st.BestAsk = book.Asks[0].Price.String()
		}
		view := s.series[pid].View()
		st.Candles = len(view.Candles)
		st.NoData = view.NoData
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (s *Session) loadBook(ctx context.Context, productID string) (*protocol.Snapshot, error) {
	if s.manager.IsMock() {
		return s.generator.Snapshot(productID), nil
	}
	return s.rest.OrderBook(ctx, productID, s.cfg.REST.BookLevel)
}

func (s *Session) loadTrades(ctx context.Context, productID string, limit int) ([]models.Trade, error) {
	if s.manager.IsMock() {
		return s.generator.Trades(productID, limit), nil
	}
	return s.rest.Trades(ctx, productID, limit)
}

func (s *Session) loadCandles(ctx context.Context, productID string, granularity, limit int) ([]rest.CandleRow, error) {
	return s.rest.Candles(ctx, productID, granularity, limit)
}
