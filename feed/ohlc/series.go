package ohlc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/linluma/marketfeed/feed/rest"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

// Fetcher loads raw candle rows
type Fetcher func(ctx context.Context, productID string, granularity, limit int) ([]rest.CandleRow, error)

// Options configures a Series
type Options struct {
	ProductID    string
	Granularity  int
	Limit        int
	PollInterval time.Duration
	MAPeriods    []int
	Clock        clock.Clock
	Log          *logger.Entry
}

// View is a consistent copy of the series state
type View struct {
	ProductID   string                        `json:"product_id"`
	Granularity int                           `json:"granularity"`
	Candles     []models.Candle               `json:"candles"`
	Averages    map[int][]models.AveragePoint `json:"averages"`
	NoData      bool                          `json:"no_data"`
	Error       string                        `json:"error,omitempty"`
}

// Series keeps the candles of one product and granularity, replacing them on
// every poll and recomputing the moving averages.
type Series struct {
	productID string
	limit     int
	interval  time.Duration
	periods   []int
	fetch     Fetcher
	clock     clock.Clock
	log       *logger.Entry

	mu          sync.RWMutex
	granularity int
	candles     []models.Candle
	averages    map[int][]models.AveragePoint
	noData      bool
	lastErr     error
	changed     chan struct{}

	// polls run one at a time
	pollMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSeries creates a series. Nothing is fetched until Start or Load.
func NewSeries(fetch Fetcher, opts Options) *Series {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 200
	}
	if opts.Granularity == 0 {
		opts.Granularity = 3600
	}
	periods := make([]int, 0, len(opts.MAPeriods))
	for _, p := range opts.MAPeriods {
		if p > 0 {
			periods = append(periods, p)
		}
	}
	return &Series{
		productID:   opts.ProductID,
		limit:       opts.Limit,
		interval:    opts.PollInterval,
		periods:     periods,
		fetch:       fetch,
		clock:       opts.Clock,
		log:         logger.OrDiscard(opts.Log).WithComponent("ohlc").WithFields(logger.Fields{"product": opts.ProductID}),
		granularity: opts.Granularity,
		averages:    make(map[int][]models.AveragePoint),
		changed:     make(chan struct{}, 1),
	}
}

// Load fetches the series once and replaces the stored candles. An empty
// result sets the no-data state. A failed fetch keeps the previous candles.
func (s *Series) Load(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.RLock()
	granularity := s.granularity
	s.mu.RUnlock()

	rows, err := s.fetch(ctx, s.productID, granularity, s.limit)

	s.mu.Lock()
	if s.granularity != granularity {
		// granularity switched while the request was in flight
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.lastErr = err
		s.noData = len(s.candles) == 0
		s.mu.Unlock()
		s.log.WithError(err).WithFields(logger.Fields{"granularity": granularity}).Warn("Failed to load candles")
		s.notify()
		return err
	}

	candles, dropped := ParseRows(rows)
	s.candles = candles
	s.noData = len(candles) == 0
	s.lastErr = nil
	s.averages = make(map[int][]models.AveragePoint, len(s.periods))
	for _, p := range s.periods {
		s.averages[p] = MovingAverage(candles, p)
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.log.WithFields(logger.Fields{"dropped": dropped}).Debug("Dropped malformed candle rows")
	}
	s.notify()
	return nil
}

// Start loads once and then polls on a fixed interval until Stop. Polling
// starts even when the first load fails or comes back empty.
func (s *Series) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := s.clock.Ticker(s.interval)
	s.wg.Add(1)
	go s.poll(ctx, ticker)

	s.log.WithFields(logger.Fields{"interval": s.interval.String()}).Debug("Candle polling started")
}

func (s *Series) poll(ctx context.Context, ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	_ = s.Load(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Load(ctx)
		}
	}
}

// Stop ends polling. An in-flight request is cancelled.
func (s *Series) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// SetGranularity clears the series, switches granularity and restarts
// polling if it was running
func (s *Series) SetGranularity(ctx context.Context, granularity int) error {
	if !config.IsValidGranularity(granularity) {
		return fmt.Errorf("unsupported granularity %d, expected one of %v", granularity, config.ValidGranularities)
	}

	s.runMu.Lock()
	running := s.cancel != nil
	s.runMu.Unlock()
	s.Stop()

	s.mu.Lock()
	s.granularity = granularity
	s.candles = nil
	s.averages = make(map[int][]models.AveragePoint)
	s.noData = false
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()

	if running {
		s.Start(ctx)
	}
	return nil
}

// Granularity returns the current bucket size in seconds
func (s *Series) Granularity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.granularity
}

// Candles returns a copy of the candles, oldest first
func (s *Series) Candles() []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Candle(nil), s.candles...)
}

// MovingAverage returns the series for period, computing it when period is
// not one of the maintained ones
func (s *Series) MovingAverage(period int) []models.AveragePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if points, ok := s.averages[period]; ok {
		return append([]models.AveragePoint(nil), points...)
	}
	return MovingAverage(s.candles, period)
}

// NoData reports whether the last successful load returned nothing
func (s *Series) NoData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.noData
}

// View returns a copy of the whole state
func (s *Series) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		ProductID:   s.productID,
		Granularity: s.granularity,
		Candles:     append([]models.Candle(nil), s.candles...),
		Averages:    make(map[int][]models.AveragePoint, len(s.averages)),
		NoData:      s.noData,
	}
	for p, points := range s.averages {
		v.Averages[p] = append([]models.AveragePoint(nil), points...)
	}
	if s.lastErr != nil {
		v.Error = s.lastErr.Error()
	}
	return v
}

// Changed signals after every load. Signals coalesce.
func (s *Series) Changed() <-chan struct{} {
	return s.changed
}

func (s *Series) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
