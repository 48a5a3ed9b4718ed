package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

// ErrStatus wraps every non-2xx response
var ErrStatus = errors.New("unexpected response status")

// ErrDecode wraps a 2xx response whose body is not the expected JSON
var ErrDecode = errors.New("failed to decode response")

// ErrInvalidOrder marks an order request rejected before it is sent
var ErrInvalidOrder = errors.New("invalid order")

// StatusError carries the status code of a failed request
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d", ErrStatus, e.Code)
	}
	return fmt.Sprintf("%s: %d: %s", ErrStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Options configures a Client
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retries           int
	HTTPClient        *http.Client
	Log               *logger.Entry
}

// Client talks to the exchange REST API
type Client struct {
	base    string
	token   string
	retries int
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Entry
}

// NewClient creates a client for an absolute base URL such as
// "http://localhost:8080/api"
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		retries: opts.Retries,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		log:     logger.OrDiscard(opts.Log).WithComponent("rest"),
	}
}

// ResolveURL makes a relative API endpoint absolute against origin
func ResolveURL(endpoint, origin string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty api endpoint")
	}
	if strings.HasPrefix(endpoint, "/") {
		base, err := url.Parse(origin)
		if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
			return "", fmt.Errorf("invalid origin '%s' for relative endpoint '%s'", origin, endpoint)
		}
		return base.Scheme + "://" + base.Host + endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid api endpoint '%s'", endpoint)
	}
	return endpoint, nil
}

// BaseURL returns the absolute API root
func (c *Client) BaseURL() string {
	return c.base
}

// Products lists tradable products
func (c *Client) Products(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := c.get(ctx, "/products", nil, &products); err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}
	return products, nil
}

// ProductsOrMock lists products and falls back to MockProducts on failure
func (c *Client) ProductsOrMock(ctx context.Context) []models.Product {
	products, err := c.Products(ctx)
	if err != nil || len(products) == 0 {
		c.log.WithError(err).Warn("Using built-in product list")
		return MockProducts()
	}
	return products
}

// Probe checks that the backend answers the product listing. It does not retry.
func (c *Client) Probe(ctx context.Context) error {
	var products []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/products", nil, nil, &products); err != nil {
		return fmt.Errorf("backend probe failed: %w", err)
	}
	return nil
}

// OrderBook fetches a book snapshot. Entries that fail to parse are kept
// with Valid false for the reducer to drop.
func (c *Client) OrderBook(ctx context.Context, productID string, level int) (*protocol.Snapshot, error) {
	if level <= 0 {
		level = 2
	}
	var body struct {
		Bids []protocol.Level `json:"bids"`
		Asks []protocol.Level `json:"asks"`
	}
	q := url.Values{"level": {strconv.Itoa(level)}}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/book", q, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch order book for %s: %w", productID, err)
	}
	return &protocol.Snapshot{
		ProductID: productID,
		Channel:   protocol.TypeLevel2,
		Bids:      body.Bids,
		Asks:      body.Asks,
	}, nil
}

// Trades fetches the most recent trades, newest first
func (c *Client) Trades(ctx context.Context, productID string, limit int) ([]models.Trade, error) {
	var rows []wireTrade
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/trades", q, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch trades for %s: %w", productID, err)
	}

	trades := make([]models.Trade, 0, len(rows))
	for _, row := range rows {
		t, ok := row.trade(productID)
		if !ok {
			c.log.WithFields(logger.Fields{"product": productID, "id": row.ID}).Debug("Dropping malformed trade")
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// Candles fetches raw candle rows. Rows keep the upstream field order
// [time, low, high, open, close, volume?].
func (c *Client) Candles(ctx context.Context, productID string, granularity, limit int) ([]CandleRow, error) {
	var rows []CandleRow
	q := url.Values{"granularity": {strconv.Itoa(granularity)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/candles", q, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", productID, err)
	}
	return rows, nil
}

// Orders lists the user's orders, optionally for one product
func (c *Client) Orders(ctx context.Context, productID string) ([]models.Order, error) {
	var orders []models.Order
	q := url.Values{}
	if productID != "" {
		q.Set("product_id", productID)
	}
	if err := c.get(ctx, "/orders", q, &orders); err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	return orders, nil
}

// PlaceOrder submits an order. It is never retried.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	var order models.Order
	if err := c.do(ctx, http.MethodPost, "/orders", nil, req, &order); err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels one order
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	if err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order, optionally for one product
func (c *Client) CancelAllOrders(ctx context.Context, productID string) error {
	q := url.Values{}
	if productID != "" {
		q.Set("product_id", productID)
	}
	if err := c.do(ctx, http.MethodDelete, "/orders", q, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel orders: %w", err)
	}
	return nil
}

func validateOrder(req models.OrderRequest) error {
	if req.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidOrder)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Size == "" || req.Price == "" {
			return fmt.Errorf("%w: limit orders need size and price", ErrInvalidOrder)
		}
	case models.OrderTypeMarket:
		if req.Size == "" && req.Funds == "" {
			return fmt.Errorf("%w: market orders need size or funds", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	}
	return nil
}

// get retries transport errors and 5xx responses with exponential backoff.
// A 4xx or an undecodable 2xx body fails at once.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	operation := func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, q, nil, out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrDecode) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.log.WithFields(logger.Fields{"path": path, "attempt": attempt}).WithError(err).Debug("Request failed")
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)
	return backoff.Retry(operation, policy)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}
