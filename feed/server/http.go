package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/ohlc"
	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/rest"
	"github.com/linluma/marketfeed/feed/session"
	"github.com/linluma/marketfeed/feed/trades"
	"github.com/linluma/marketfeed/shared/logger"
	"github.com/linluma/marketfeed/shared/models"
)

const (
	requestTimeout      = 15 * time.Second
	requestIDHeaderKey  = "X-Request-ID"
	requestIDContextKey = "request_id"
)

// Feed is the read side of a session the API serves
type Feed interface {
	ID() string
	Info() string
	Products() []models.Product
	Status() []session.ProductStatus
	Book(productID string) (*orderbook.Tracker, bool)
	Trades(productID string) (*trades.History, bool)
	Candles(productID string) (*ohlc.Series, bool)
	SetGranularity(productID string, granularity int) error
	Manager() *connection.Manager
	REST() *rest.Client
}

// API exposes the session state over HTTP
type API struct {
	feed Feed
	log  *logger.Entry
}

// NewAPI creates the HTTP handler set
func NewAPI(feed Feed, log *logger.Entry) *API {
	return &API{feed: feed, log: logger.OrDiscard(log).WithComponent("http")}
}

// Routes builds the router
func (a *API) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(a.loggerMiddleware())
	router.Use(gin.Recovery())

	router.GET("/health", a.health)
	router.GET("/status", a.status)
	router.GET("/products", a.products)
	router.GET("/books/:id", a.book)
	router.GET("/trades/:id", a.trades)
	router.GET("/candles/:id", a.candles)
	router.PUT("/candles/:id/granularity", a.setGranularity)

	orders := router.Group("/orders")
	orders.GET("", a.listOrders)
	orders.POST("", a.placeOrder)
	orders.DELETE("", a.cancelAllOrders)
	orders.DELETE("/:id", a.cancelOrder)

	return router
}

// ListenAndServe serves the API on port until ctx is done
func (a *API) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logger.Fields{"addr": srv.Addr}).Info("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server stopped: %w", err)
	}
}

type healthView struct {
	State           string    `json:"state"`
	Availability    string    `json:"availability"`
	MockMode        bool      `json:"mock_mode"`
	RetryAttempt    int       `json:"retry_attempt"`
	NextRetryDelay  string    `json:"next_retry_delay,omitempty"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

func viewHealth(h connection.ConnectionHealth) healthView {
	v := healthView{
		State:           h.State.String(),
		Availability:    h.Availability.String(),
		MockMode:        h.MockMode,
		RetryAttempt:    h.RetryAttempt,
		FailureCount:    h.FailureCount,
		LastFailureTime: h.LastFailureTime,
		LastError:       h.LastError,
	}
	if h.NextRetryDelay > 0 {
		v.NextRetryDelay = h.NextRetryDelay.String()
	}
	return v
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   ServiceName,
		"session":   a.feed.ID(),
		"connected": a.feed.Manager().IsConnected(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":    a.feed.ID(),
		"info":       a.feed.Info(),
		"connection": viewHealth(a.feed.Manager().Health()),
		"products":   a.feed.Status(),
	})
}

func (a *API) products(c *gin.Context) {
	c.JSON(http.StatusOK, a.feed.Products())
}

func (a *API) book(c *gin.Context) {
	tracker, ok := a.feed.Book(c.Param("id"))
	if !ok {
		a.notTracked(c)
		return
	}
	c.JSON(http.StatusOK, tracker.Snapshot())
}

func (a *API) trades(c *gin.Context) {
	history, ok := a.feed.Trades(c.Param("id"))
	if !ok {
		a.notTracked(c)
		return
	}
	c.JSON(http.StatusOK, history.Recent())
}

func (a *API) candles(c *gin.Context) {
	series, ok := a.feed.Candles(c.Param("id"))
	if !ok {
		a.notTracked(c)
		return
	}
	c.JSON(http.StatusOK, series.View())
}

func (a *API) setGranularity(c *gin.Context) {
	var body struct {
		Granularity int `json:"granularity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		a.fail(c, err, http.StatusBadRequest, "granularity is required")
		return
	}
	err := a.feed.SetGranularity(c.Param("id"), body.Granularity)
	switch {
	case errors.Is(err, session.ErrUnknownProduct):
		a.notTracked(c)
		return
	case err != nil:
		a.fail(c, err, http.StatusBadRequest, err.Error())
		return
	}
	series, _ := a.feed.Candles(c.Param("id"))
	c.JSON(http.StatusOK, series.View())
}

func (a *API) listOrders(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	orders, err := a.feed.REST().Orders(ctx, c.Query("product_id"))
	if err != nil {
		a.upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (a *API) placeOrder(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	var req models.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, err, http.StatusBadRequest, "invalid order body")
		return
	}
	order, err := a.feed.REST().PlaceOrder(ctx, req)
	if err != nil {
		a.upstreamError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (a *API) cancelOrder(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := a.feed.REST().CancelOrder(ctx, c.Param("id")); err != nil {
		a.upstreamError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) cancelAllOrders(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := a.feed.REST().CancelAllOrders(ctx, c.Query("product_id")); err != nil {
		a.upstreamError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) notTracked(c *gin.Context) {
	a.fail(c, fmt.Errorf("product %q is not tracked", c.Param("id")), http.StatusNotFound, "product not tracked")
}

// upstreamError maps REST client failures onto response codes
func (a *API) upstreamError(c *gin.Context, err error) {
	var statusErr *rest.StatusError
	switch {
	case errors.Is(err, rest.ErrInvalidOrder):
		a.fail(c, err, http.StatusBadRequest, err.Error())
	case errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500:
		a.fail(c, err, statusErr.Code, "rejected by backend")
	default:
		a.fail(c, err, http.StatusBadGateway, "backend unavailable")
	}
}

func (a *API) fail(c *gin.Context, err error, code int, message string) {
	requestID := c.GetString(requestIDContextKey)
	a.log.WithError(err).WithFields(logger.Fields{
		"request_id":  requestID,
		"method":      c.Request.Method,
		"path":        c.Request.URL.Path,
		"status_code": code,
	}).Warn("API error")

	c.JSON(code, gin.H{"error": message, "request_id": requestID})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeaderKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeaderKey, requestID)
		c.Set(requestIDContextKey, requestID)
		c.Next()
	}
}

func (a *API) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.WithFields(logger.Fields{
			"request_id": c.GetString(requestIDContextKey),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
		}).Debug("Request served")
	}
}
