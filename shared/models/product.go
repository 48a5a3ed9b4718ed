package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product describes a tradable pair as listed by GET /products
type Product struct {
	ID             string `json:"id"`
	BaseCurrency   string `json:"baseCurrency"`
	QuoteCurrency  string `json:"quoteCurrency"`
	BaseMinSize    string `json:"baseMinSize"`
	BaseMaxSize    string `json:"baseMaxSize"`
	QuoteIncrement string `json:"quoteIncrement"`
	DisplayName    string `json:"displayName"`
	Status         string `json:"status"`
	MinMarketFunds string `json:"minMarketFunds"`
	MaxMarketFunds string `json:"maxMarketFunds"`
	PostOnly       bool   `json:"postOnly"`
	LimitOnly      bool   `json:"limitOnly"`
	CancelOnly     bool   `json:"cancelOnly"`
}

// OrderType is limit or market
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the lifecycle reported by the backend
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusPending   OrderStatus = "pending"
)

// Order is a user order as returned by the orders endpoints
type Order struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	ProductID     string      `json:"productId"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Size          string      `json:"size"`
	Price         string      `json:"price"`
	Funds         string      `json:"funds"`
	FilledSize    string      `json:"filledSize"`
	ExecutedValue string      `json:"executedValue"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// OrderRequest is the body of POST /orders. Size, Price and Funds are
// optional depending on the order type.
type OrderRequest struct {
	ProductID string    `json:"product_id"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Size      string    `json:"size,omitempty"`
	Price     string    `json:"price,omitempty"`
	Funds     string    `json:"funds,omitempty"`
}

// Ticker is the 24h summary carried by ticker messages
type Ticker struct {
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Open24h   decimal.Decimal `json:"open_24h"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
}
