package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the book side or taker side of a trade
type Side string

// Supported sides
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts either case and the bid/ask aliases some feeds use
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid":
		return SideBuy, nil
	case "sell", "ask":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Trade represents a normalized trade print for one product
type Trade struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	TakerOrderID string          `json:"taker_order_id,omitempty"`
	MakerOrderID string          `json:"maker_order_id,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Side         Side            `json:"side"`
	Time         time.Time       `json:"time"`
}
