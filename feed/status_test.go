package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/session"
)

func TestRenderStatus(t *testing.T) {
	health := connection.ConnectionHealth{
		State:        connection.StateOpen,
		Availability: connection.AvailabilityAvailable,
		FailureCount: 2,
	}
	out := renderStatus(health, []session.ProductStatus{
		{
			ProductID: "BTC-USD",
			Price: orderbook.PriceSignal{
				Price:         decimal.RequireFromString("101.5"),
				Valid:         true,
				IsUp:          true,
				ChangePercent: decimal.RequireFromString("1.5"),
				HasChange:     true,
			},
			BestBid: "101",
			BestAsk: "102",
			Levels:  20,
			Trades:  50,
			Candles: 200,
		},
		{ProductID: "ETH-USD", NoData: true},
	})

	assert.Contains(t, out, "stream open")
	assert.Contains(t, out, "failures 2")
	assert.Contains(t, out, "BTC-USD")
	assert.Contains(t, out, "101.5")
	assert.Contains(t, out, "+1.50%")
	assert.Contains(t, out, "no data")
}
