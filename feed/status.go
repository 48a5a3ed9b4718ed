package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/session"
)

// renderStatus draws one row per tracked product under a connection title
func renderStatus(health connection.ConnectionHealth, products []session.ProductStatus) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("stream %s | availability %s | mock %t | retries %d | failures %d",
		health.State, health.Availability, health.MockMode, health.RetryAttempt, health.FailureCount))
	t.AppendHeader(table.Row{"Product", "Price", "Change", "Bid", "Ask", "Levels", "Trades", "Candles"})

	for _, p := range products {
		price, change := "-", "-"
		if p.Price.Valid {
			price = p.Price.Price.String()
		}
		if p.Price.HasChange {
			sign := ""
			if p.Price.IsUp {
				sign = "+"
			}
			change = sign + p.Price.ChangePercent.StringFixed(2) + "%"
		}
		candles := fmt.Sprint(p.Candles)
		if p.NoData {
			candles = "no data"
		}
		t.AppendRow(table.Row{p.ProductID, price, change, orDash(p.BestBid), orDash(p.BestAsk), p.Levels, p.Trades, candles})
	}
	return t.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
