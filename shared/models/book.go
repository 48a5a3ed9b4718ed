package models

import "github.com/shopspring/decimal"

// PriceLevel is the aggregated size resting at one price on one side
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Side  Side            `json:"side"`
}
