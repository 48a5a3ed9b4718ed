package models

import "github.com/shopspring/decimal"

// Candle represents an OHLCV bucket keyed by its unix-seconds start time.
// Volume is nil when the upstream row omitted it.
type Candle struct {
	Time   int64            `json:"time"`
	Open   decimal.Decimal  `json:"open"`
	High   decimal.Decimal  `json:"high"`
	Low    decimal.Decimal  `json:"low"`
	Close  decimal.Decimal  `json:"close"`
	Volume *decimal.Decimal `json:"volume,omitempty"`
}

// AveragePoint is one value of a derived moving-average series
type AveragePoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}
