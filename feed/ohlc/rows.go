package ohlc

import (
	"sort"

	"github.com/linluma/marketfeed/feed/rest"
	"github.com/linluma/marketfeed/shared/models"
)

// Positions of the upstream candle row. Low and high come before open and
// close.
const (
	colTime = iota
	colLow
	colHigh
	colOpen
	colClose
	colVolume
)

// ParseRows converts positional rows into candles sorted by time. Rows with
// fewer than five fields or a non-numeric field are dropped.
func ParseRows(rows []rest.CandleRow) ([]models.Candle, int) {
	candles := make([]models.Candle, 0, len(rows))
	dropped := 0

	for _, row := range rows {
		if len(row) <= colClose {
			dropped++
			continue
		}
		valid := true
		for i := colTime; i <= colClose; i++ {
			if !row[i].Valid {
				valid = false
				break
			}
		}
		if !valid || !row[colTime].Value.IsPositive() {
			dropped++
			continue
		}

		c := models.Candle{
			Time:  row[colTime].Value.IntPart(),
			Low:   row[colLow].Value,
			High:  row[colHigh].Value,
			Open:  row[colOpen].Value,
			Close: row[colClose].Value,
		}
		if len(row) > colVolume && row[colVolume].Valid {
			v := row[colVolume].Value
			c.Volume = &v
		}
		candles = append(candles, c)
	}

	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	return candles, dropped
}
