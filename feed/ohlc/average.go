package ohlc

import (
	"github.com/markcheno/go-talib"

	"github.com/linluma/marketfeed/shared/models"
)

// MovingAverage is the trailing simple moving average of closes. Point k is
// stamped with the time of candle k+period-1. Fewer candles than period
// yields an empty series.
//
// The average is a chart overlay, so it is computed in float64 while candle
// prices stay decimal. talib keeps a running sum, so a value can differ from
// the exact decimal mean in the last few significant digits.
func MovingAverage(candles []models.Candle, period int) []models.AveragePoint {
	if period <= 0 || len(candles) < period {
		return []models.AveragePoint{}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
	}
	sma := closes
	if period > 1 {
		sma = talib.Sma(closes, period)
	}

	points := make([]models.AveragePoint, 0, len(candles)-period+1)
	for i := period - 1; i < len(candles); i++ {
		points = append(points, models.AveragePoint{Time: candles[i].Time, Value: sma[i]})
	}
	return points
}
