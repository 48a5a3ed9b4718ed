package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linluma/marketfeed/feed/protocol"
	"github.com/linluma/marketfeed/shared/models"
)

// CandleRow is one positional candle row. A row that is not an array
// decodes to nil.
type CandleRow []protocol.Number

func (r *CandleRow) UnmarshalJSON(b []byte) error {
	var fields []protocol.Number
	if err := json.Unmarshal(b, &fields); err != nil {
		*r = nil
		return nil
	}
	*r = fields
	return nil
}

type wireTrade struct {
	ID             any             `json:"id"`
	TradeID        any             `json:"trade_id"`
	ProductID      string          `json:"productId"`
	ProductIDSnake string          `json:"product_id"`
	TakerOrderID   string          `json:"takerOrderId"`
	MakerOrderID   string          `json:"makerOrderId"`
	Price          protocol.Number `json:"price"`
	Size           protocol.Number `json:"size"`
	Side           string          `json:"side"`
	Time           json.RawMessage `json:"time"`
}

func (w wireTrade) trade(productID string) (models.Trade, bool) {
	if !w.Price.Valid || !w.Size.Valid {
		return models.Trade{}, false
	}
	side, err := models.ParseSide(w.Side)
	if err != nil {
		return models.Trade{}, false
	}

	id := idString(w.ID)
	if id == "" {
		id = idString(w.TradeID)
	}
	pid := w.ProductID
	if pid == "" {
		pid = w.ProductIDSnake
	}
	if pid == "" {
		pid = productID
	}

	return models.Trade{
		ID:           id,
		ProductID:    pid,
		TakerOrderID: w.TakerOrderID,
		MakerOrderID: w.MakerOrderID,
		Price:        w.Price.Value,
		Size:         w.Size.Value,
		Side:         side,
		Time:         parseTime(w.Time),
	}, true
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

// parseTime accepts RFC 3339 strings and unix seconds
func parseTime(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return time.Unix(int64(secs), 0).UTC()
	}
	return time.Time{}
}
