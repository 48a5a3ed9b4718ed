package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a frame that could not be decoded at all
var ErrMalformed = errors.New("malformed message")

// Kind discriminates the inbound message variants
type Kind int

const (
	KindUnknown Kind = iota
	KindTicker
	KindSnapshot
	KindL2Update
	KindMatch
)

func (k Kind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindSnapshot:
		return "snapshot"
	case KindL2Update:
		return "l2update"
	case KindMatch:
		return "match"
	default:
		return "unknown"
	}
}

// Message is one decoded inbound frame
type Message interface {
	Kind() Kind
	// Route is the channel key the message belongs to, or "" when it
	// carries no routable product or channel.
	Route() string
}

// Ticker carries the 24h summary of one product
type Ticker struct {
	ProductID string
	Price     Number
	Open24h   Number
	High24h   Number
	Low24h    Number
	Volume24h Number
}

func (t *Ticker) Kind() Kind    { return KindTicker }
func (t *Ticker) Route() string { return routeFor(TypeTicker, t.ProductID) }

// Snapshot replaces both sides of a product's book. Entries are kept raw so
// the reducer can drop malformed ones individually.
type Snapshot struct {
	ProductID string
	Channel   string
	Bids      []Level
	Asks      []Level
}

func (s *Snapshot) Kind() Kind { return KindSnapshot }
func (s *Snapshot) Route() string {
	if s.ProductID != "" {
		return routeFor(TypeLevel2, s.ProductID)
	}
	return s.Channel
}

// Level is a [price, size] pair. Valid is false when the entry had the
// wrong arity or a non-numeric component.
type Level struct {
	Price Number
	Size  Number
	Valid bool
}

func (l *Level) UnmarshalJSON(b []byte) error {
	*l = Level{}
	var parts []Number
	if err := json.Unmarshal(b, &parts); err != nil || len(parts) < 2 {
		return nil
	}
	l.Price, l.Size = parts[0], parts[1]
	l.Valid = l.Price.Valid && l.Size.Valid
	return nil
}

// L2Update carries incremental level changes for one product
type L2Update struct {
	ProductID string
	Changes   []Change
}

func (u *L2Update) Kind() Kind    { return KindL2Update }
func (u *L2Update) Route() string { return routeFor(TypeLevel2, u.ProductID) }

// Change is a [side, price, size] triple
type Change struct {
	Side  string
	Price Number
	Size  Number
	Valid bool
}

func (c *Change) UnmarshalJSON(b []byte) error {
	*c = Change{}
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil || len(parts) < 3 {
		return nil
	}
	var side looseString
	_ = side.UnmarshalJSON(parts[0])
	_ = c.Price.UnmarshalJSON(parts[1])
	_ = c.Size.UnmarshalJSON(parts[2])
	c.Side = string(side)
	c.Valid = c.Side != "" && c.Price.Valid && c.Size.Valid
	return nil
}

// Match is one executed trade
type Match struct {
	ProductID string
	TradeID   string
	Price     Number
	Size      Number
	Side      string
	Time      time.Time
}

func (m *Match) Kind() Kind    { return KindMatch }
func (m *Match) Route() string { return routeFor(TypeMatch, m.ProductID) }

// Unknown is any other frame. It is routed by its generic channel field only.
type Unknown struct {
	Type    string
	Channel string
	Data    json.RawMessage
}

func (u *Unknown) Kind() Kind    { return KindUnknown }
func (u *Unknown) Route() string { return u.Channel }

type envelope struct {
	Type         string          `json:"type"`
	Channel      string          `json:"channel"`
	ProductID    string          `json:"product_id"`
	ProductIDAlt string          `json:"productId"`
	Data         json.RawMessage `json:"data"`
}

func (e *envelope) product() string {
	if e.ProductID != "" {
		return e.ProductID
	}
	return e.ProductIDAlt
}

// Parse decodes one frame into its variant. Only a frame that is not a JSON
// object at all returns an error.
func Parse(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "ticker":
		var body struct {
			Price        Number `json:"price"`
			Open24h      Number `json:"open_24h"`
			High24h      Number `json:"high_24h"`
			Low24h       Number `json:"low_24h"`
			Volume24h    Number `json:"volume_24h"`
			Open24hAlt   Number `json:"open24h"`
			High24hAlt   Number `json:"high24h"`
			Low24hAlt    Number `json:"low24h"`
			Volume24hAlt Number `json:"volume24h"`
		}
		_ = json.Unmarshal(b, &body)
		return &Ticker{
			ProductID: env.product(),
			Price:     body.Price,
			Open24h:   either(body.Open24h, body.Open24hAlt),
			High24h:   either(body.High24h, body.High24hAlt),
			Low24h:    either(body.Low24h, body.Low24hAlt),
			Volume24h: either(body.Volume24h, body.Volume24hAlt),
		}, nil

	case "snapshot":
		var body struct {
			Bids []Level `json:"bids"`
			Asks []Level `json:"asks"`
		}
		if err := json.Unmarshal(b, &body); err != nil {
			return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformed, err)
		}
		return &Snapshot{ProductID: env.product(), Channel: env.Channel, Bids: body.Bids, Asks: body.Asks}, nil

	case "l2update":
		var body struct {
			Changes []Change `json:"changes"`
		}
		if err := json.Unmarshal(b, &body); err != nil {
			return nil, fmt.Errorf("%w: l2update: %v", ErrMalformed, err)
		}
		return &L2Update{ProductID: env.product(), Changes: body.Changes}, nil

	case "match", "last_match":
		var body struct {
			TradeID looseString `json:"trade_id"`
			Price   Number      `json:"price"`
			Size    Number      `json:"size"`
			Side    string      `json:"side"`
			Time    string      `json:"time"`
		}
		_ = json.Unmarshal(b, &body)
		m := &Match{
			ProductID: env.product(),
			TradeID:   string(body.TradeID),
			Price:     body.Price,
			Size:      body.Size,
			Side:      body.Side,
		}
		if ts, err := time.Parse(time.RFC3339Nano, body.Time); err == nil {
			m.Time = ts
		}
		return m, nil

	default:
		data := env.Data
		if len(data) == 0 {
			data = append(json.RawMessage(nil), b...)
		}
		return &Unknown{Type: env.Type, Channel: env.Channel, Data: data}, nil
	}
}
