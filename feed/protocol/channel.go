package protocol

import (
	"fmt"
	"strings"
)

// Channel types understood by the streaming endpoint
const (
	TypeTicker = "ticker"
	TypeLevel2 = "level2"
	TypeMatch  = "match"
)

// ChannelKey identifies one logical subscription, "{type}:{productId}"
type ChannelKey struct {
	Type      string
	ProductID string
}

// ParseKey splits a channel key. The historical "matches" spelling is
// folded into "match" so both name the same stream.
func ParseKey(s string) (ChannelKey, error) {
	typ, product, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || typ == "" || product == "" {
		return ChannelKey{}, fmt.Errorf("invalid channel key %q", s)
	}
	if typ == "matches" {
		typ = TypeMatch
	}
	return ChannelKey{Type: typ, ProductID: product}, nil
}

// Key builds a channel key from its parts
func Key(typ, productID string) ChannelKey {
	if typ == "matches" {
		typ = TypeMatch
	}
	return ChannelKey{Type: typ, ProductID: productID}
}

func (k ChannelKey) String() string {
	return k.Type + ":" + k.ProductID
}

func routeFor(typ, productID string) string {
	if productID == "" {
		return ""
	}
	return typ + ":" + productID
}

// Request is a subscribe or unsubscribe frame
type Request struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// SubscribeRequest builds the subscribe frame for a channel
func SubscribeRequest(k ChannelKey) Request {
	return Request{Type: "subscribe", ProductIDs: []string{k.ProductID}, Channels: []string{k.Type}}
}

// UnsubscribeRequest mirrors SubscribeRequest
func UnsubscribeRequest(k ChannelKey) Request {
	return Request{Type: "unsubscribe", ProductIDs: []string{k.ProductID}, Channels: []string{k.Type}}
}
