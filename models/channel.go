package models

import "fmt"

// ChannelKind identifies the class of market data carried by a channel.
type ChannelKind string

const (
	KindTrade  ChannelKind = "trade"
	KindTicker ChannelKind = "ticker"
	KindBook   ChannelKind = "book"
)

// ParseKind validates a configured kind string.
func ParseKind(s string) (ChannelKind, error) {
	switch ChannelKind(s) {
	case KindTrade, KindTicker, KindBook:
		return ChannelKind(s), nil
	}
	return "", fmt.Errorf("unknown channel kind %q", s)
}

// Slug returns the kind suffix used in channel identifiers.
func (k ChannelKind) Slug() string {
	switch k {
	case KindTrade:
		return "trades"
	case KindTicker:
		return "ticker"
	case KindBook:
		return "book"
	}
	return string(k)
}

// Channel is one logical subscription: a product paired with a data kind.
// The ID is stable across reconnects and is the unit of sequence tracking.
type Channel struct {
	ID     string      `json:"id"`
	Symbol string      `json:"symbol"`
	Kind   ChannelKind `json:"kind"`
}

// NewChannel derives the channel identifier from symbol and kind,
// e.g. ("BTC-USD", trade) -> "BTC-USD-trades".
func NewChannel(symbol string, kind ChannelKind) Channel {
	return Channel{
		ID:     ChannelID(symbol, kind),
		Symbol: symbol,
		Kind:   kind,
	}
}

// ChannelID builds the identifier without constructing a Channel.
func ChannelID(symbol string, kind ChannelKind) string {
	return symbol + "-" + kind.Slug()
}

// BuildChannels expands the configured products and kinds into the full
// channel set, in stable product-major order.
func BuildChannels(symbols []string, kinds []ChannelKind) []Channel {
	channels := make([]Channel, 0, len(symbols)*len(kinds))
	for _, symbol := range symbols {
		for _, kind := range kinds {
			channels = append(channels, NewChannel(symbol, kind))
		}
	}
	return channels
}
