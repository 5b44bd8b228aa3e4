package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MarketEvent is one normalized market data record. Exactly one of the
// payload pointers is set, matching Kind.
type MarketEvent struct {
	ChannelID  string      `json:"channel_id"`
	Symbol     string      `json:"symbol"`
	Kind       ChannelKind `json:"kind"`
	Sequence   *uint64     `json:"sequence,omitempty"`
	EventTime  time.Time   `json:"event_time"`
	ReceivedAt time.Time   `json:"received_at"`

	Trade  *TradePayload  `json:"trade,omitempty"`
	Ticker *TickerPayload `json:"ticker,omitempty"`
	Book   *BookPayload   `json:"book,omitempty"`
}

// TradePayload carries one executed trade.
type TradePayload struct {
	TradeID   int64   `json:"trade_id,omitempty"`
	TradeUUID string  `json:"trade_uuid,omitempty"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Side      string  `json:"side"`
}

// TickerPayload carries a top-of-book quote update.
type TickerPayload struct {
	Price   float64 `json:"price,omitempty"`
	BestBid float64 `json:"best_bid,omitempty"`
	BestAsk float64 `json:"best_ask,omitempty"`
	BidSize float64 `json:"bid_size,omitempty"`
	AskSize float64 `json:"ask_size,omitempty"`
	TradeID int64   `json:"trade_id,omitempty"`
}

// BookPayload carries an order book snapshot or incremental update.
type BookPayload struct {
	Snapshot bool         `json:"snapshot,omitempty"`
	Changes  []BookChange `json:"changes"`
}

// BookChange is one price level mutation. Size zero removes the level.
type BookChange struct {
	Side  string  `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Seq wraps a sequence number for assignment to MarketEvent.Sequence.
func Seq(n uint64) *uint64 { return &n }

// NaturalKey returns the idempotency key sinks deduplicate on. Events with
// an exchange sequence key on (channel, sequence); sequence-less events key
// on channel, event time and a payload digest.
func (e *MarketEvent) NaturalKey() string {
	if e.Sequence != nil {
		return fmt.Sprintf("%s:%d", e.ChannelID, *e.Sequence)
	}
	return fmt.Sprintf("%s:%d:%s", e.ChannelID, e.EventTime.UnixNano(), e.PayloadHash())
}

// PayloadHash digests the kind-specific payload. Used by NaturalKey and by
// sinks that need a content-addressed object name.
func (e *MarketEvent) PayloadHash() string {
	var payload any
	switch {
	case e.Trade != nil:
		payload = e.Trade
	case e.Ticker != nil:
		payload = e.Ticker
	case e.Book != nil:
		payload = e.Book
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(e.ChannelID)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
