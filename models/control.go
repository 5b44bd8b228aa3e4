package models

import "time"

// RawFrame is one wire frame as received from the feed, before decoding.
type RawFrame struct {
	Data       []byte    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// SubscriptionsAck is the feed's authoritative statement of the current
// subscription set, sent after every subscribe or unsubscribe.
type SubscriptionsAck struct {
	// Channels maps feed channel name to subscribed product ids.
	Channels map[string][]string `json:"channels"`
}

// Heartbeat is the feed's periodic liveness signal for one product.
type Heartbeat struct {
	Symbol      string    `json:"symbol"`
	Sequence    uint64    `json:"sequence"`
	LastTradeID int64     `json:"last_trade_id"`
	Time        time.Time `json:"time"`
}

// FeedError is an error frame sent by the feed, usually rejecting a
// control request.
type FeedError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ControlAction is the verb of an outgoing control message.
type ControlAction string

const (
	ActionSubscribe   ControlAction = "subscribe"
	ActionUnsubscribe ControlAction = "unsubscribe"
)

// OutgoingControl is one subscription change to send upstream: an action on
// a feed channel for a set of products.
type OutgoingControl struct {
	Action   ControlAction `json:"action"`
	Channel  string        `json:"channel"`
	Products []string      `json:"products"`
}
