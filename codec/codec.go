// Package codec translates between raw feed frames and normalized market
// events. Decoding is pure: no I/O, no shared state mutation.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"coinflow/models"
)

// ErrMalformed wraps all structural decode failures: invalid JSON, missing
// type, unparseable core fields. Unknown message types are not errors.
var ErrMalformed = errors.New("malformed frame")

// HeartbeatChannel is the feed channel subscribed for liveness on every
// product regardless of configured kinds.
const HeartbeatChannel = "heartbeat"

// Decoded is the outcome of decoding one frame. At most one field is set;
// Ignored marks well-formed messages of a type we do not consume.
type Decoded struct {
	Event         *models.MarketEvent
	Subscriptions *models.SubscriptionsAck
	Heartbeat     *models.Heartbeat
	FeedError     *models.FeedError
	Ignored       bool
}

// Codec holds the kind to feed-channel-name mapping. Decode direction is
// fixed by the feed's message grammar; the mapping drives encoding and the
// interpretation of subscription acks.
type Codec struct {
	channelNames map[models.ChannelKind]string
	kindsByName  map[string]models.ChannelKind
}

// New builds a Codec from the configured channel-name mapping.
func New(channelNames map[models.ChannelKind]string) *Codec {
	kindsByName := make(map[string]models.ChannelKind, len(channelNames))
	for kind, name := range channelNames {
		kindsByName[name] = kind
	}
	return &Codec{
		channelNames: channelNames,
		kindsByName:  kindsByName,
	}
}

// ChannelName returns the feed channel name for a kind.
func (c *Codec) ChannelName(kind models.ChannelKind) string {
	return c.channelNames[kind]
}

// KindForChannel maps a feed channel name back to a kind.
func (c *Codec) KindForChannel(name string) (models.ChannelKind, bool) {
	kind, ok := c.kindsByName[name]
	return kind, ok
}

// wireMessage covers every incoming message shape; unused fields stay zero.
// Decimal fields arrive as strings, sequence and trade ids as numbers.
type wireMessage struct {
	Type        string     `json:"type"`
	ProductID   string     `json:"product_id"`
	Sequence    *uint64    `json:"sequence"`
	TradeID     *int64     `json:"trade_id"`
	LastTradeID int64      `json:"last_trade_id"`
	Time        string     `json:"time"`
	Price       string     `json:"price"`
	Size        string     `json:"size"`
	LastSize    string     `json:"last_size"`
	Side        string     `json:"side"`
	BestBid     string     `json:"best_bid"`
	BestBidSize string     `json:"best_bid_size"`
	BestAsk     string     `json:"best_ask"`
	BestAskSize string     `json:"best_ask_size"`
	Bids        [][]string `json:"bids"`
	Asks        [][]string `json:"asks"`
	Changes     [][]string `json:"changes"`
	Message     string     `json:"message"`
	Reason      string     `json:"reason"`

	Channels []wireChannel `json:"channels"`
}

type wireChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// Decode parses one frame into a market event or control message. Frames of
// unknown type decode to Decoded{Ignored: true} so newer feed versions do
// not break ingestion.
func (c *Codec) Decode(frame models.RawFrame) (Decoded, error) {
	if len(frame.Data) == 0 {
		return Decoded{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var msg wireMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Decoded{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch msg.Type {
	case "match", "last_match":
		ev, err := c.decodeMatch(&msg, frame.ReceivedAt)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Event: ev}, nil
	case "ticker":
		ev, err := c.decodeTicker(&msg, frame.ReceivedAt)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Event: ev}, nil
	case "snapshot":
		ev, err := c.decodeSnapshot(&msg, frame.ReceivedAt)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Event: ev}, nil
	case "l2update":
		ev, err := c.decodeBookUpdate(&msg, frame.ReceivedAt)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Event: ev}, nil
	case "heartbeat":
		hb, err := decodeHeartbeat(&msg, frame.ReceivedAt)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Heartbeat: hb}, nil
	case "subscriptions":
		ack := &models.SubscriptionsAck{Channels: make(map[string][]string, len(msg.Channels))}
		for _, ch := range msg.Channels {
			ack.Channels[ch.Name] = ch.ProductIDs
		}
		return Decoded{Subscriptions: ack}, nil
	case "error":
		return Decoded{FeedError: &models.FeedError{Message: msg.Message, Reason: msg.Reason}}, nil
	}

	return Decoded{Ignored: true}, nil
}

func (c *Codec) decodeMatch(msg *wireMessage, receivedAt time.Time) (*models.MarketEvent, error) {
	if msg.ProductID == "" {
		return nil, fmt.Errorf("%w: match without product_id", ErrMalformed)
	}
	if msg.TradeID == nil {
		return nil, fmt.Errorf("%w: match without trade_id", ErrMalformed)
	}
	price, err := parseDecimal("price", msg.Price)
	if err != nil {
		return nil, err
	}
	size, err := parseDecimal("size", msg.Size)
	if err != nil {
		return nil, err
	}

	ev := &models.MarketEvent{
		ChannelID:  models.ChannelID(msg.ProductID, models.KindTrade),
		Symbol:     msg.ProductID,
		Kind:       models.KindTrade,
		Sequence:   models.Seq(uint64(*msg.TradeID)),
		EventTime:  parseTime(msg.Time, receivedAt),
		ReceivedAt: receivedAt,
		Trade: &models.TradePayload{
			TradeID: *msg.TradeID,
			Price:   price,
			Size:    size,
			Side:    msg.Side,
		},
	}
	return ev, nil
}

func (c *Codec) decodeTicker(msg *wireMessage, receivedAt time.Time) (*models.MarketEvent, error) {
	if msg.ProductID == "" {
		return nil, fmt.Errorf("%w: ticker without product_id", ErrMalformed)
	}

	payload := &models.TickerPayload{}
	var err error
	if payload.Price, err = parseOptionalDecimal("price", msg.Price); err != nil {
		return nil, err
	}
	if payload.BestBid, err = parseOptionalDecimal("best_bid", msg.BestBid); err != nil {
		return nil, err
	}
	if payload.BestAsk, err = parseOptionalDecimal("best_ask", msg.BestAsk); err != nil {
		return nil, err
	}
	if payload.BidSize, err = parseOptionalDecimal("best_bid_size", msg.BestBidSize); err != nil {
		return nil, err
	}
	if payload.AskSize, err = parseOptionalDecimal("best_ask_size", msg.BestAskSize); err != nil {
		return nil, err
	}

	ev := &models.MarketEvent{
		ChannelID:  models.ChannelID(msg.ProductID, models.KindTicker),
		Symbol:     msg.ProductID,
		Kind:       models.KindTicker,
		EventTime:  parseTime(msg.Time, receivedAt),
		ReceivedAt: receivedAt,
		Ticker:     payload,
	}
	// Tickers are emitted per match; the trade id is the dense per-product
	// sequence. Tickers without one stay sequence-less.
	if msg.TradeID != nil {
		ev.Sequence = models.Seq(uint64(*msg.TradeID))
		payload.TradeID = *msg.TradeID
	}
	return ev, nil
}

func (c *Codec) decodeSnapshot(msg *wireMessage, receivedAt time.Time) (*models.MarketEvent, error) {
	if msg.ProductID == "" {
		return nil, fmt.Errorf("%w: snapshot without product_id", ErrMalformed)
	}

	changes := make([]models.BookChange, 0, len(msg.Bids)+len(msg.Asks))
	for _, level := range msg.Bids {
		change, err := parseLevel("buy", level)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	for _, level := range msg.Asks {
		change, err := parseLevel("sell", level)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	return &models.MarketEvent{
		ChannelID:  models.ChannelID(msg.ProductID, models.KindBook),
		Symbol:     msg.ProductID,
		Kind:       models.KindBook,
		EventTime:  parseTime(msg.Time, receivedAt),
		ReceivedAt: receivedAt,
		Book:       &models.BookPayload{Snapshot: true, Changes: changes},
	}, nil
}

func (c *Codec) decodeBookUpdate(msg *wireMessage, receivedAt time.Time) (*models.MarketEvent, error) {
	if msg.ProductID == "" {
		return nil, fmt.Errorf("%w: l2update without product_id", ErrMalformed)
	}

	changes := make([]models.BookChange, 0, len(msg.Changes))
	for _, raw := range msg.Changes {
		if len(raw) != 3 {
			return nil, fmt.Errorf("%w: l2update change with %d fields", ErrMalformed, len(raw))
		}
		change, err := parseLevel(raw[0], raw[1:])
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	return &models.MarketEvent{
		ChannelID:  models.ChannelID(msg.ProductID, models.KindBook),
		Symbol:     msg.ProductID,
		Kind:       models.KindBook,
		EventTime:  parseTime(msg.Time, receivedAt),
		ReceivedAt: receivedAt,
		Book:       &models.BookPayload{Changes: changes},
	}, nil
}

func decodeHeartbeat(msg *wireMessage, receivedAt time.Time) (*models.Heartbeat, error) {
	if msg.ProductID == "" {
		return nil, fmt.Errorf("%w: heartbeat without product_id", ErrMalformed)
	}
	hb := &models.Heartbeat{
		Symbol:      msg.ProductID,
		LastTradeID: msg.LastTradeID,
		Time:        parseTime(msg.Time, receivedAt),
	}
	if msg.Sequence != nil {
		hb.Sequence = *msg.Sequence
	}
	return hb, nil
}

type controlRequest struct {
	Type     string        `json:"type"`
	Channels []wireChannel `json:"channels"`
}

// EncodeControl serializes one subscription change.
func (c *Codec) EncodeControl(msg models.OutgoingControl) ([]byte, error) {
	if msg.Channel == "" {
		return nil, fmt.Errorf("control message without channel")
	}
	if len(msg.Products) == 0 {
		return nil, fmt.Errorf("control message without products")
	}
	req := controlRequest{
		Type:     string(msg.Action),
		Channels: []wireChannel{{Name: msg.Channel, ProductIDs: msg.Products}},
	}
	return json.Marshal(req)
}

// EncodeSubscribe builds the handshake subscribe request covering all given
// channels plus the heartbeat channel for liveness.
func (c *Codec) EncodeSubscribe(channels []models.Channel) ([]byte, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("subscribe request without channels")
	}

	byName := make(map[string][]string)
	order := make([]string, 0, 4)
	appendProduct := func(name, product string) {
		if _, seen := byName[name]; !seen {
			order = append(order, name)
		}
		for _, existing := range byName[name] {
			if existing == product {
				return
			}
		}
		byName[name] = append(byName[name], product)
	}

	for _, ch := range channels {
		name := c.channelNames[ch.Kind]
		if name == "" {
			return nil, fmt.Errorf("no feed channel configured for kind %s", ch.Kind)
		}
		appendProduct(name, ch.Symbol)
		appendProduct(HeartbeatChannel, ch.Symbol)
	}

	req := controlRequest{Type: string(models.ActionSubscribe)}
	for _, name := range order {
		req.Channels = append(req.Channels, wireChannel{Name: name, ProductIDs: byName[name]})
	}
	return json.Marshal(req)
}

func parseDecimal(field, value string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", ErrMalformed, field, value)
	}
	return f, nil
}

func parseOptionalDecimal(field, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	return parseDecimal(field, value)
}

func parseLevel(side string, level []string) (models.BookChange, error) {
	if len(level) < 2 {
		return models.BookChange{}, fmt.Errorf("%w: book level with %d fields", ErrMalformed, len(level))
	}
	if side != "buy" && side != "sell" {
		return models.BookChange{}, fmt.Errorf("%w: book level side %q", ErrMalformed, side)
	}
	price, err := parseDecimal("level price", level[0])
	if err != nil {
		return models.BookChange{}, err
	}
	size, err := parseDecimal("level size", level[1])
	if err != nil {
		return models.BookChange{}, err
	}
	return models.BookChange{Side: side, Price: price, Size: size}, nil
}

func parseTime(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return fallback
	}
	return ts
}
