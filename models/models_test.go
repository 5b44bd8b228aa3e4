package models

import (
	"testing"
	"time"
)

func TestChannelIDDerivation(t *testing.T) {
	tests := []struct {
		symbol string
		kind   ChannelKind
		want   string
	}{
		{"BTC-USD", KindTrade, "BTC-USD-trades"},
		{"ETH-USD", KindTicker, "ETH-USD-ticker"},
		{"SOL-USD", KindBook, "SOL-USD-book"},
	}

	for _, tt := range tests {
		ch := NewChannel(tt.symbol, tt.kind)
		if ch.ID != tt.want {
			t.Errorf("NewChannel(%s, %s).ID = %s, want %s", tt.symbol, tt.kind, ch.ID, tt.want)
		}
	}
}

func TestBuildChannels(t *testing.T) {
	channels := BuildChannels([]string{"BTC-USD", "ETH-USD"}, []ChannelKind{KindTrade, KindTicker})
	if len(channels) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(channels))
	}
	if channels[0].ID != "BTC-USD-trades" || channels[3].ID != "ETH-USD-ticker" {
		t.Errorf("unexpected channel ordering: %v", channels)
	}
}

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("trade"); err != nil {
		t.Errorf("ParseKind(trade) returned error: %v", err)
	}
	if _, err := ParseKind("futures"); err == nil {
		t.Error("ParseKind(futures) should fail")
	}
}

func TestNaturalKeyWithSequence(t *testing.T) {
	ev := MarketEvent{
		ChannelID: "BTC-USD-trades",
		Symbol:    "BTC-USD",
		Kind:      KindTrade,
		Sequence:  Seq(42),
		Trade:     &TradePayload{TradeID: 42, Price: 50000, Size: 0.1, Side: "buy"},
	}
	if got := ev.NaturalKey(); got != "BTC-USD-trades:42" {
		t.Errorf("NaturalKey = %s, want BTC-USD-trades:42", got)
	}
}

func TestNaturalKeyWithoutSequence(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := MarketEvent{
		ChannelID: "BTC-USD-ticker",
		Kind:      KindTicker,
		EventTime: at,
		Ticker:    &TickerPayload{BestBid: 49999, BestAsk: 50001},
	}
	b := MarketEvent{
		ChannelID: "BTC-USD-ticker",
		Kind:      KindTicker,
		EventTime: at,
		Ticker:    &TickerPayload{BestBid: 49999, BestAsk: 50001},
	}
	if a.NaturalKey() != b.NaturalKey() {
		t.Error("identical sequence-less events must share a natural key")
	}

	c := b
	c.Ticker = &TickerPayload{BestBid: 49998, BestAsk: 50001}
	if a.NaturalKey() == c.NaturalKey() {
		t.Error("different payloads must produce different natural keys")
	}
}

func TestGapRecordMissing(t *testing.T) {
	gap := GapRecord{ChannelID: "BTC-USD-trades", ExpectedFrom: 3, ExpectedTo: 3, Observed: 4}
	if gap.Missing() != 1 {
		t.Errorf("Missing = %d, want 1", gap.Missing())
	}
	gap = GapRecord{ExpectedFrom: 10, ExpectedTo: 19, Observed: 20}
	if gap.Missing() != 10 {
		t.Errorf("Missing = %d, want 10", gap.Missing())
	}
}

func TestConnectionStateString(t *testing.T) {
	states := map[ConnectionState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateHandshaking:  "handshaking",
		StateLive:         "live",
		StateDraining:     "draining",
		StateReconnecting: "reconnecting",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("state %d String() = %s, want %s", state, state.String(), want)
		}
	}
}
