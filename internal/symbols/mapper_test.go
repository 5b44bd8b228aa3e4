package symbols

import "testing"

func TestToProduct(t *testing.T) {
	tests := []struct {
		id     string
		symbol string
		want   string
	}{
		{"COINBASE_SPOT_BTC_USD", "BTC", "BTC-USD"},
		{"COINBASE_SPOT_ETH_USD", "ETH", "ETH-USD"},
		{"KRAKEN_SPOT_XBT_USD", "BTC", "BTC-USD"},
		{"KRAKEN_SPOT_XDG_USD", "DOGE", "DOGE-USD"},
		{"BINANCE_SPOT_SOL_USDT", "SOL", "SOL-USDT"},
		{"COINBASE_SPOT_WBTC_BTC", "WBTC", "WBTC-BTC"},
		{"KRAKEN_SPOT", "SOL", "SOL-USD"},
		{"", "BTC", "BTC-USD"},
	}
	for _, tt := range tests {
		if got := ToProduct(tt.id, tt.symbol); got != tt.want {
			t.Errorf("ToProduct(%s,%s)=%s want %s", tt.id, tt.symbol, got, tt.want)
		}
	}
}
