package symbols

import "strings"

// ToProduct converts a quote API symbol id to the product identifier used
// on feed channels. Ids follow the VENUE_SEGMENT_BASE_QUOTE convention,
// e.g. COINBASE_SPOT_BTC_USD -> BTC-USD. Base currency codes normalize to
// the feed's spelling (XBT -> BTC). Ids that do not follow the convention
// fall back to <symbol>-USD.
func ToProduct(id, symbol string) string {
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		return symbol + "-USD"
	}
	base := parts[2]
	if alias, ok := baseAliases[base]; ok {
		base = alias
	}
	return base + "-" + strings.Join(parts[3:], "-")
}

// Venues disagree on a few base currency codes.
var baseAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}
