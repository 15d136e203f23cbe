/*
The HTTP price API identifies assets by its own feed IDs.

This file contains the mapping of RWA symbols to their price API feed ID.
If a symbol has no entry here it is used as the feed ID directly, which works for most assets.
Bootstrap entries may also set feed_id explicitly, which takes precedence.
*/

package config

var (
	SymbolToFeedID = map[string]string{
		"USTB":  "superstate-ustb",
		"BUIDL": "blackrock-buidl",
		"OUSG":  "ondo-ousg",
		"USDY":  "ondo-usdy",
		"BENJI": "franklin-benji",
		"TBILL": "openeden-tbill",
		"PAXG":  "PAXG",
		"XAUT":  "XAUT",
	}
)

// FeedIDForSymbol returns the price API feed ID for symbol.
func FeedIDForSymbol(symbol string) string {
	if id, ok := SymbolToFeedID[symbol]; ok {
		return id
	}
	return symbol
}
