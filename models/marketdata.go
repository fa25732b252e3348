package models

// Required numeric fields of a market-data hash. Every read validates their
// presence and shape before the record is handed to a caller.
const (
	FieldBestBid     = "best_bid"
	FieldBestAsk     = "best_ask"
	FieldBestBidSize = "best_bid_size"
	FieldBestAskSize = "best_ask_size"
)

// RequiredMarketDataFields returns the default required-field list for
// market-data reads. Callers may narrow or extend it per read.
func RequiredMarketDataFields() []string {
	return []string{FieldBestBid, FieldBestAsk, FieldBestBidSize, FieldBestAskSize}
}

// MarketData holds the parsed numeric fields of one market-data record.
// Invariant: BestBid <= BestAsk whenever both are present, sizes are >= 0.
type MarketData struct {
	Key         string             `json:"key"`
	BestBid     float64            `json:"best_bid"`
	BestAsk     float64            `json:"best_ask"`
	BestBidSize float64            `json:"best_bid_size"`
	BestAskSize float64            `json:"best_ask_size"`
	Extra       map[string]float64 `json:"extra,omitempty"`
}
