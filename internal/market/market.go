// Package market
package market

import "time"

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Snapshot is the per-symbol view an agent works from during one iteration:
// the latest traded price, the 24h change and a short tail of recent bars
// for the strategy evaluator.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	Recent    []Candle  `json:"recent"`
	Timestamp time.Time `json:"timestamp"`
}
