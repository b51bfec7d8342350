// Package market holds the instrument-level primitives shared by the
// collection engine: candles, timeframes and the catalog of known symbols.
package market

import "time"

// Candle is one OHLCV bar as served by the terminal.
type Candle struct {
	Time       time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	TickVolume int64     `json:"tick_volume"`
	Spread     int64     `json:"spread"`
	RealVolume int64     `json:"real_volume"`
}
