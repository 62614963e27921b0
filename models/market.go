package models

import (
	"fmt"
	"math"
	"time"
)

// Exchange identifies a supported venue.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)

// MarketType defines the type of market (e.g., spot, linear perpetual).
type MarketType string

const (
	MarketTypeSpot    MarketType = "spot"
	MarketTypeLinear  MarketType = "linear"
	MarketTypeInverse MarketType = "inverse"
)

// DataKind identifies the kind of historical data being fetched or cached.
type DataKind string

const (
	DataKindTrades       DataKind = "trades"
	DataKindKlines       DataKind = "klines"
	DataKindOpenInterest DataKind = "open_interest"
)

// Instrument identifies one tradable symbol on one exchange/market.
// Resolved once at subscription time and immutable afterwards.
type Instrument struct {
	Exchange Exchange
	Market   MarketType
	Symbol   string
	TickSize float64
	QtyStep  float64
}

// Key returns the canonical identifier used for channel routing and
// cache addressing.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s:%s:%s", i.Exchange, i.Market, i.Symbol)
}

func (i Instrument) String() string { return i.Key() }

// Timeframe is a time-based bar interval expressed in milliseconds.
type Timeframe int64

const (
	Timeframe1m  Timeframe = 60_000
	Timeframe5m  Timeframe = 300_000
	Timeframe15m Timeframe = 900_000
	Timeframe30m Timeframe = 1_800_000
	Timeframe1h  Timeframe = 3_600_000
	Timeframe4h  Timeframe = 14_400_000
)

// Duration converts the timeframe to a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Millisecond
}

// Minutes returns the interval length in whole minutes.
func (tf Timeframe) Minutes() int64 { return int64(tf) / 60_000 }

func (tf Timeframe) String() string {
	switch {
	case tf >= Timeframe1h && int64(tf)%int64(Timeframe1h) == 0:
		return fmt.Sprintf("%dh", int64(tf)/int64(Timeframe1h))
	default:
		return fmt.Sprintf("%dm", tf.Minutes())
	}
}

// Floor rounds a millisecond timestamp down to the start of the
// interval window containing it.
func (tf Timeframe) Floor(ts int64) int64 {
	return ts / int64(tf) * int64(tf)
}

// TickCount is a trade-count based bar interval.
type TickCount int

// Interval describes either a time-based or a tick-based bar stream.
// Exactly one of Timeframe and Ticks is non-zero.
type Interval struct {
	Timeframe Timeframe
	Ticks     TickCount
}

func (iv Interval) IsTickBased() bool { return iv.Ticks > 0 }

func (iv Interval) String() string {
	if iv.IsTickBased() {
		return fmt.Sprintf("%dt", iv.Ticks)
	}
	return iv.Timeframe.String()
}

// BookLevel represents a single price level in an order book.
// A quantity of zero means the level must be removed.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"quantity"`
}

// BookSnapshot is a full order book state. Bids are ordered by
// descending price, asks by ascending price.
type BookSnapshot struct {
	Instrument Instrument
	UpdateID   int64
	Time       int64
	Bids       []BookLevel
	Asks       []BookLevel
}

// BestBid returns the highest bid price, or 0 when the side is empty.
func (s *BookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the side is empty.
func (s *BookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// MidPrice returns the midpoint of the spread, or 0 when either side
// is empty.
func (s *BookSnapshot) MidPrice() float64 {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0
	}
	return (s.Bids[0].Price + s.Asks[0].Price) / 2
}

// BookDiff is an incremental order book update.
//
// FirstUpdateID/FinalUpdateID bound the update-id range covered by the
// diff; PrevFinalUpdateID carries the previous diff's final id on
// venues that provide it. Venues with a single sequence number set
// FirstUpdateID == FinalUpdateID.
type BookDiff struct {
	Instrument        Instrument
	Time              int64
	FirstUpdateID     int64
	FinalUpdateID     int64
	PrevFinalUpdateID int64
	Bids              []BookLevel
	Asks              []BookLevel
}

// Trade is one normalized trade event. IsSell reports the aggressor
// side: true when the seller was the taker.
type Trade struct {
	Instrument Instrument
	ID         int64
	Time       int64
	Price      float64
	Qty        float64
	IsSell     bool
}

// Kline is one OHLCV record with the buy/sell volume split derived
// from taker-buy volume.
type Kline struct {
	Time       int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	BuyVolume  float64
	SellVolume float64
}

// Volume returns the total traded volume of the kline.
func (k Kline) Volume() float64 { return k.BuyVolume + k.SellVolume }

// Bar is one aggregated candle, either time-based or tick-based.
// Closing a bar is irreversible; a closed bar's OHLC never changes.
type Bar struct {
	Instrument Instrument
	Interval   Interval
	OpenTime   int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	BuyVolume  float64
	SellVolume float64
	TradeCount int
	Closed     bool
}

// Volume returns the bar's total volume.
func (b Bar) Volume() float64 { return b.BuyVolume + b.SellVolume }

// FootprintCell accumulates per-price-bucket buy/sell volume inside
// one bar.
type FootprintCell struct {
	Price   float64
	BuyQty  float64
	SellQty float64
}

// PriceBucket rounds a price down to the nearest multiple of step.
// Used to key footprint cells and heatmap rows.
func PriceBucket(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	return math.Floor(price/step) * step
}

// OpenInterestPoint is one open-interest observation. Append-only and
// time-ordered.
type OpenInterestPoint struct {
	Time  int64
	Value float64
}

// GapReason classifies why a historical gap exists or cannot be filled.
type GapReason string

const (
	GapReasonMissingTrades GapReason = "missing_trades"
	GapReasonMissingKlines GapReason = "missing_klines"
	GapReasonDisconnect    GapReason = "disconnect"
	GapReasonUnsupported   GapReason = "unsupported"
)

// HistoricalGap marks a detected hole in trade history for one
// instrument. Transient: produced by integrity checks, consumed by the
// backfill coordinator.
type HistoricalGap struct {
	Instrument Instrument
	FromTime   int64
	ToTime     int64
	FromID     int64
	ToID       int64
	Reason     GapReason
}

// Duration returns the time span of the gap.
func (g HistoricalGap) Duration() time.Duration {
	return time.Duration(g.ToTime-g.FromTime) * time.Millisecond
}
