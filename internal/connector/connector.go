// Package connector streams live market data from exchanges and
// serves historical fetches. Each connector normalizes its venue's
// payloads through the codec package and emits models.Event values
// into the shared channels.
package connector

import (
	"context"

	"chartflow/models"
)

// Capabilities describes what a venue can serve beyond live streams.
type Capabilities struct {
	// HistoricalTrades reports whether paginated trade history is
	// available over REST.
	HistoricalTrades bool
	// BulkArchive reports whether full-day trade archives can be
	// downloaded for past days.
	BulkArchive bool
	// OpenInterest reports whether an open-interest history endpoint
	// exists for this market.
	OpenInterest bool
	// DepthLimit is the snapshot depth requested from the venue.
	DepthLimit int
	// DepthCadenceMs is the diff stream update cadence.
	DepthCadenceMs int
}

// Connector is one exchange/market data source. Connect starts the
// live streams; fetch methods are independent of the stream state.
type Connector interface {
	Exchange() models.Exchange
	Market() models.MarketType
	Capabilities() Capabilities

	// ResolveInstrument fetches symbol metadata (tick size, quantity
	// step) and returns the immutable instrument descriptor.
	ResolveInstrument(ctx context.Context, symbol string) (models.Instrument, error)

	// Connect opens the websocket streams for the given instruments.
	// Events flow into the channels supplied at construction until
	// Disconnect or context cancellation.
	Connect(ctx context.Context, instruments []models.Instrument) error

	// SubscribeKlines adds a kline stream for one instrument and
	// timeframe to the live subscription set.
	SubscribeKlines(inst models.Instrument, tf models.Timeframe) error

	Disconnect()

	FetchBookSnapshot(ctx context.Context, inst models.Instrument) (*models.BookSnapshot, error)
	FetchKlines(ctx context.Context, inst models.Instrument, tf models.Timeframe, from, to int64) ([]models.Kline, error)
	FetchOpenInterest(ctx context.Context, inst models.Instrument, from, to int64) ([]models.OpenInterestPoint, error)

	// FetchHistoricalTrades pages through REST trade history within
	// [from, to]. Venues without the capability return
	// models.ErrUnavailable without touching the network.
	FetchHistoricalTrades(ctx context.Context, inst models.Instrument, from, to int64, maxPages int) ([]models.Trade, error)

	// ArchiveURL returns the bulk archive base URL, empty when the
	// venue has no archive.
	ArchiveURL() string
}
