package models

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EventTrade        EventKind = "trade"
	EventBookDiff     EventKind = "book_diff"
	EventBookSnapshot EventKind = "book_snapshot"
	EventKline        EventKind = "kline"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event is one normalized market-data event flowing from a connector
// into the pipeline. Exactly one payload pointer is set, matching Kind;
// connection lifecycle events carry no payload.
type Event struct {
	Kind       EventKind
	Instrument Instrument
	Time       int64

	Trade    *Trade
	Diff     *BookDiff
	Snapshot *BookSnapshot
	Kline    *Kline

	// Interval is set for kline events only.
	Interval Timeframe

	// Err carries the disconnect cause for EventDisconnected.
	Err error
}

// NewTradeEvent wraps a trade in an event envelope.
func NewTradeEvent(t *Trade) Event {
	return Event{Kind: EventTrade, Instrument: t.Instrument, Time: t.Time, Trade: t}
}

// NewDiffEvent wraps a book diff in an event envelope.
func NewDiffEvent(d *BookDiff) Event {
	return Event{Kind: EventBookDiff, Instrument: d.Instrument, Time: d.Time, Diff: d}
}

// NewSnapshotEvent wraps a book snapshot in an event envelope.
func NewSnapshotEvent(s *BookSnapshot) Event {
	return Event{Kind: EventBookSnapshot, Instrument: s.Instrument, Time: s.Time, Snapshot: s}
}

// NewKlineEvent wraps a kline in an event envelope.
func NewKlineEvent(inst Instrument, tf Timeframe, k *Kline) Event {
	return Event{Kind: EventKline, Instrument: inst, Time: k.Time, Kline: k, Interval: tf}
}
