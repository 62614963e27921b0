package metrics

import "chartflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricTrade records dropped trade events.
	DropMetricTrade DropMetric = "trade_events_dropped"
	// DropMetricBookDiff records dropped order book diff events.
	DropMetricBookDiff DropMetric = "book_diff_events_dropped"
	// DropMetricKline records dropped kline events.
	DropMetricKline DropMetric = "kline_events_dropped"
	// DropMetricBar records bar updates dropped on slow subscribers.
	DropMetricBar DropMetric = "bar_updates_dropped"
	// DropMetricGap records dropped gap reports.
	DropMetricGap DropMetric = "gap_reports_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped channel
// message. The metric value is always incremented by one so callers should
// invoke this helper for each dropped message. Optional metadata (exchange,
// market, symbol) is added to the metric fields when provided which enables
// downstream aggregation per venue and stream type.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, market, symbol string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if market != "" {
		fields["market"] = market
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
