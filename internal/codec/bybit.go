package codec

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"chartflow/models"
)

// Bybit v5 public stream envelope. The topic carries the stream kind
// and symbol; data shape depends on the topic.
type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitOrderbookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

type bybitTradeData struct {
	Time    int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Volume  string `json:"v"`
	Price   string `json:"p"`
	TradeID string `json:"i"`
}

type bybitKlineData struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

// DecodeBybitStream decodes one v5 public websocket message into
// normalized events. Trade topics batch multiple trades per message,
// hence the slice return. Subscription acks and heartbeats yield an
// empty slice with no error.
func DecodeBybitStream(inst models.Instrument, raw []byte) ([]models.Event, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if env.Topic == "" {
		// op responses (subscribe acks, pong) carry no topic
		return nil, nil
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		ev, err := decodeBybitOrderbook(inst, &env)
		if err != nil {
			return nil, err
		}
		return []models.Event{ev}, nil
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return decodeBybitTrades(inst, &env)
	case strings.HasPrefix(env.Topic, "kline."):
		return decodeBybitKlines(inst, &env)
	default:
		return nil, fmt.Errorf("%w: unknown topic %q", models.ErrMalformedPayload, env.Topic)
	}
}

func decodeBybitOrderbook(inst models.Instrument, env *bybitEnvelope) (models.Event, error) {
	var data bybitOrderbookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	bids, err := parseLevels(data.Bids)
	if err != nil {
		return models.Event{}, err
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return models.Event{}, err
	}

	// u == 1 forces a full snapshot regardless of the declared type.
	if env.Type == "snapshot" || data.UpdateID == 1 {
		snap := &models.BookSnapshot{
			Instrument: inst,
			UpdateID:   data.UpdateID,
			Time:       env.Ts,
			Bids:       bids,
			Asks:       asks,
		}
		return models.NewSnapshotEvent(snap), nil
	}

	diff := &models.BookDiff{
		Instrument:    inst,
		Time:          env.Ts,
		FirstUpdateID: data.UpdateID,
		FinalUpdateID: data.UpdateID,
		Bids:          bids,
		Asks:          asks,
	}
	return models.NewDiffEvent(diff), nil
}

func decodeBybitTrades(inst models.Instrument, env *bybitEnvelope) ([]models.Event, error) {
	var rows []bybitTradeData
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		price, err := parseFloat(row.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(row.Volume)
		if err != nil {
			return nil, err
		}

		trade := &models.Trade{
			Instrument: inst,
			ID:         hashTradeID(row.TradeID),
			Time:       row.Time,
			Price:      price,
			Qty:        qty,
			IsSell:     row.Side == "Sell",
		}
		events = append(events, models.NewTradeEvent(trade))
	}
	return events, nil
}

func decodeBybitKlines(inst models.Instrument, env *bybitEnvelope) ([]models.Event, error) {
	var rows []bybitKlineData
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		k, err := bybitKlineFromStrings(row.Start, row.Open, row.High, row.Low, row.Close, row.Volume)
		if err != nil {
			return nil, err
		}
		tf, err := ParseBybitInterval(row.Interval)
		if err != nil {
			return nil, err
		}
		events = append(events, models.NewKlineEvent(inst, tf, k))
	}
	return events, nil
}

// bybitKlineFromStrings builds a kline from v5 string fields. The
// venue reports total volume only; without a taker split the volume
// is divided evenly so totals stay conserved.
func bybitKlineFromStrings(start int64, open, high, low, closePx, volume string) (*models.Kline, error) {
	o, err := parseFloat(open)
	if err != nil {
		return nil, err
	}
	h, err := parseFloat(high)
	if err != nil {
		return nil, err
	}
	l, err := parseFloat(low)
	if err != nil {
		return nil, err
	}
	c, err := parseFloat(closePx)
	if err != nil {
		return nil, err
	}
	v, err := parseFloat(volume)
	if err != nil {
		return nil, err
	}

	return &models.Kline{
		Time: start, Open: o, High: h, Low: l, Close: c,
		BuyVolume: v / 2, SellVolume: v / 2,
	}, nil
}

// ParseBybitInterval maps a v5 interval token (minutes as bare
// integers) to a timeframe.
func ParseBybitInterval(s string) (models.Timeframe, error) {
	switch s {
	case "1":
		return models.Timeframe1m, nil
	case "5":
		return models.Timeframe5m, nil
	case "15":
		return models.Timeframe15m, nil
	case "30":
		return models.Timeframe30m, nil
	case "60":
		return models.Timeframe1h, nil
	case "240":
		return models.Timeframe4h, nil
	default:
		return 0, fmt.Errorf("%w: unsupported interval %q", models.ErrMalformedPayload, s)
	}
}

// FormatBybitInterval maps a timeframe to the v5 interval token.
func FormatBybitInterval(tf models.Timeframe) string {
	return fmt.Sprintf("%d", tf.Minutes())
}

// DecodeBybitKlineList decodes the REST kline result list, positional
// arrays ordered newest first. The returned slice is reversed into
// chronological order.
func DecodeBybitKlineList(rows [][]string) ([]models.Kline, error) {
	klines := make([]models.Kline, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: kline row too short", models.ErrMalformedPayload)
		}
		start, err := parseInt(row[0])
		if err != nil {
			return nil, err
		}
		k, err := bybitKlineFromStrings(start, row[1], row[2], row[3], row[4], row[5])
		if err != nil {
			return nil, err
		}
		klines = append(klines, *k)
	}
	return klines, nil
}

// DecodeBybitOpenInterestList decodes the REST open-interest result
// list, newest first, into chronological points.
func DecodeBybitOpenInterestList(rows []struct{ OpenInterest, Timestamp string }) ([]models.OpenInterestPoint, error) {
	points := make([]models.OpenInterestPoint, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		value, err := parseFloat(rows[i].OpenInterest)
		if err != nil {
			return nil, err
		}
		ts, err := parseInt(rows[i].Timestamp)
		if err != nil {
			return nil, err
		}
		points = append(points, models.OpenInterestPoint{Time: ts, Value: value})
	}
	return points, nil
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", models.ErrMalformedPayload, s)
	}
	return v, nil
}

// hashTradeID folds a venue string trade id into the numeric id space
// used across the model layer.
func hashTradeID(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
