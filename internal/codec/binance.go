package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"chartflow/models"
)

// Binance combined-stream envelope. Every multiplexed message wraps
// the venue payload under "data" with the stream name alongside.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceAggTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsMaker   bool   `json:"m"`
}

type binanceDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	TransactTime  int64      `json:"T"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevFinalID   int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type binanceKlinePayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		TakerBuy  string `json:"V"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// DecodeBinanceStream decodes one combined-stream websocket message
// into a normalized event. Messages for unrecognised streams return
// ErrMalformedPayload.
func DecodeBinanceStream(inst models.Instrument, raw []byte) (models.Event, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return models.Event{}, fmt.Errorf("%w: missing stream envelope", models.ErrMalformedPayload)
	}

	switch {
	case strings.Contains(env.Stream, "@aggTrade"):
		return decodeBinanceAggTrade(inst, env.Data)
	case strings.Contains(env.Stream, "@depth"):
		return decodeBinanceDepth(inst, env.Data)
	case strings.Contains(env.Stream, "@kline"):
		return decodeBinanceKline(inst, env.Data)
	default:
		return models.Event{}, fmt.Errorf("%w: unknown stream %q", models.ErrMalformedPayload, env.Stream)
	}
}

func decodeBinanceAggTrade(inst models.Instrument, data json.RawMessage) (models.Event, error) {
	var msg binanceAggTrade
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	price, err := parseFloat(msg.Price)
	if err != nil {
		return models.Event{}, err
	}
	qty, err := parseFloat(msg.Quantity)
	if err != nil {
		return models.Event{}, err
	}

	// The buyer being the maker means the seller was the aggressor.
	trade := &models.Trade{
		Instrument: inst,
		ID:         msg.TradeID,
		Time:       msg.TradeTime,
		Price:      price,
		Qty:        qty,
		IsSell:     msg.IsMaker,
	}
	return models.NewTradeEvent(trade), nil
}

func decodeBinanceDepth(inst models.Instrument, data json.RawMessage) (models.Event, error) {
	var msg binanceDepthUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return models.Event{}, err
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return models.Event{}, err
	}

	diff := &models.BookDiff{
		Instrument:        inst,
		Time:              msg.EventTime,
		FirstUpdateID:     msg.FirstUpdateID,
		FinalUpdateID:     msg.FinalUpdateID,
		PrevFinalUpdateID: msg.PrevFinalID,
		Bids:              bids,
		Asks:              asks,
	}
	return models.NewDiffEvent(diff), nil
}

func decodeBinanceKline(inst models.Instrument, data json.RawMessage) (models.Event, error) {
	var msg binanceKlinePayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	k, err := binanceKlineFromStrings(msg.Kline.StartTime,
		msg.Kline.Open, msg.Kline.High, msg.Kline.Low, msg.Kline.Close,
		msg.Kline.Volume, msg.Kline.TakerBuy)
	if err != nil {
		return models.Event{}, err
	}

	tf, err := ParseBinanceInterval(msg.Kline.Interval)
	if err != nil {
		return models.Event{}, err
	}
	return models.NewKlineEvent(inst, tf, k), nil
}

func binanceKlineFromStrings(start int64, open, high, low, closePx, volume, takerBuy string) (*models.Kline, error) {
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
	buy, err := parseFloat(takerBuy)
	if err != nil {
		return nil, err
	}

	sell := v - buy
	if sell < 0 {
		sell = 0
	}
	return &models.Kline{
		Time: start, Open: o, High: h, Low: l, Close: c,
		BuyVolume: buy, SellVolume: sell,
	}, nil
}

// ParseBinanceInterval maps a Binance interval token to a timeframe.
func ParseBinanceInterval(s string) (models.Timeframe, error) {
	switch s {
	case "1m":
		return models.Timeframe1m, nil
	case "5m":
		return models.Timeframe5m, nil
	case "15m":
		return models.Timeframe15m, nil
	case "30m":
		return models.Timeframe30m, nil
	case "1h":
		return models.Timeframe1h, nil
	case "4h":
		return models.Timeframe4h, nil
	default:
		return 0, fmt.Errorf("%w: unsupported interval %q", models.ErrMalformedPayload, s)
	}
}

// FormatBinanceInterval maps a timeframe back to the venue token.
func FormatBinanceInterval(tf models.Timeframe) string {
	return tf.String()
}

type binanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// DecodeBinanceDepthSnapshot decodes a REST depth snapshot response.
func DecodeBinanceDepthSnapshot(inst models.Instrument, raw []byte) (*models.BookSnapshot, error) {
	var msg binanceDepthSnapshot
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if msg.LastUpdateID == 0 {
		return nil, fmt.Errorf("%w: snapshot missing lastUpdateId", models.ErrMalformedPayload)
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		return nil, err
	}

	return &models.BookSnapshot{
		Instrument: inst,
		UpdateID:   msg.LastUpdateID,
		Time:       msg.EventTime,
		Bids:       bids,
		Asks:       asks,
	}, nil
}

// DecodeBinanceKlines decodes the REST klines response, an array of
// positional arrays. The buy/sell volume split is derived from the
// taker-buy base volume at index 9.
func DecodeBinanceKlines(raw []byte) ([]models.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	klines := make([]models.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 10 {
			return nil, fmt.Errorf("%w: kline row too short", models.ErrMalformedPayload)
		}
		var start int64
		if err := json.Unmarshal(row[0], &start); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
		}
		var o, h, l, c, v, buy string
		for i, dst := range map[int]*string{1: &o, 2: &h, 3: &l, 4: &c, 5: &v, 9: &buy} {
			if err := json.Unmarshal(row[i], dst); err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
			}
		}
		k, err := binanceKlineFromStrings(start, o, h, l, c, v, buy)
		if err != nil {
			return nil, err
		}
		klines = append(klines, *k)
	}
	return klines, nil
}

type binanceRestAggTrade struct {
	TradeID  int64  `json:"a"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
	IsMaker  bool   `json:"m"`
}

// DecodeBinanceAggTrades decodes the REST aggTrades response.
func DecodeBinanceAggTrades(inst models.Instrument, raw []byte) ([]models.Trade, error) {
	var rows []binanceRestAggTrade
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	trades := make([]models.Trade, 0, len(rows))
	for _, row := range rows {
		price, err := parseFloat(row.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(row.Quantity)
		if err != nil {
			return nil, err
		}
		trades = append(trades, models.Trade{
			Instrument: inst,
			ID:         row.TradeID,
			Time:       row.Time,
			Price:      price,
			Qty:        qty,
			IsSell:     row.IsMaker,
		})
	}
	return trades, nil
}

type binanceOpenInterestRow struct {
	SumOpenInterest string `json:"sumOpenInterest"`
	Timestamp       int64  `json:"timestamp"`
}

// DecodeBinanceOpenInterest decodes the openInterestHist response.
func DecodeBinanceOpenInterest(raw []byte) ([]models.OpenInterestPoint, error) {
	var rows []binanceOpenInterestRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}

	points := make([]models.OpenInterestPoint, 0, len(rows))
	for _, row := range rows {
		value, err := parseFloat(row.SumOpenInterest)
		if err != nil {
			return nil, err
		}
		points = append(points, models.OpenInterestPoint{Time: row.Timestamp, Value: value})
	}
	return points, nil
}
