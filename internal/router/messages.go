package router

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Market data frame elements share the "T" discriminator: t trade, q quote,
// b/d/u bar, success, error, subscription. Trades and quotes reuse "c" for
// condition lists while bars use it for the close, so each kind decodes into
// its own struct. encoding/json falls back to case-insensitive key matching,
// so every struct declares both "T" and "t" to keep them apart.
type envelope struct {
	Type      string          `json:"T"`
	Timestamp json.RawMessage `json:"t"`
	Msg       string          `json:"msg"`
	Code      int             `json:"code"`
}

type tradeMsg struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	ID        int64     `json:"i"`
	Exchange  string    `json:"x"`
	Price     float64   `json:"p"`
	Size      float64   `json:"s"`
	Timestamp time.Time `json:"t"`
}

type quoteMsg struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	BidSize   float64   `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   float64   `json:"as"`
	Timestamp time.Time `json:"t"`
}

type barMsg struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
	Timestamp time.Time `json:"t"`
}

// tradingMessage is a trading stream frame:
// {"stream":"trade_updates","data":{"event":"fill","order":{...},...}}.
type tradingMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeUpdate struct {
	Event       string     `json:"event"`
	ExecutionID string     `json:"execution_id"`
	Order       orderJSON  `json:"order"`
	Timestamp   time.Time  `json:"timestamp"`
	Price       flexFloat  `json:"price"`
	Qty         flexFloat  `json:"qty"`
	PositionQty *flexFloat `json:"position_qty"`
}

type orderJSON struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Qty            flexFloat `json:"qty"`
	FilledQty      flexFloat `json:"filled_qty"`
	FilledAvgPrice flexFloat `json:"filled_avg_price"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// flexFloat accepts numbers, numeric strings and null; the trading stream
// encodes decimals as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// splitFrame returns the elements of an array-wrapped frame, or the frame
// itself when it is a single object.
func splitFrame(frame []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	if !json.Valid(trimmed) {
		return nil, errInvalidJSON
	}
	return []json.RawMessage{trimmed}, nil
}
