package router

import (
	"testing"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/pkg/logging"
)

type recorder struct {
	got []events.Event
}

func (r *recorder) handler(ev events.Event) { r.got = append(r.got, ev) }

func newTestRouter() (*Router, *recorder) {
	bus := events.NewBus()
	rec := &recorder{}
	for _, ch := range []events.Channel{
		events.ChannelTrades, events.ChannelQuotes, events.ChannelBars,
		events.ChannelTradeUpdates, events.ChannelPositions,
	} {
		bus.Subscribe(events.Topic{Channel: ch, Symbol: events.AnySymbol}, rec.handler)
	}
	return New(bus, logging.Discard()), rec
}

func TestHandleMarketDataArrayFrame(t *testing.T) {
	r, rec := newTestRouter()
	frame := `[
		{"T":"t","i":96921,"S":"AAPL","x":"D","p":126.55,"s":1,"t":"2021-02-22T15:51:44.208Z","c":["@","I"],"z":"C"},
		{"T":"q","S":"MSFT","bx":"U","bp":99.1,"bs":3,"ax":"Q","ap":99.2,"as":5,"c":["R"],"z":"C","t":"2021-02-22T15:51:45.335Z"},
		{"T":"b","S":"SPY","o":400.1,"h":401,"l":399.5,"c":400.7,"v":12000,"t":"2021-02-22T15:51:00Z","n":42,"vw":400.3}
	]`
	if n := r.HandleMarketData([]byte(frame)); n != 3 {
		t.Fatalf("published=%d, expected 3", n)
	}

	trade, ok := rec.got[0].(events.Trade)
	if !ok {
		t.Fatalf("got[0]=%T, expected Trade", rec.got[0])
	}
	if trade.Symbol != "AAPL" || trade.Price != 126.55 || trade.Size != 1 || trade.Timestamp.IsZero() {
		t.Fatalf("trade=%+v", trade)
	}

	quote, ok := rec.got[1].(events.Quote)
	if !ok {
		t.Fatalf("got[1]=%T, expected Quote", rec.got[1])
	}
	if quote.BidPrice != 99.1 || quote.AskPrice != 99.2 || quote.BidSize != 3 || quote.AskSize != 5 {
		t.Fatalf("quote=%+v", quote)
	}

	bar, ok := rec.got[2].(events.Bar)
	if !ok {
		t.Fatalf("got[2]=%T, expected Bar", rec.got[2])
	}
	if bar.Close != 400.7 || bar.Volume != 12000 {
		t.Fatalf("bar=%+v", bar)
	}
}

func TestHandleMarketDataSingleObject(t *testing.T) {
	r, rec := newTestRouter()
	n := r.HandleMarketData([]byte(`{"T":"t","S":"tsla","p":200,"s":5,"t":"2024-01-02T15:04:05Z"}`))
	if n != 1 {
		t.Fatalf("published=%d, expected 1", n)
	}
	if rec.got[0].(events.Trade).Symbol != "TSLA" {
		t.Fatalf("symbol not upper-cased: %+v", rec.got[0])
	}
}

func TestHandleMarketDataDropsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  int
	}{
		{"not json", `{"T":"t",`, 0},
		{"trade without price", `[{"T":"t","S":"AAPL","s":1}]`, 0},
		{"wrong field type", `[{"T":"q","S":"AAPL","bp":"abc"}]`, 0},
		{"missing type", `[{"S":"AAPL","p":1}]`, 0},
		{"control frames", `[{"T":"success","msg":"authenticated"},{"T":"subscription","trades":["AAPL"]}]`, 0},
		{"one bad one good", `[{"T":"t","S":"AAPL"},{"T":"t","S":"AAPL","p":1,"s":1,"t":"2024-01-02T15:04:05Z"}]`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestRouter()
			if n := r.HandleMarketData([]byte(tt.frame)); n != tt.want {
				t.Fatalf("published=%d, expected %d", n, tt.want)
			}
			if len(rec.got) != tt.want {
				t.Fatalf("delivered=%d, expected %d", len(rec.got), tt.want)
			}
		})
	}
}

func TestHandleTradingEventFill(t *testing.T) {
	r, rec := newTestRouter()
	frame := `{"stream":"trade_updates","data":{
		"event":"fill","execution_id":"e1","timestamp":"2024-01-02T21:00:00Z",
		"price":"99.5","qty":"10","position_qty":"25",
		"order":{"id":"o1","client_order_id":"c1","symbol":"msft","side":"sell","type":"market",
			"status":"filled","qty":"10","filled_qty":"10","filled_avg_price":"99.5"}
	}}`
	if n := r.HandleTradingEvent([]byte(frame)); n != 2 {
		t.Fatalf("published=%d, expected 2", n)
	}
	ord, ok := rec.got[0].(events.OrderEvent)
	if !ok {
		t.Fatalf("got[0]=%T, expected OrderEvent", rec.got[0])
	}
	if ord.Event != "fill" || ord.OrderID != "o1" || ord.Symbol != "MSFT" || ord.FilledQty != 10 || ord.FilledAvgPrice != 99.5 {
		t.Fatalf("order=%+v", ord)
	}
	pos, ok := rec.got[1].(events.PositionEvent)
	if !ok {
		t.Fatalf("got[1]=%T, expected PositionEvent", rec.got[1])
	}
	if pos.Qty != 25 || pos.Price != 99.5 {
		t.Fatalf("position=%+v", pos)
	}
}

func TestHandleTradingEventNewOrderHasNoPosition(t *testing.T) {
	r, rec := newTestRouter()
	frame := `{"stream":"trade_updates","data":{"event":"new","timestamp":"2024-01-02T21:00:00Z",
		"order":{"id":"o2","symbol":"AAPL","side":"buy","type":"limit","status":"new","qty":"1","filled_qty":"0","filled_avg_price":null}}}`
	if n := r.HandleTradingEvent([]byte(frame)); n != 1 {
		t.Fatalf("published=%d, expected 1", n)
	}
	if _, ok := rec.got[0].(events.OrderEvent); !ok {
		t.Fatalf("got[0]=%T, expected OrderEvent", rec.got[0])
	}
}

func TestHandleTradingEventArrayFrame(t *testing.T) {
	r, rec := newTestRouter()
	frame := `[
		{"stream":"trade_updates","data":{"event":"new","timestamp":"2024-01-02T21:00:00Z",
			"order":{"id":"o3","symbol":"aapl","side":"buy","type":"market","status":"new","qty":"2","filled_qty":"0"}}},
		{"stream":"trade_updates","data":{"event":"fill","timestamp":"2024-01-02T21:00:01Z","price":"190.1","position_qty":"2",
			"order":{"id":"o3","symbol":"aapl","side":"buy","type":"market","status":"filled","qty":"2","filled_qty":"2","filled_avg_price":"190.1"}}}
	]`
	if n := r.HandleTradingEvent([]byte(frame)); n != 3 {
		t.Fatalf("published=%d, expected 3", n)
	}
	first, ok := rec.got[0].(events.OrderEvent)
	if !ok || first.Event != "new" || first.Symbol != "AAPL" {
		t.Fatalf("got[0]=%+v, expected new AAPL order", rec.got[0])
	}
	fill, ok := rec.got[1].(events.OrderEvent)
	if !ok || fill.Event != "fill" || fill.FilledQty != 2 {
		t.Fatalf("got[1]=%+v, expected AAPL fill", rec.got[1])
	}
	if _, ok := rec.got[2].(events.PositionEvent); !ok {
		t.Fatalf("got[2]=%T, expected PositionEvent", rec.got[2])
	}
}

func TestHandleTradingEventDropsMalformed(t *testing.T) {
	tests := []string{
		`garbage`,
		`{"stream":"trade_updates","data":{"event":"fill","order":{"symbol":"AAPL"}}}`,
		`{"stream":"trade_updates","data":{"event":"fill","order":{"id":"x","symbol":"AAPL","qty":"ten"}}}`,
		`{"stream":"mystery","data":{}}`,
		`{"stream":"listening","data":{"streams":["trade_updates"]}}`,
		`[{"stream":"authorization","data":{"status":"authorized"}}]`,
		`[{"stream":"trade_updates"`,
	}
	for _, frame := range tests {
		r, rec := newTestRouter()
		if n := r.HandleTradingEvent([]byte(frame)); n != 0 {
			t.Fatalf("frame %s published=%d, expected 0", frame, n)
		}
		if len(rec.got) != 0 {
			t.Fatalf("frame %s delivered %d events", frame, len(rec.got))
		}
	}
}
