package service

import (
	"testing"

	"order_engine/internal/models"
)

func TestDecodeAccountUpdate(t *testing.T) {
	msg := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000123,"T":1700000000120,` +
		`"a":{"m":"ORDER",` +
		`"B":[{"a":"USDT","wb":"1000.50","cw":"990.10","bc":"0"}],` +
		`"P":[{"s":"XYZUSDT","pa":"-5.000","ep":"100.0","bep":"100.04","cr":"1.5","up":"-2.25","mt":"cross","iw":"0","ps":"BOTH"}]}}`)

	ev, err := decodeUserEvent(msg, 7)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != eventAccountUpdate || ev.Account == nil || ev.Order != nil {
		t.Fatalf("event = %+v", ev)
	}
	au := ev.Account
	if au.AccountID != 7 || au.EventTime != 1700000000123 || au.Reason != "ORDER" {
		t.Fatalf("header = %+v", au)
	}
	if len(au.Balances) != 1 || au.Balances[0].Asset != "USDT" || au.Balances[0].CrossWallet != 990.10 {
		t.Fatalf("balances = %+v", au.Balances)
	}
	if len(au.Positions) != 1 {
		t.Fatalf("positions = %+v", au.Positions)
	}
	p := au.Positions[0]
	if p.Symbol != "XYZUSDT" || p.Amount != -5 || p.EntryPrice != 100 || p.UnrealizedPnL != -2.25 || p.MarginType != "cross" {
		t.Fatalf("position = %+v", p)
	}
}

func TestDecodeOrderTradeUpdate(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		status models.OrderStatus
	}{
		{
			// порядок ключей как в реальном потоке
			name: "exchange order",
			msg: `{"e":"ORDER_TRADE_UPDATE","E":1700000000500,"T":1700000000499,` +
				`"o":{"s":"XYZUSDT","c":"s42_EN_0a1b2c3d","S":"BUY","o":"LIMIT","f":"GTX","q":"5","p":"99.9","ap":"99.9",` +
				`"sp":"0","x":"TRADE","X":"PARTIALLY_FILLED","i":8886774,"l":"2","z":"2","L":"99.9","N":"USDT","n":"0.01",` +
				`"T":1700000000499,"t":987654,"b":"0","a":"0","m":true,"R":false,"wt":"CONTRACT_PRICE","ot":"LIMIT",` +
				`"ps":"BOTH","cp":false,"AP":"0","cr":"0","pP":false,"si":0,"ss":0,"rp":"0"}}`,
			status: models.OrderPartiallyFilled,
		},
		{
			name: "lower-case keys last",
			msg: `{"E":1700000000500,"e":"ORDER_TRADE_UPDATE","T":1700000000499,` +
				`"o":{"S":"BUY","s":"XYZUSDT","c":"s42_EN_0a1b2c3d","o":"LIMIT","q":"5","p":"99.9","AP":"0","ap":"99.9",` +
				`"sp":"0","X":"PARTIALLY_FILLED","x":"TRADE","i":8886774,"L":"99.9","l":"2","z":"2",` +
				`"T":1700000000499,"t":987654,"R":false,"cp":false,"rp":"0"}}`,
			status: models.OrderPartiallyFilled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeUserEvent([]byte(tt.msg), 7)
			if err != nil {
				t.Fatal(err)
			}
			if ev.Kind != eventOrderTradeUpdate || ev.Order == nil {
				t.Fatalf("event = %+v", ev)
			}
			o := ev.Order
			checks := []struct {
				name string
				ok   bool
			}{
				{"order id", o.OrderID == "8886774"},
				{"client id", o.ClientOrderID == "s42_EN_0a1b2c3d"},
				{"side", o.Side == models.SideBuy},
				{"type", o.Type == models.OrderTypeLimit},
				{"status", o.Status == tt.status},
				{"avg price", o.AvgPrice == 99.9},
				{"last qty", o.LastFilledQty == 2},
				{"last price", o.LastFilledPrice == 99.9},
				{"cum qty", o.CumFilledQty == 2},
				{"trade time", o.TradeTime == 1700000000499},
				{"account", o.AccountID == 7},
				{"event time", o.EventTime == 1700000000500},
			}
			for _, c := range checks {
				if !c.ok {
					t.Errorf("%s mismatch: %+v", c.name, o)
				}
			}
		})
	}
}

func TestDecodeUnknownAndBroken(t *testing.T) {
	ev, err := decodeUserEvent([]byte(`{"e":"listenKeyExpired","E":1}`), 1)
	if err != nil || ev.Kind != eventListenKeyExpired || ev.Account != nil || ev.Order != nil {
		t.Fatalf("listenKeyExpired = %+v, %v", ev, err)
	}

	ev, err = decodeUserEvent([]byte(`{"e":"MARGIN_CALL","E":1}`), 1)
	if err != nil || ev.Account != nil || ev.Order != nil {
		t.Fatalf("unknown event = %+v, %v", ev, err)
	}

	if _, err := decodeUserEvent([]byte(`{"e":`), 1); err == nil {
		t.Fatal("truncated frame must fail")
	}
}

func TestDecodeBookTicker(t *testing.T) {
	bt, err := decodeBookTicker([]byte(`{"e":"bookTicker","u":400900217,"E":1568014460893,"T":1568014460891,` +
		`"s":"XYZUSDT","b":"99.90","B":"31.21","a":"100.00","A":"40.66"}`))
	if err != nil {
		t.Fatal(err)
	}
	if bt.Symbol != "XYZUSDT" || bt.BidPrice != 99.9 || bt.AskPrice != 100 || !bt.Valid() || bt.At.IsZero() {
		t.Fatalf("book = %+v", bt)
	}
	if bt.BidQty != 31.21 || bt.AskQty != 40.66 {
		t.Fatalf("book qty = %+v", bt)
	}
}

func TestPublishLatestKeepsNewest(t *testing.T) {
	out := make(chan models.BookTicker, 1)
	publishLatest(out, models.BookTicker{Symbol: "A", BidPrice: 1})
	publishLatest(out, models.BookTicker{Symbol: "A", BidPrice: 2})
	publishLatest(out, models.BookTicker{Symbol: "A", BidPrice: 3})

	got := <-out
	if got.BidPrice != 3 {
		t.Fatalf("got bid %v, want the newest", got.BidPrice)
	}
	select {
	case extra := <-out:
		t.Fatalf("unexpected buffered update %+v", extra)
	default:
	}
}

func TestBackoff(t *testing.T) {
	b := newReconnectBackoff()
	want := []string{"1s", "2s", "4s", "8s", "16s", "30s", "30s"}
	for i, w := range want {
		if got := b.Duration().String(); got != w {
			t.Fatalf("step %d: got %s, want %s", i, got, w)
		}
	}
	b.Reset()
	if got := b.Duration().String(); got != "1s" {
		t.Fatalf("after reset: %s", got)
	}
}
