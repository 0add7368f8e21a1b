package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"order_engine/internal/exchange"
	"order_engine/internal/helper"
	"order_engine/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Gateway implements exchange.Gateway over the Binance USDⓈ-M REST API.
type Gateway struct {
	client  *futures.Client
	limiter *rate.Limiter
	retry   exchange.RetryPolicy
}

func NewGateway(client *futures.Client, limiter *rate.Limiter) *Gateway {
	return &Gateway{
		client:  client,
		limiter: limiter,
		retry:   exchange.DefaultRetry,
	}
}

// call runs one rate-limited request, classifying its error and retrying
// transient failures.
func call[T any](ctx context.Context, g *Gateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return exchange.Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, classify(op, err)
		}
		res, err := fn(ctx)
		if err != nil {
			return zero, classify(op, err)
		}
		return res, nil
	})
}

func formatNum(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseOrderID(op, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, &exchange.Error{Op: op, Kind: exchange.KindRejected, Msg: "malformed order id " + id, Err: err}
	}
	return n, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	op := "binance.PlaceOrder"
	retry := g.retry
	if req.ClientOrderID == "" {
		// without a client id a retried placement could not be recognised as a duplicate
		retry.Attempts = 1
	}

	res, err := exchange.Retry(ctx, retry, func(ctx context.Context) (*futures.CreateOrderResponse, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, classify(op, err)
		}
		svc := g.client.NewCreateOrderService().
			Symbol(helper.NormSymbol(req.Symbol)).
			Side(futures.SideType(req.Side)).
			Type(futures.OrderType(req.Type)).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT)

		if req.ClientOrderID != "" {
			svc.NewClientOrderID(req.ClientOrderID)
		}
		if req.ClosePosition {
			svc.ClosePosition(true)
		} else {
			svc.Quantity(formatNum(req.Quantity))
			if req.ReduceOnly {
				svc.ReduceOnly(true)
			}
		}

		switch req.Type {
		case models.OrderTypeLimit:
			tif := req.TimeInForce
			if tif == "" {
				tif = exchange.GTC
			}
			svc.Price(formatNum(req.Price)).TimeInForce(futures.TimeInForceType(tif))
		case models.OrderTypeStopMarket, models.OrderTypeTakeProfitMarket:
			svc.StopPrice(formatNum(req.StopPrice)).
				WorkingType(futures.WorkingTypeMarkPrice).
				PriceProtect(true)
		}

		out, err := svc.Do(ctx)
		if err != nil {
			return nil, classify(op, err)
		}
		return out, nil
	})
	if exchange.IsDuplicate(err) && req.ClientOrderID != "" {
		// an earlier attempt went through; answer with that order
		st, qerr := g.QueryByClientID(ctx, req.Symbol, req.ClientOrderID)
		if qerr != nil {
			return exchange.OrderAck{}, err
		}
		return exchange.OrderAck{
			OrderID:       st.OrderID,
			ClientOrderID: st.ClientOrderID,
			Status:        st.Status,
			ExecutedQty:   st.ExecutedQty,
			AvgPrice:      st.AvgPrice,
			UpdatedAt:     st.UpdatedAt,
		}, nil
	}
	if err != nil {
		return exchange.OrderAck{}, err
	}

	return exchange.OrderAck{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        models.ParseOrderStatus(string(res.Status)),
		ExecutedQty:   parseNum(res.ExecutedQuantity),
		AvgPrice:      parseNum(res.AvgPrice),
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "binance.CancelOrder"
	id, err := parseOrderID(op, orderID)
	if err != nil {
		return err
	}
	_, err = call(ctx, g, op, func(ctx context.Context) (*futures.CancelOrderResponse, error) {
		return g.client.NewCancelOrderService().Symbol(helper.NormSymbol(symbol)).OrderID(id).Do(ctx)
	})
	return err
}

func (g *Gateway) CancelByClientID(ctx context.Context, symbol, clientOrderID string) error {
	_, err := call(ctx, g, "binance.CancelByClientID", func(ctx context.Context) (*futures.CancelOrderResponse, error) {
		return g.client.NewCancelOrderService().Symbol(helper.NormSymbol(symbol)).OrigClientOrderID(clientOrderID).Do(ctx)
	})
	return err
}

func orderState(o *futures.Order) exchange.OrderState {
	return exchange.OrderState{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.ParseSide(string(o.Side)),
		Type:          models.OrderType(o.Type),
		Status:        models.ParseOrderStatus(string(o.Status)),
		OrigQty:       parseNum(o.OrigQuantity),
		ExecutedQty:   parseNum(o.ExecutedQuantity),
		Price:         parseNum(o.Price),
		AvgPrice:      parseNum(o.AvgPrice),
		StopPrice:     parseNum(o.StopPrice),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func (g *Gateway) QueryOrder(ctx context.Context, symbol, orderID string) (exchange.OrderState, error) {
	op := "binance.QueryOrder"
	id, err := parseOrderID(op, orderID)
	if err != nil {
		return exchange.OrderState{}, err
	}
	o, err := call(ctx, g, op, func(ctx context.Context) (*futures.Order, error) {
		return g.client.NewGetOrderService().Symbol(helper.NormSymbol(symbol)).OrderID(id).Do(ctx)
	})
	if err != nil {
		return exchange.OrderState{}, err
	}
	return orderState(o), nil
}

func (g *Gateway) QueryByClientID(ctx context.Context, symbol, clientOrderID string) (exchange.OrderState, error) {
	o, err := call(ctx, g, "binance.QueryByClientID", func(ctx context.Context) (*futures.Order, error) {
		return g.client.NewGetOrderService().Symbol(helper.NormSymbol(symbol)).OrigClientOrderID(clientOrderID).Do(ctx)
	})
	if err != nil {
		return exchange.OrderState{}, err
	}
	return orderState(o), nil
}

func (g *Gateway) QueryOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderState, error) {
	orders, err := call(ctx, g, "binance.QueryOpenOrders", func(ctx context.Context) ([]*futures.Order, error) {
		svc := g.client.NewListOpenOrdersService()
		if symbol != "" {
			svc.Symbol(helper.NormSymbol(symbol))
		}
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OrderState, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderState(o))
	}
	return out, nil
}

func (g *Gateway) QueryPositions(ctx context.Context) ([]exchange.PositionState, error) {
	risks, err := call(ctx, g, "binance.QueryPositions", func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return g.client.NewGetPositionRiskService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	var out []exchange.PositionState
	for _, r := range risks {
		amt := parseNum(r.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, exchange.PositionState{
			Symbol:        r.Symbol,
			Quantity:      amt,
			EntryPrice:    parseNum(r.EntryPrice),
			MarkPrice:     parseNum(r.MarkPrice),
			UnrealizedPnL: parseNum(r.UnRealizedProfit),
			Leverage:      lev,
			MarginType:    strings.ToUpper(r.MarginType),
		})
	}
	return out, nil
}

// filterNum reads a numeric filter field; exchangeInfo encodes them as strings.
func filterNum(f map[string]interface{}, key string) float64 {
	switch v := f[key].(type) {
	case string:
		return parseNum(v)
	case float64:
		return v
	default:
		return 0
	}
}

func ruleFromSymbol(s futures.Symbol) models.PrecisionRule {
	rule := models.PrecisionRule{
		Symbol:            s.Symbol,
		QuantityPrecision: s.QuantityPrecision,
		PricePrecision:    s.PricePrecision,
	}
	for _, f := range s.Filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			rule.TickSize = filterNum(f, "tickSize")
		case "LOT_SIZE":
			rule.StepSize = filterNum(f, "stepSize")
			rule.MinQty = filterNum(f, "minQty")
			rule.MaxQty = filterNum(f, "maxQty")
		case "MIN_NOTIONAL":
			rule.MinNotional = filterNum(f, "notional")
		}
	}
	return rule
}

func (g *Gateway) QuerySymbolRules(ctx context.Context, symbol string) (models.PrecisionRule, error) {
	op := "binance.QuerySymbolRules"
	info, err := call(ctx, g, op, func(ctx context.Context) (*futures.ExchangeInfo, error) {
		return g.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return models.PrecisionRule{}, err
	}
	symbol = helper.NormSymbol(symbol)
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			rule := ruleFromSymbol(s)
			rule.FetchedAt = time.Now()
			return rule, nil
		}
	}
	return models.PrecisionRule{}, &exchange.Error{Op: op, Kind: exchange.KindRejected, Msg: fmt.Sprintf("unknown symbol %s", symbol)}
}

func (g *Gateway) QueryBalance(ctx context.Context, asset string) (exchange.AccountBalance, error) {
	op := "binance.QueryBalance"
	acc, err := call(ctx, g, op, func(ctx context.Context) (*futures.Account, error) {
		return g.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return exchange.AccountBalance{}, err
	}
	for _, a := range acc.Assets {
		if strings.EqualFold(a.Asset, asset) {
			return exchange.AccountBalance{
				Asset:         a.Asset,
				WalletBalance: parseNum(a.WalletBalance),
				Available:     parseNum(a.AvailableBalance),
			}, nil
		}
	}
	return exchange.AccountBalance{Asset: strings.ToUpper(asset)}, nil
}

func (g *Gateway) BookTicker(ctx context.Context, symbol string) (models.BookTicker, error) {
	op := "binance.BookTicker"
	ts, err := call(ctx, g, op, func(ctx context.Context) ([]*futures.BookTicker, error) {
		return g.client.NewListBookTickersService().Symbol(helper.NormSymbol(symbol)).Do(ctx)
	})
	if err != nil {
		return models.BookTicker{}, err
	}
	if len(ts) == 0 {
		return models.BookTicker{}, &exchange.Error{Op: op, Kind: exchange.KindTransient, Msg: "empty book ticker for " + symbol}
	}
	t := ts[0]
	return models.BookTicker{
		Symbol:   t.Symbol,
		BidPrice: parseNum(t.BidPrice),
		BidQty:   parseNum(t.BidQuantity),
		AskPrice: parseNum(t.AskPrice),
		AskQty:   parseNum(t.AskQuantity),
		At:       time.Now(),
	}, nil
}

// listen key management for the user data stream

func (g *Gateway) startUserStream(ctx context.Context) (string, error) {
	return call(ctx, g, "binance.StartUserStream", func(ctx context.Context) (string, error) {
		return g.client.NewStartUserStreamService().Do(ctx)
	})
}

func (g *Gateway) keepaliveUserStream(ctx context.Context, listenKey string) error {
	_, err := call(ctx, g, "binance.KeepaliveUserStream", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
	})
	return err
}
