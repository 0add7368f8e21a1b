package service

import (
	"fmt"
	"strconv"
	"time"

	"order_engine/internal/models"

	"github.com/bytedance/sonic"
)

const (
	eventAccountUpdate    = "ACCOUNT_UPDATE"
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
)

// frameAPI matches keys exactly: Binance frames carry "e"/"E", "x"/"X",
// "t"/"T", "b"/"B" and "a"/"A" side by side.
var frameAPI = sonic.Config{CaseSensitive: true}.Froze()

type userEnvelope struct {
	Event string `json:"e"`
}

type accountUpdateFrame struct {
	EventTime int64 `json:"E"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset       string `json:"a"`
			Wallet      string `json:"wb"`
			CrossWallet string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol     string `json:"s"`
			Amount     string `json:"pa"`
			EntryPrice string `json:"ep"`
			Realized   string `json:"cr"`
			Unrealized string `json:"up"`
			MarginType string `json:"mt"`
		} `json:"P"`
	} `json:"a"`
}

type orderTradeFrame struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		CumQty        string `json:"z"`
		LastPrice     string `json:"L"`
		TradeTime     int64  `json:"T"`
		ReduceOnly    bool   `json:"R"`
		ClosePosition bool   `json:"cp"`
		RealizedPnL   string `json:"rp"`
	} `json:"o"`
}

type bookTickerFrame struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// userEvent is one decoded user data frame; at most one of the pointers is set.
type userEvent struct {
	Kind    string
	Account *models.AccountUpdate
	Order   *models.OrderUpdate
}

func decodeUserEvent(msg []byte, accountID int64) (userEvent, error) {
	var env userEnvelope
	if err := frameAPI.Unmarshal(msg, &env); err != nil {
		return userEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	ev := userEvent{Kind: env.Event}

	switch env.Event {
	case eventAccountUpdate:
		var f accountUpdateFrame
		if err := frameAPI.Unmarshal(msg, &f); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		au := &models.AccountUpdate{AccountID: accountID, EventTime: f.EventTime, Reason: f.Data.Reason}
		for _, b := range f.Data.Balances {
			au.Balances = append(au.Balances, models.BalanceUpdate{
				Asset:         b.Asset,
				WalletBalance: parseNum(b.Wallet),
				CrossWallet:   parseNum(b.CrossWallet),
			})
		}
		for _, p := range f.Data.Positions {
			au.Positions = append(au.Positions, models.PositionUpdate{
				Symbol:        p.Symbol,
				Amount:        parseNum(p.Amount),
				EntryPrice:    parseNum(p.EntryPrice),
				RealizedPnL:   parseNum(p.Realized),
				UnrealizedPnL: parseNum(p.Unrealized),
				MarginType:    p.MarginType,
			})
		}
		ev.Account = au

	case eventOrderTradeUpdate:
		var f orderTradeFrame
		if err := frameAPI.Unmarshal(msg, &f); err != nil {
			return ev, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		o := f.Order
		ev.Order = &models.OrderUpdate{
			AccountID:       accountID,
			EventTime:       f.EventTime,
			Symbol:          o.Symbol,
			OrderID:         strconv.FormatInt(o.OrderID, 10),
			ClientOrderID:   o.ClientOrderID,
			Side:            models.ParseSide(o.Side),
			Type:            models.OrderType(o.Type),
			Status:          models.ParseOrderStatus(o.Status),
			OrigQty:         parseNum(o.OrigQty),
			Price:           parseNum(o.Price),
			StopPrice:       parseNum(o.StopPrice),
			AvgPrice:        parseNum(o.AvgPrice),
			LastFilledQty:   parseNum(o.LastQty),
			LastFilledPrice: parseNum(o.LastPrice),
			CumFilledQty:    parseNum(o.CumQty),
			ReduceOnly:      o.ReduceOnly,
			ClosePosition:   o.ClosePosition,
			RealizedPnL:     parseNum(o.RealizedPnL),
			TradeTime:       o.TradeTime,
		}
	}
	return ev, nil
}

func decodeBookTicker(msg []byte) (models.BookTicker, error) {
	var f bookTickerFrame
	if err := frameAPI.Unmarshal(msg, &f); err != nil {
		return models.BookTicker{}, fmt.Errorf("decode bookTicker: %w", err)
	}
	// receive time, not exchange time: staleness is about our feed
	return models.BookTicker{
		Symbol:   f.Symbol,
		BidPrice: parseNum(f.BidPrice),
		BidQty:   parseNum(f.BidQty),
		AskPrice: parseNum(f.AskPrice),
		AskQty:   parseNum(f.AskQty),
		At:       time.Now(),
	}, nil
}
