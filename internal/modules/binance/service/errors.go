package service

import (
	"context"
	"errors"
	"net"

	"order_engine/internal/exchange"
	"order_engine/pkg/metrics"

	"github.com/adshao/go-binance/v2/common"
)

// Binance futures error codes the engine reacts to.
const (
	codeUnknown         = -1000
	codeDisconnected    = -1001
	codeTooManyRequests = -1003
	codeTimeout         = -1007
	codeServerBusy      = -1008
	codeBadSignature    = -1022
	codeNoSuchOrder     = -2011
	codeOrderNotExist   = -2013
	codeBadAPIKey       = -2014
	codeRejectedMBXKey  = -2015
	codeDuplicateClient = -4116
	codePostOnlyTaker   = -5022
)

// classify maps go-binance errors onto the exchange error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *exchange.Error
	if errors.As(err, &ee) {
		return err
	}

	out := &exchange.Error{Op: op, Msg: err.Error(), Err: err, Kind: exchange.KindTransient}

	var apiErr *common.APIError
	switch {
	case errors.As(err, &apiErr):
		out.Code = apiErr.Code
		out.Msg = apiErr.Message
		switch apiErr.Code {
		case codePostOnlyTaker:
			out.Kind = exchange.KindRejected
			out.Err = exchange.ErrWouldTake
		case codeNoSuchOrder, codeOrderNotExist:
			out.Kind = exchange.KindNotFound
		case codeDuplicateClient:
			out.Kind = exchange.KindDuplicate
		case codeUnknown, codeDisconnected, codeTooManyRequests, codeTimeout, codeServerBusy:
			out.Kind = exchange.KindTransient
		case codeBadSignature, codeBadAPIKey, codeRejectedMBXKey:
			out.Kind = exchange.KindFatal
		default:
			out.Kind = exchange.KindRejected
		}
	case errors.Is(err, context.Canceled):
		out.Kind = exchange.KindFatal
	default:
		// network errors, timeouts, 5xx bodies: retryable
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			out.Kind = exchange.KindTransient
		}
	}

	metrics.GatewayErrors.WithLabelValues(op, string(out.Kind)).Inc()
	return out
}
