package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"order_engine/internal/exchange"
	"order_engine/internal/models"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	wsBaseMainnet = "wss://fstream.binance.com/ws"
	wsBaseTestnet = "wss://stream.binancefuture.com/ws"

	listenKeyKeepalive = 30 * time.Minute
	pingInterval       = 20 * time.Second
	readTimeout        = 5 * time.Minute
	reconnectMin       = time.Second
	reconnectMax       = 30 * time.Second
)

var errListenKeyExpired = errors.New("listen key expired")

// StateReporter receives stream connectivity changes (health module).
type StateReporter interface {
	SetStreamConnected(stream string, connected bool)
	TouchEvent(t time.Time)
}

// Streams implements exchange.Streams with one websocket per subscription.
type Streams struct {
	gw        *Gateway
	accountID int64
	wsBase    string
	dialer    *websocket.Dialer
	state     StateReporter
}

func NewStreams(gw *Gateway, accountID int64, testnet bool, state StateReporter) *Streams {
	base := wsBaseMainnet
	if testnet {
		base = wsBaseTestnet
	}
	return &Streams{
		gw:        gw,
		accountID: accountID,
		wsBase:    base,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     state,
	}
}

func (s *Streams) setConnected(stream string, v bool) {
	g := 0.0
	if v {
		g = 1
	}
	metrics.StreamConnected.WithLabelValues(stream).Set(g)
	if s.state != nil {
		s.state.SetStreamConnected(stream, v)
	}
}

// newReconnectBackoff doubles the reconnect delay from reconnectMin up to reconnectMax.
func newReconnectBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: reconnectMin, Max: reconnectMax, Factor: 2}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dial opens url and arranges for the connection to close when ctx ends.
// The returned stop func releases the watcher and closes the connection.
func (s *Streams) dial(ctx context.Context, url string) (*websocket.Conn, func(), error) {
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-t.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	var closed bool
	stop := func() {
		if closed {
			return
		}
		closed = true
		close(done)
		_ = conn.Close()
	}
	return conn, stop, nil
}

// SubscribeUserData keeps a user data stream open until ctx ends, reconnecting
// with a fresh listen key after any failure.
func (s *Streams) SubscribeUserData(ctx context.Context, h exchange.UserDataHandler) error {
	stream := "user:" + strconv.FormatInt(s.accountID, 10)
	bo := newReconnectBackoff()
	for {
		started := time.Now()
		err := s.runUserData(ctx, stream, h)
		s.setConnected(stream, false)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		wait := bo.Duration()
		logger.Warn("[WS] %s disconnected: %v, reconnect in %s", stream, err, wait)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (s *Streams) runUserData(ctx context.Context, stream string, h exchange.UserDataHandler) error {
	listenKey, err := s.gw.startUserStream(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, stop, err := s.dial(ctx, s.wsBase+"/"+listenKey)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer stop()

	s.setConnected(stream, true)
	logger.Info("[WS] %s connected", stream)

	kaCtx, kaCancel := context.WithCancel(ctx)
	defer kaCancel()
	go func() {
		t := time.NewTicker(listenKeyKeepalive)
		defer t.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-t.C:
				if err := s.gw.keepaliveUserStream(kaCtx, listenKey); err != nil {
					logger.Warn("[WS] %s keepalive: %v", stream, err)
				}
			}
		}
	}()

	return s.readUserData(ctx, conn, stream, h)
}

// readUserData decodes frames from conn and hands them to h until the
// connection fails or the listen key expires.
func (s *Streams) readUserData(ctx context.Context, conn *websocket.Conn, stream string, h exchange.UserDataHandler) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if s.state != nil {
			s.state.TouchEvent(time.Now())
		}

		ev, err := decodeUserEvent(msg, s.accountID)
		if err != nil {
			logger.Warn("[WS] %s: %v", stream, err)
			continue
		}
		switch {
		case ev.Kind == eventListenKeyExpired:
			return errListenKeyExpired
		case ev.Account != nil:
			if err := h.HandleAccountUpdate(ctx, *ev.Account); err != nil {
				logger.Error("[WS] %s account update: %v", stream, err)
			}
		case ev.Order != nil:
			if err := h.HandleOrderUpdate(ctx, *ev.Order); err != nil {
				logger.Error("[WS] %s order update: %v", stream, err)
			}
		}
	}
}

// SubscribeBook streams best bid/ask for symbol. The channel holds only the
// latest update; a slow reader skips intermediate ones. It is closed when ctx ends.
func (s *Streams) SubscribeBook(ctx context.Context, symbol string) <-chan models.BookTicker {
	out := make(chan models.BookTicker, 1)
	stream := strings.ToLower(symbol) + "@bookTicker"

	go func() {
		defer close(out)
		bo := newReconnectBackoff()
		for {
			started := time.Now()
			err := s.runBook(ctx, stream, out)
			s.setConnected(stream, false)
			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > time.Minute {
				bo.Reset()
			}
			wait := bo.Duration()
			logger.Warn("[WS] %s disconnected: %v, reconnect in %s", stream, err, wait)
			if !sleepCtx(ctx, wait) {
				return
			}
		}
	}()
	return out
}

func (s *Streams) runBook(ctx context.Context, stream string, out chan models.BookTicker) error {
	conn, stop, err := s.dial(ctx, s.wsBase+"/"+stream)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer stop()
	s.setConnected(stream, true)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		bt, err := decodeBookTicker(msg)
		if err != nil || !bt.Valid() {
			continue
		}
		publishLatest(out, bt)
	}
}

// publishLatest replaces whatever is buffered in out with bt.
func publishLatest(out chan models.BookTicker, bt models.BookTicker) {
	for {
		select {
		case out <- bt:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
