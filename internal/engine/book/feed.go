// Package book keeps the latest best bid/ask per symbol from one push reader
// per symbol.
package book

import (
	"context"
	"sync"
	"time"

	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/pkg/logger"
)

type Source interface {
	SubscribeBook(ctx context.Context, symbol string) <-chan models.BookTicker
}

// Feed starts a reader for a symbol on first use and shares it between all
// consumers. Readers live until the feed context ends.
type Feed struct {
	ctx context.Context
	src Source
	now func() time.Time

	mu      sync.Mutex
	readers map[string]*reader
}

type reader struct {
	mu     sync.RWMutex
	latest models.BookTicker
	has    bool
}

func NewFeed(ctx context.Context, src Source) *Feed {
	return &Feed{
		ctx:     ctx,
		src:     src,
		now:     time.Now,
		readers: make(map[string]*reader),
	}
}

func (f *Feed) reader(symbol string) *reader {
	symbol = helper.NormSymbol(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.readers[symbol]; ok {
		return r
	}
	r := &reader{}
	f.readers[symbol] = r

	ch := f.src.SubscribeBook(f.ctx, symbol)
	go func() {
		for bt := range ch {
			r.mu.Lock()
			r.latest = bt
			r.has = true
			r.mu.Unlock()
		}
		// канал закрыт: контекст фида завершён или стрим сдался
		f.mu.Lock()
		if f.readers[symbol] == r {
			delete(f.readers, symbol)
		}
		f.mu.Unlock()
		logger.Debug("[BOOK] reader %s stopped", symbol)
	}()
	logger.Debug("[BOOK] reader %s started", symbol)
	return r
}

// Watch starts the reader for symbol without waiting for data.
func (f *Feed) Watch(symbol string) { f.reader(symbol) }

// Latest returns the last update for symbol, starting the reader if needed.
func (f *Feed) Latest(symbol string) (models.BookTicker, bool) {
	r := f.reader(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.has
}

// Fresh is Latest restricted to updates younger than maxAge.
func (f *Feed) Fresh(symbol string, maxAge time.Duration) (models.BookTicker, bool) {
	bt, ok := f.Latest(symbol)
	if !ok || !bt.Valid() {
		return bt, false
	}
	if maxAge > 0 && f.now().Sub(bt.At) > maxAge {
		return bt, false
	}
	return bt, true
}

// Symbols lists symbols with a running reader.
func (f *Feed) Symbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.readers))
	for s := range f.readers {
		out = append(out, s)
	}
	return out
}
