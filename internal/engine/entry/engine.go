// Package entry executes a signal's entry: it chases the book with post-only
// limit orders and finishes any meaningful remainder with one market order.
package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order_engine/internal/engine/fills"
	"order_engine/internal/engine/precision"
	"order_engine/internal/exchange"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"
	"order_engine/pkg/tracing"

	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyRunning  = errors.New("entry: already running for this signal")
	ErrNothingFilled   = errors.New("entry: nothing filled")
	ErrPositionOpen    = errors.New("entry: position already open for symbol")
	ErrNoCapital       = errors.New("entry: no capital basis")
	ErrNoReferencePx   = errors.New("entry: no reference price")
	ErrSignalNotActive = errors.New("entry: signal is not pending")
)

type Books interface {
	Fresh(symbol string, maxAge time.Duration) (models.BookTicker, bool)
}

type Rules interface {
	Get(ctx context.Context, symbol string) (models.PrecisionRule, error)
}

type FillHub interface {
	Subscribe(symbol string, buffer int) (<-chan models.FillObservation, func())
}

type Config struct {
	MaxAttempts    int
	Timeout        time.Duration
	PollInterval   time.Duration
	BookStaleAfter time.Duration
	// MinMarketRemainder is the fraction of target below which the remainder is
	// left unfilled instead of sent as a market order.
	MinMarketRemainder float64
	CallTimeout        time.Duration
	Retry              ledger.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        40,
		Timeout:            90 * time.Second,
		PollInterval:       time.Second,
		BookStaleAfter:     3 * time.Second,
		MinMarketRemainder: 0.05,
		CallTimeout:        5 * time.Second,
		Retry:              ledger.DefaultRetryPolicy(),
	}
}

type Deps struct {
	AccountID  int64
	QuoteAsset string
	Gateway    exchange.Gateway
	Ledger     ledger.Ledger
	Rules      Rules
	Books      Books
	Fills      FillHub
	Notifier   notifier.Notifier
}

// Engine runs entries for one account. At most one run per signal is active.
type Engine struct {
	Deps
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func New(d Deps, cfg Config) *Engine {
	if d.QuoteAsset == "" {
		d.QuoteAsset = "USDT"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		Deps:     d,
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[int64]struct{}),
	}
}

// Result describes a finished entry.
type Result struct {
	SignalID  int64
	Position  models.Position
	TargetQty float64
	FilledQty float64
	MakerQty  float64
	MarketQty float64
	AvgPrice  float64
	Attempts  int
	OrderIDs  []string
}

func (r *Result) FillRatio() float64 {
	if r == nil || r.TargetQty <= 0 {
		return 0
	}
	return r.FilledQty / r.TargetQty
}

// Complete reports whether enough of the target filled to place protection.
func (r *Result) Complete(threshold float64) bool {
	return r.FillRatio() >= threshold
}

func (e *Engine) acquire(signalID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[signalID]; ok {
		return false
	}
	e.inflight[signalID] = struct{}{}
	return true
}

func (e *Engine) release(signalID int64) {
	e.mu.Lock()
	delete(e.inflight, signalID)
	e.mu.Unlock()
}

// Running reports whether an entry run for signalID is in flight.
func (e *Engine) Running(signalID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[signalID]
	return ok
}

// Execute runs the entry for sig. On failure the signal is marked ERROR and any
// resting chase order is cancelled before returning.
func (e *Engine) Execute(ctx context.Context, sig models.Signal) (res *Result, err error) {
	if !e.acquire(sig.ID) {
		return nil, ErrAlreadyRunning
	}
	defer e.release(sig.ID)

	if sig.Status != models.SignalPending && sig.Status != "" {
		return nil, fmt.Errorf("%w: %s", ErrSignalNotActive, sig.Status)
	}

	span, ctx := tracing.StartSpan(ctx, "entry.Execute", map[string]any{
		"account": e.AccountID, "signal": sig.ID, "symbol": sig.Symbol,
	})
	r := &run{sig: sig, side: sig.Side, tracker: fills.NewTracker()}

	defer func() {
		if err != nil {
			e.fail(ctx, r, err)
			err = fmt.Errorf("entry.Execute s%d: %w", sig.ID, err)
		}
		tracing.Finish(span, err)
	}()

	if !sig.Side.Valid() {
		return nil, &precision.ValidationError{Symbol: sig.Symbol, Reason: "signal side is not BUY/SELL"}
	}
	if _, err := e.Ledger.GetOpenPosition(ctx, e.AccountID, sig.Symbol); err == nil {
		return nil, ErrPositionOpen
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	err = ledger.RetryOnConflict(ctx, e.cfg.Retry, "entry.start", func(ctx context.Context) error {
		return e.Ledger.UpdateSignalStatus(ctx, sig.ID, models.SignalEntryInProgress, "")
	})
	if err != nil {
		return nil, err
	}

	if err := e.prepare(ctx, r); err != nil {
		return nil, err
	}
	logger.Info("[ENTRY] s%d %s %s target=%g basis=%g ref=%g",
		sig.ID, sig.Side, sig.Symbol, r.target, r.basis, r.refPrice)

	if err := e.chase(ctx, r); err != nil {
		return nil, err
	}
	if err := e.finish(ctx, r); err != nil {
		return nil, err
	}

	filled := r.tracker.Filled()
	if filled <= 0 {
		return nil, ErrNothingFilled
	}
	res = &Result{
		SignalID:  sig.ID,
		TargetQty: r.target,
		FilledQty: filled,
		MarketQty: r.marketQty(),
		AvgPrice:  r.tracker.AvgPrice(),
		Attempts:  r.attempts,
		OrderIDs:  r.tracker.OrderIDs(),
	}
	res.MakerQty = decimal.NewFromFloat(res.FilledQty).Sub(decimal.NewFromFloat(res.MarketQty)).InexactFloat64()

	pos, err := e.persist(ctx, r, res)
	if err != nil {
		return nil, err
	}
	res.Position = pos

	metrics.EntryRuns.WithLabelValues("filled").Inc()
	logger.Info("[ENTRY] s%d filled %g/%g @ %g (maker=%g market=%g attempts=%d)",
		sig.ID, res.FilledQty, res.TargetQty, res.AvgPrice, res.MakerQty, res.MarketQty, res.Attempts)
	e.Notifier.Notify(ctx, e.AccountID, "✅ Entry filled: %s %s qty=%g avg=%g (%.0f%% of target)",
		sig.Symbol, sig.Side, res.FilledQty, res.AvgPrice, res.FillRatio()*100)
	return res, nil
}

// prepare resolves rule, capital basis, reference price and target quantity.
func (e *Engine) prepare(ctx context.Context, r *run) error {
	rule, err := e.Rules.Get(ctx, r.sig.Symbol)
	if err != nil {
		return err
	}
	r.rule = rule

	basis, err := e.capitalBasis(ctx)
	if err != nil {
		return err
	}
	r.basis = basis

	ref, err := e.referencePrice(ctx, r.sig)
	if err != nil {
		return err
	}
	r.refPrice = ref

	want := precision.TargetQuantity(basis, r.sig.CapitalFraction, r.sig.Leverage, ref, rule)
	maxNotional := basis * float64(max(r.sig.Leverage, 1))
	qty, err := precision.ValidateQuantity(rule, want, ref, maxNotional)
	if err != nil {
		return err
	}
	if qty != want {
		logger.Info("[ENTRY] s%d quantity adjusted %g -> %g", r.sig.ID, want, qty)
	}
	r.target = qty
	return nil
}

// capitalBasis prefers the ledger's high-water mark and falls back to the
// exchange's available balance.
func (e *Engine) capitalBasis(ctx context.Context) (float64, error) {
	b, err := e.Ledger.GetBalance(ctx, e.AccountID, e.QuoteAsset)
	switch {
	case err == nil && b.CalcBase > 0:
		return b.CalcBase, nil
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return 0, err
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	ab, err := e.Gateway.QueryBalance(cctx, e.QuoteAsset)
	if err != nil {
		return 0, err
	}
	if ab.Available <= 0 {
		return 0, ErrNoCapital
	}
	return ab.Available, nil
}

func (e *Engine) referencePrice(ctx context.Context, sig models.Signal) (float64, error) {
	if bt, ok := e.Books.Fresh(sig.Symbol, e.cfg.BookStaleAfter); ok {
		return bt.Mid(), nil
	}
	if sig.EntryPrice > 0 {
		return sig.EntryPrice, nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	bt, err := e.Gateway.BookTicker(cctx, sig.Symbol)
	if err != nil {
		return 0, err
	}
	if !bt.Valid() {
		return 0, ErrNoReferencePx
	}
	return bt.Mid(), nil
}

// persist writes position, link and signal status in one transaction.
func (e *Engine) persist(ctx context.Context, r *run, res *Result) (models.Position, error) {
	sigID := r.sig.ID
	var pos models.Position
	err := ledger.RetryOnConflict(ctx, e.cfg.Retry, "entry.persist", func(ctx context.Context) error {
		return e.Ledger.RunInTx(ctx, func(ctx context.Context) error {
			p, err := e.Ledger.UpsertOpenPosition(ctx, models.Position{
				AccountID:    e.AccountID,
				Symbol:       r.sig.Symbol,
				Side:         r.side,
				Quantity:     res.FilledQty,
				EntryPrice:   res.AvgPrice,
				CurrentPrice: res.AvgPrice,
				Leverage:     r.sig.Leverage,
				SignalID:     &sigID,
			})
			if err != nil {
				return err
			}
			if err := e.Ledger.LinkSignalPosition(ctx, sigID, p.ID); err != nil {
				return err
			}
			if err := e.Ledger.UpdateSignalStatus(ctx, sigID, models.SignalExecuted, ""); err != nil {
				return err
			}
			pos = p
			return nil
		})
	})
	return pos, err
}

// fail runs the failure path on a context that survives cancellation of ctx.
func (e *Engine) fail(ctx context.Context, r *run, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*e.cfg.CallTimeout)
	defer cancel()

	outcome := "error"
	var verr *precision.ValidationError
	if errors.As(cause, &verr) {
		outcome = "invalid"
	}
	metrics.EntryRuns.WithLabelValues(outcome).Inc()

	if r.resting != nil {
		if err := e.Gateway.CancelOrder(ctx, r.sig.Symbol, r.resting.orderID); err != nil && !exchange.IsNotFound(err) {
			logger.Error("[ENTRY] s%d cancel resting %s on failure: %v", r.sig.ID, r.resting.orderID, err)
		}
		r.resting = nil
	}

	err := ledger.RetryOnConflict(ctx, e.cfg.Retry, "entry.fail", func(ctx context.Context) error {
		return e.Ledger.UpdateSignalStatus(ctx, r.sig.ID, models.SignalError, cause.Error())
	})
	if err != nil {
		logger.Error("[ENTRY] s%d mark ERROR: %v", r.sig.ID, err)
	}

	logger.Error("[ENTRY] s%d %s failed: %v", r.sig.ID, r.sig.Symbol, cause)
	if filled := r.tracker.Filled(); filled > 0 {
		e.Notifier.Notify(ctx, e.AccountID, "❗️ Entry failed: %s %s after %g filled: %v", r.sig.Symbol, r.sig.Side, filled, cause)
		return
	}
	e.Notifier.Notify(ctx, e.AccountID, "❗️ Entry failed: %s %s: %v", r.sig.Symbol, r.sig.Side, cause)
}
