package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"order_engine/internal/engine/precision"
	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/internal/modules/config"
	"order_engine/internal/modules/ledger"
	"order_engine/pkg/logger"
)

// Warmuper prefetches precision rules for every symbol the engine is about to
// touch, so the first entry or repair does not wait on exchange info.
type Warmuper struct {
	rules  *precision.Cache
	ledger ledger.Ledger
	cfg    *config.Config
}

func NewWarmuper(rules *precision.Cache, l ledger.Ledger, cfg *config.Config) *Warmuper {
	return &Warmuper{rules: rules, ledger: l, cfg: cfg}
}

// Symbols collects symbols of open positions and pending signals of enabled accounts.
func (w *Warmuper) Symbols(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, a := range w.cfg.EnabledAccounts() {
		positions, err := w.ledger.ListOpenPositions(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("positions of %d: %w", a.ID, err)
		}
		for _, p := range positions {
			set[helper.NormSymbol(p.Symbol)] = struct{}{}
		}

		sigs, err := w.ledger.ListSignals(ctx, a.ID, models.SignalPending, 0)
		if err != nil {
			return nil, fmt.Errorf("signals of %d: %w", a.ID, err)
		}
		for _, s := range sigs {
			set[helper.NormSymbol(s.Symbol)] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (w *Warmuper) Warmup(ctx context.Context) error {
	symbols, err := w.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	started := time.Now()
	logger.Info("[BOOT] rules warmup start: symbols=%d", len(symbols))
	if err := w.rules.Warm(ctx, symbols, w.cfg.Engine.Precision.WarmParallel); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	logger.Info("[BOOT] rules warmup done: symbols=%d took=%s", len(symbols), time.Since(started).Round(time.Millisecond))
	return nil
}
