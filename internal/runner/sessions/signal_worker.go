package sessions

import (
	"context"
	"errors"
	"time"

	"order_engine/internal/engine/entry"
	"order_engine/internal/engine/protection"
	"order_engine/internal/models"
	"order_engine/pkg/logger"
)

// SignalWorker polls PENDING signals and runs at most one entry per signal and
// per symbol. Runs are bounded by MaxConcurrentEntries.
func (s *AccountSession) SignalWorker(ctx context.Context) {
	ticker := time.NewTicker(s.Settings.SignalPoll)
	defer ticker.Stop()

	for {
		s.PollSignals(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollSignals dispatches the current batch and returns how many runs started.
func (s *AccountSession) PollSignals(ctx context.Context) int {
	sigs, err := s.Ledger.ListSignals(ctx, s.AccountID, models.SignalPending, s.Settings.SignalBatch)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("[SIGNALS] acct=%d list pending: %v", s.AccountID, err)
		}
		return 0
	}

	started := 0
	for _, sig := range sigs {
		if s.Entry.Running(sig.ID) {
			continue
		}
		// 0) одна позиция на символ
		if !s.tryPending(sig.Symbol) {
			continue
		}
		// 1) свободный слот
		select {
		case s.sem <- struct{}{}:
		default:
			s.setPending(sig.Symbol, false)
			return started
		}

		started++
		s.wg.Add(1)
		go func(sig models.Signal) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			// гарантированно снимаем pending при любом выходе
			defer s.setPending(sig.Symbol, false)
			s.OpenAndProtect(ctx, sig)
		}(sig)
	}
	return started
}

// OpenAndProtect runs the entry for sig and places protection when enough of
// the target filled. A smaller fill is left to orphan repair.
func (s *AccountSession) OpenAndProtect(ctx context.Context, sig models.Signal) {
	res, err := s.Entry.Execute(ctx, sig)
	switch {
	case errors.Is(err, entry.ErrAlreadyRunning):
		return
	case err != nil:
		logger.Error("[SIGNALS] acct=%d %v", s.AccountID, err)
		return
	}

	if !res.Complete(s.Settings.CompletionRatio) {
		logger.Warn("[SIGNALS] s%d filled %.0f%% of target, protection left to reconciliation",
			sig.ID, res.FillRatio()*100)
		return
	}

	rep, err := s.Protect.Ensure(ctx, protection.Request{
		Position:  res.Position,
		Signal:    sig,
		FilledQty: res.FilledQty,
	})
	if err != nil {
		logger.Error("[SIGNALS] s%d protection: %v", sig.ID, err)
		return
	}
	logger.Info("[SIGNALS] s%d protected: placed=%d skipped=%d", sig.ID, len(rep.Placed), len(rep.Skipped))
}
