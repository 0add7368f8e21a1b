package sessions

import (
	"time"

	"order_engine/internal/engine/entry"
	"order_engine/internal/engine/ingest"
	"order_engine/internal/engine/protection"
	"order_engine/internal/engine/reconcile"
	"order_engine/internal/engine/trailing"
	"order_engine/internal/modules/config"
	"order_engine/internal/modules/ledger"
)

// Settings are the per-session tunables, resolved once from the app config.
type Settings struct {
	Entry      entry.Config
	Protection protection.Config
	Trailing   trailing.Config
	Reconcile  reconcile.Config
	Ingest     ingest.Config

	CompletionRatio float64
	MonitorInterval time.Duration
	BookMaxAge      time.Duration
	SignalPoll      time.Duration
	SignalBatch     int
	// MaxConcurrentEntries bounds parallel entry runs of one account.
	MaxConcurrentEntries int
	JanitorInterval      time.Duration
	HealthInterval       time.Duration
}

func NewSettings(cfg *config.Config) Settings {
	e := cfg.Engine

	retry := ledger.DefaultRetryPolicy()
	if e.Ingest.LockRetryAttempts > 0 {
		retry.Attempts = e.Ingest.LockRetryAttempts
	}
	if e.Ingest.LockRetryBase > 0 {
		retry.Base = e.Ingest.LockRetryBase
	}
	if e.Ingest.LockRetryJitter > 0 {
		retry.Jitter = e.Ingest.LockRetryJitter
	}

	s := Settings{
		Entry:      entry.DefaultConfig(),
		Protection: protection.DefaultConfig(),
		Trailing:   trailing.DefaultConfig(),
		Reconcile:  reconcile.DefaultConfig(),
		Ingest:     ingest.DefaultConfig(),

		CompletionRatio:      e.Entry.CompletionRatio,
		MonitorInterval:      e.Trailing.MonitorInterval,
		BookMaxAge:           e.Entry.BookStaleAfter,
		SignalPoll:           e.Signals.PollInterval,
		SignalBatch:          e.Signals.BatchSize,
		MaxConcurrentEntries: 4,
		JanitorInterval:      30 * time.Second,
		HealthInterval:       5 * time.Minute,
	}

	s.Entry.MaxAttempts = e.Entry.MaxAttempts
	s.Entry.Timeout = e.Entry.Timeout
	s.Entry.PollInterval = e.Entry.PollInterval
	s.Entry.BookStaleAfter = e.Entry.BookStaleAfter
	s.Entry.MinMarketRemainder = e.Entry.MinMarketRemainder
	if e.Entry.CallTimeout > 0 {
		s.Entry.CallTimeout = e.Entry.CallTimeout
	}
	s.Entry.Retry = retry

	if len(e.Protection.Ladder) > 0 {
		s.Protection.Ladder = e.Protection.Ladder
	}
	if e.Protection.PendingTTL > 0 {
		s.Protection.PendingTTL = e.Protection.PendingTTL
	}

	s.Trailing.MinRecheck = e.Trailing.MinRecheck
	s.Trailing.SettleDelay = e.Trailing.SettleDelay
	s.Trailing.Retry = retry

	if e.Reconcile.Interval > 0 {
		s.Reconcile.Interval = e.Reconcile.Interval
	}
	if e.Reconcile.CallTimeout > 0 {
		s.Reconcile.CallTimeout = e.Reconcile.CallTimeout
	}
	s.Reconcile.OrderGrace = e.Reconcile.OrderGrace
	s.Reconcile.OrphanMinAge = e.Reconcile.OrphanMinAge
	s.Reconcile.LinkSkew = e.Reconcile.LinkSkew
	s.Reconcile.LedgerRetry = retry

	if e.Ingest.DedupTTL > 0 {
		s.Ingest.DedupTTL = e.Ingest.DedupTTL
	}
	if e.Ingest.CloseTTL > 0 {
		s.Ingest.CloseTTL = e.Ingest.CloseTTL
	}
	if e.Ingest.NotifyTTL > 0 {
		s.Ingest.NotifyTTL = e.Ingest.NotifyTTL
	}
	s.Ingest.Retry = retry

	if s.CompletionRatio <= 0 {
		s.CompletionRatio = 0.95
	}
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = 2 * time.Second
	}
	if s.BookMaxAge <= 0 {
		s.BookMaxAge = 3 * time.Second
	}
	if s.SignalPoll <= 0 {
		s.SignalPoll = 2 * time.Second
	}
	if s.SignalBatch <= 0 {
		s.SignalBatch = 20
	}
	return s
}
