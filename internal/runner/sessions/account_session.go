package sessions

import (
	"context"
	"sync"

	"order_engine/internal/engine/book"
	"order_engine/internal/engine/dedup"
	"order_engine/internal/engine/entry"
	"order_engine/internal/engine/fills"
	"order_engine/internal/engine/ingest"
	"order_engine/internal/engine/precision"
	"order_engine/internal/engine/protection"
	"order_engine/internal/engine/reconcile"
	"order_engine/internal/engine/trailing"
	"order_engine/internal/exchange"
	"order_engine/internal/modules/config"
	health "order_engine/internal/modules/health/service"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/pkg/logger"
)

type Deps struct {
	Account  config.Account
	Gateway  exchange.Gateway
	Streams  exchange.Streams
	Ledger   ledger.Ledger
	Rules    *precision.Cache
	Notifier notifier.Notifier
	State    *health.State // optional
}

// AccountSession owns every loop of one exchange account. Nothing is shared
// between sessions except the rules cache, the ledger and the notifier.
type AccountSession struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	AccountID int64
	Settings  Settings

	Ledger   ledger.Ledger
	Streams  exchange.Streams
	Notifier notifier.Notifier
	State    *health.State

	Books     *book.Feed
	Fills     *fills.Hub
	Ingest    *ingest.Ingestor
	Entry     *entry.Engine
	Protect   *protection.Manager
	Trailing  *trailing.Engine
	Monitor   *trailing.Monitor
	Reconcile *reconcile.Loop

	// ограничение параллельных входов
	sem chan struct{}

	mu      sync.Mutex
	pending map[string]bool // symbol -> entry running

	wg sync.WaitGroup
}

// New builds the session. Loops start with Start.
func New(parent context.Context, d Deps, st Settings) *AccountSession {
	ctx, cancel := context.WithCancel(parent)
	acct := d.Account.ID

	s := &AccountSession{
		Ctx:       ctx,
		Cancel:    cancel,
		AccountID: acct,
		Settings:  st,
		Ledger:    d.Ledger,
		Streams:   d.Streams,
		Notifier:  d.Notifier,
		State:     d.State,
		Books:     book.NewFeed(ctx, d.Streams),
		Fills:     fills.NewHub(),
		sem:       make(chan struct{}, max(st.MaxConcurrentEntries, 1)),
		pending:   make(map[string]bool),
	}

	s.Ingest = ingest.New(ingest.Deps{
		AccountID: acct,
		Ledger:    d.Ledger,
		Fills:     s.Fills,
		Notifier:  d.Notifier,
	}, st.Ingest)

	s.Entry = entry.New(entry.Deps{
		AccountID:  acct,
		QuoteAsset: d.Account.QuoteAsset,
		Gateway:    d.Gateway,
		Ledger:     d.Ledger,
		Rules:      d.Rules,
		Books:      s.Books,
		Fills:      s.Fills,
		Notifier:   d.Notifier,
	}, st.Entry)

	s.Protect = protection.New(protection.Deps{
		AccountID: acct,
		Gateway:   d.Gateway,
		Ledger:    d.Ledger,
		Rules:     d.Rules,
		Notifier:  d.Notifier,
	}, st.Protection)

	s.Trailing = trailing.New(trailing.Deps{
		AccountID: acct,
		Gateway:   d.Gateway,
		Ledger:    d.Ledger,
		Rules:     d.Rules,
		Notifier:  d.Notifier,
	}, st.Trailing)
	s.Monitor = trailing.NewMonitor(s.Trailing, s.Books, st.BookMaxAge)

	rd := reconcile.Deps{
		AccountID: acct,
		Gateway:   d.Gateway,
		Ledger:    d.Ledger,
		Closer:    s.Ingest,
		Protector: s.Protect,
	}
	if d.State != nil {
		rd.State = d.State
	}
	s.Reconcile = reconcile.New(rd, st.Reconcile)
	return s
}

// Start launches the session goroutines and returns at once.
func (s *AccountSession) Start() {
	s.spawn("user-data", s.userDataLoop)
	s.spawn("reconcile", s.Reconcile.Start)
	s.spawn("trailing", func(ctx context.Context) { s.Monitor.Run(ctx, s.Settings.MonitorInterval) })
	s.spawn("signals", s.SignalWorker)
	s.spawn("janitor", s.Janitor)
	s.spawn("health", s.healthLoop)
	logger.Info("[SESSION] acct=%d started", s.AccountID)
}

// Stop cancels every loop and waits for them, including running entries.
func (s *AccountSession) Stop() {
	s.Cancel()
	s.wg.Wait()
	logger.Info("[SESSION] acct=%d stopped", s.AccountID)
}

func (s *AccountSession) spawn(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("[SESSION] acct=%d %s panic: %v", s.AccountID, name, r)
			}
		}()
		fn(s.Ctx)
	}()
}

func (s *AccountSession) userDataLoop(ctx context.Context) {
	if err := s.Streams.SubscribeUserData(ctx, s.Ingest); err != nil {
		logger.Error("[SESSION] acct=%d user data stream ended: %v", s.AccountID, err)
	}
}

// Caches lists the dedup caches the janitor sweeps.
func (s *AccountSession) Caches() []*dedup.Cache {
	return append(s.Ingest.Caches(), s.Protect.PendingCache())
}

// tryPending marks symbol busy; false when an entry for it is already running.
func (s *AccountSession) tryPending(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[symbol] {
		return false
	}
	s.pending[symbol] = true
	return true
}

func (s *AccountSession) setPending(symbol string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.pending[symbol] = true
		return
	}
	delete(s.pending, symbol)
}
