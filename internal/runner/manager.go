package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"order_engine/internal/engine/precision"
	"order_engine/internal/exchange"
	binance "order_engine/internal/modules/binance/service"
	"order_engine/internal/modules/config"
	health "order_engine/internal/modules/health/service"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/internal/runner/sessions"
	"order_engine/pkg/logger"
)

// Connector opens the exchange sides for one account.
type Connector func(acct config.Account) (exchange.Gateway, exchange.Streams, error)

func NewBinanceConnector(clients *binance.Clients) Connector {
	return func(acct config.Account) (exchange.Gateway, exchange.Streams, error) {
		c, ok := clients.Account(acct.ID)
		if !ok {
			return nil, nil, fmt.Errorf("no binance client for account %d", acct.ID)
		}
		return c.Gateway, c.Streams, nil
	}
}

// NewRulesCache shares one rules cache between accounts; rules are public.
func NewRulesCache(cfg *config.Config, clients *binance.Clients) *precision.Cache {
	return precision.NewCache(clients.Public(), cfg.Engine.Precision.TTL)
}

// Manager управляет сессиями аккаунтов.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      *config.Config
	settings sessions.Settings
	connect  Connector
	ledger   ledger.Ledger
	rules    *precision.Cache
	notifier notifier.Notifier
	state    *health.State

	mu       sync.Mutex
	sessions map[int64]*sessions.AccountSession
}

func NewManager(
	ctx context.Context,
	cfg *config.Config,
	connect Connector,
	l ledger.Ledger,
	rules *precision.Cache,
	n notifier.Notifier,
	state *health.State,
) *Manager {
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:      mctx,
		cancel:   cancel,
		cfg:      cfg,
		settings: sessions.NewSettings(cfg),
		connect:  connect,
		ledger:   l,
		rules:    rules,
		notifier: n,
		state:    state,
		sessions: make(map[int64]*sessions.AccountSession),
	}
}

// EnableAccount starts the session for acct unless it is already running.
func (m *Manager) EnableAccount(acct config.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.sessions[acct.ID]; running {
		return fmt.Errorf("session already running for account %d", acct.ID)
	}
	gw, streams, err := m.connect(acct)
	if err != nil {
		return err
	}

	s := sessions.New(m.ctx, sessions.Deps{
		Account:  acct,
		Gateway:  gw,
		Streams:  streams,
		Ledger:   m.ledger,
		Rules:    m.rules,
		Notifier: m.notifier,
		State:    m.state,
	}, m.settings)
	m.sessions[acct.ID] = s
	s.Start()
	return nil
}

// DisableAccount stops the session and waits for its loops to finish.
func (m *Manager) DisableAccount(accountID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not running for account %d", accountID)
	}
	delete(m.sessions, accountID)
	m.mu.Unlock()

	// гасим сессию вне мьютекса
	s.Stop()
	return nil
}

func (m *Manager) Session(accountID int64) (*sessions.AccountSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// Accounts lists running account ids in order.
func (m *Manager) Accounts() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StartAll enables every configured account and marks the service ready.
func (m *Manager) StartAll() error {
	for _, a := range m.cfg.EnabledAccounts() {
		if err := m.EnableAccount(a); err != nil {
			return fmt.Errorf("runner: account %d: %w", a.ID, err)
		}
	}
	if m.state != nil {
		m.state.SetReady(true)
	}
	logger.Info("[RUNNER] sessions started: %v", m.Accounts())
	return nil
}

func (m *Manager) StopAll() {
	if m.state != nil {
		m.state.SetReady(false)
	}
	for _, id := range m.Accounts() {
		_ = m.DisableAccount(id)
	}
	m.cancel()
}

// Status collects a snapshot of every running session.
func (m *Manager) Status(ctx context.Context) ([]sessions.Snapshot, error) {
	var out []sessions.Snapshot
	for _, id := range m.Accounts() {
		s, ok := m.Session(id)
		if !ok {
			continue
		}
		snap, err := s.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", id, err)
		}
		out = append(out, snap)
	}
	return out, nil
}
