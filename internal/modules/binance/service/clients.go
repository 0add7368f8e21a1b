package service

import (
	"fmt"

	"order_engine/internal/modules/config"
	"order_engine/pkg/logger"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

// AccountClient bundles the REST and push sides for one exchange account.
type AccountClient struct {
	AccountID int64
	Gateway   *Gateway
	Streams   *Streams
}

// Clients holds one AccountClient per configured account plus an unauthenticated
// gateway for public endpoints (exchange info, book ticker).
type Clients struct {
	public   *Gateway
	accounts map[int64]*AccountClient
}

func NewClients(cfg *config.Config, state StateReporter) (*Clients, error) {
	futures.UseTestnet = cfg.Binance.Testnet

	// weight limits are per IP, so every account shares one limiter
	limiter := rate.NewLimiter(rate.Limit(cfg.Binance.RateLimit), cfg.Binance.RateBurst)

	c := &Clients{
		public:   NewGateway(futures.NewClient("", ""), limiter),
		accounts: make(map[int64]*AccountClient),
	}
	// выключенные аккаунты тоже получают клиента: оператор может включить их позже
	for _, a := range cfg.Accounts {
		if a.APIKey == "" || a.APISecret == "" {
			if a.Enabled {
				return nil, fmt.Errorf("binance: account %d has no api credentials", a.ID)
			}
			continue
		}
		gw := NewGateway(futures.NewClient(a.APIKey, a.APISecret), limiter)
		c.accounts[a.ID] = &AccountClient{
			AccountID: a.ID,
			Gateway:   gw,
			Streams:   NewStreams(gw, a.ID, cfg.Binance.Testnet, state),
		}
	}
	logger.Info("[BINANCE] clients ready: accounts=%d testnet=%v", len(c.accounts), cfg.Binance.Testnet)
	return c, nil
}

func (c *Clients) Public() *Gateway { return c.public }

func (c *Clients) Account(id int64) (*AccountClient, bool) {
	a, ok := c.accounts[id]
	return a, ok
}
