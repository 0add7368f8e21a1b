package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"order_engine/internal/modules/config"
	"order_engine/internal/modules/health/service"
	"order_engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

type Config struct {
	Addr string // например ":8080"
}

func NewConfig(cfg *config.Config) Config {
	addr := cfg.Health.Addr
	if addr == "" {
		addr = ":8080"
	}
	return Config{Addr: addr}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func NewRouter(state *service.State) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// liveness: процесс жив
	r.GET("/livez", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	// readiness: сессии запущены и все стримы подключены
	r.GET("/readyz", func(c *gin.Context) {
		if !state.Ready() {
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
		if down := state.Disconnected(); len(down) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"disconnected": down})
			return
		}
		c.String(http.StatusOK, "ready")
	})

	// полезный JSON для отладки
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":         state.Ready(),
			"streams":       state.Streams(),
			"uptimeSec":     int64(state.Uptime().Seconds()),
			"lastEventUnix": unixOrZero(state.LastEvent()),
			"lastSweepUnix": unixOrZero(state.LastSweep()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func RunHTTP(lc fx.Lifecycle, cfg Config, router *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			logger.Info("[HEALTH] listening on %s", cfg.Addr)
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("[HEALTH] serve: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewConfig,
			NewRouter,
		),
		fx.Invoke(RunHTTP),
	)
}
