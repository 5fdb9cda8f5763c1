package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"isometry/internal/bridge"
	"isometry/internal/codec"
	"isometry/internal/config"
	"isometry/internal/constants"
	"isometry/internal/logger"
	"isometry/pkg/health"
	"isometry/pkg/metrics"
	"isometry/pkg/middleware"
	"isometry/pkg/ratelimit"
)

// monitorRefreshInterval is how often component metrics are pulled into the
// monitor between flushes.
const monitorRefreshInterval = time.Second

type App struct {
	config *config.Config
	logger logger.Logger
	bridge *bridge.Service
	server *http.Server
	router *gin.Engine
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	a.bridge = bridge.NewService(a.config, a.logger, newLoopbackTransport(a.config, a.logger))

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.Config{
			RPS:             a.config.RateLimit.RPS,
			Burst:           a.config.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.Middleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	handler := bridge.NewHandler(a.bridge, a.logger)
	handler.RegisterRoutes(router)

	metrics.RegisterBridgeMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewBreakerChecker(a.bridge.Breakers()))
	healthRegistry.Register(health.NewBatcherChecker(a.bridge.Batcher()))
	healthRegistry.Register(health.NewMonitorChecker(a.bridge.Monitor()))

	router.GET("/health", func(c *gin.Context) {
		a.bridge.RefreshMonitor()
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfowCtx(gctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(monitorRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.bridge.RefreshMonitor()
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(gctx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	a.bridge.Shutdown(shutdownCtx)

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}

// loopbackTransport stands in for the native side of the bridge: it decodes
// each batch to prove the payload is well formed and acknowledges it. A real
// deployment swaps in an IPC or websocket transport here.
func newLoopbackTransport(cfg *config.Config, log logger.Logger) bridge.Transport {
	c := codec.New(codec.Options{
		ValidateInput:  cfg.Codec.ValidateInput,
		ValidateOutput: cfg.Codec.ValidateOutput,
	}, log)

	return bridge.TransportFunc(func(ctx context.Context, payload []byte) error {
		decoded, err := c.Decode(payload)
		if err != nil {
			return err
		}

		if calls, ok := decoded.Value.([]interface{}); ok {
			log.DebugwCtx(ctx, "Batch received",
				"calls", len(calls),
				"bytes", len(payload),
			)
		}
		return nil
	})
}
