// Package httpimpl serves the sync status, the peer table and the prometheus metrics over HTTP.
package httpimpl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util/servicemanager"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// SyncStatus is the read side of the sync driver.
type SyncStatus interface {
	Status() chainsync.SyncState
	Progress() *chainsync.SyncProgress
	Peers() []*chainsync.PeerInfo
	Banned() []chainsync.PeerID
	Health(ctx context.Context, checkLiveness bool) (int, string, error)
	Reset(ctx context.Context) error
}

// HealthFunc reports the health of the process, see servicemanager.ServiceManager.HealthHandler.
type HealthFunc func(ctx context.Context, checkLiveness bool) (int, string, error)

type HTTP struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	sync      SyncStatus
	health    HealthFunc
	e         *echo.Echo
	startTime time.Time
	addr      *atomic.String
}

// New registers the routes:
//
//	GET  /alive
//	GET  /health
//	GET  /metrics
//	GET  /api/v1/status
//	GET  /api/v1/progress
//	GET  /api/v1/peers
//	GET  /api/v1/banned
//	GET  /api/v1/services
//	POST /api/v1/reset
func New(logger ulogger.Logger, tSettings *settings.Settings, sync SyncStatus) *HTTP {
	initPrometheusMetrics()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}

	e.Use(middleware.Recover())
	e.Use(requestMetricsMiddleware())

	h := &HTTP{
		logger:    logger,
		settings:  tSettings,
		sync:      sync,
		health:    sync.Health,
		e:         e,
		startTime: time.Now(),
		addr:      atomic.NewString(""),
	}

	e.GET("/alive", func(c echo.Context) error {
		return c.String(http.StatusOK, fmt.Sprintf("blocksync is alive. Uptime: %s\n", time.Since(h.startTime)))
	})

	e.GET("/health", h.GetHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiGroup := e.Group("/api/v1")
	apiGroup.GET("/status", h.GetStatus)
	apiGroup.GET("/progress", h.GetProgress)
	apiGroup.GET("/peers", h.GetPeers)
	apiGroup.GET("/banned", h.GetBanned)
	apiGroup.GET("/services", h.GetServices)
	apiGroup.POST("/reset", h.Reset)

	return h
}

// SetHealthFunc replaces the sync driver health reported on /health.
func (h *HTTP) SetHealthFunc(health HealthFunc) {
	h.health = health
}

func (h *HTTP) Init(_ context.Context) error {
	return nil
}

func (h *HTTP) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	if checkLiveness {
		return http.StatusOK, "OK", nil
	}

	if h.addr.Load() == "" {
		return http.StatusServiceUnavailable, "status http not started", nil
	}

	return http.StatusOK, "listening on " + h.addr.Load(), nil
}

// Start serves on the configured status address until ctx is cancelled.
func (h *HTTP) Start(ctx context.Context, readyCh chan<- struct{}) error {
	listener, err := net.Listen("tcp", h.settings.Status.HTTPListenAddress)
	if err != nil {
		return errors.NewServiceError("[Status] failed to listen on %s", h.settings.Status.HTTPListenAddress, err)
	}

	h.e.Listener = listener
	h.addr.Store(listener.Addr().String())

	go func() {
		<-ctx.Done()

		h.logger.Infof("[Status] HTTP service shutting down")

		if err := h.e.Shutdown(context.Background()); err != nil {
			h.logger.Errorf("[Status] HTTP service shutdown error: %s", err)
		}
	}()

	h.logger.Infof("[Status] HTTP listening on %s", h.addr.Load())
	servicemanager.AddListenerInfo(fmt.Sprintf("Status HTTP listening on %s", h.addr.Load()))

	if readyCh != nil {
		close(readyCh)
	}

	err = h.e.Start(h.addr.Load())
	h.addr.Store("")

	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *HTTP) Stop(ctx context.Context) error {
	return h.e.Shutdown(ctx)
}

// Addr returns the address the server listens on, empty when it is not running.
func (h *HTTP) Addr() string {
	return h.addr.Load()
}

func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.e.ServeHTTP(w, r)
}
