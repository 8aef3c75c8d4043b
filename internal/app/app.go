// Package app wires configuration into a running caption client: the
// captions coordinator, the RTP pinhole, metrics, the HTTP status API and
// the gRPC health service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sebas/captionrelay/internal/api"
	"github.com/sebas/captionrelay/internal/captions"
	"github.com/sebas/captionrelay/internal/config"
	"github.com/sebas/captionrelay/internal/media"
	"github.com/sebas/captionrelay/internal/metrics"
	"github.com/sebas/captionrelay/internal/session"
)

const shutdownTimeout = 3 * time.Second

// App owns every long-lived component of one client process.
type App struct {
	cfg       *config.Config
	coord     *captions.Coordinator
	metrics   *metrics.Collector
	pinhole   *media.Pinhole
	apiServer *api.Server
	health    *healthServer
}

// New builds the app. Extra options are applied to the coordinator after
// the defaults, so tests can replace the transport or the SIP bridge.
func New(cfg *config.Config, cb session.Callback, opts ...captions.Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: metrics.New(""),
		pinhole: media.NewPinhole(cfg.Pinhole()),
	}
	a.metrics.WatchPinhole("", a.pinhole)

	obs := observers{a.metrics}
	if cfg.HealthAddr != "" {
		a.health = newHealthServer(cfg.HealthAddr)
		obs = append(obs, a.health)
	}

	all := append([]captions.Option{
		captions.WithMedia(a.pinhole),
		captions.WithSessionOptions(session.WithObserver(obs)),
	}, opts...)
	a.coord = captions.New(cfg.Captions(), cb, all...)
	a.metrics.WatchState("", "sip", "state", func() string { return a.coord.SIPState().String() })

	if cfg.APIAddr != "" {
		a.apiServer = api.NewServer(cfg.APIAddr, a.coord, a.metrics, a.pinhole)
	}
	return a, nil
}

// Coordinator returns the caption call controller.
func (a *App) Coordinator() *captions.Coordinator { return a.coord }

// Metrics returns the collector.
func (a *App) Metrics() *metrics.Collector { return a.metrics }

// APIAddr returns the bound status API address, nil when disabled or not
// yet started.
func (a *App) APIAddr() net.Addr {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Addr()
}

// HealthAddr returns the bound gRPC health address, nil when disabled or not
// yet started.
func (a *App) HealthAddr() net.Addr {
	if a.health == nil || a.health.ln == nil {
		return nil
	}
	return a.health.ln.Addr()
}

// Start brings up the network servers. The coordinator is started by Run.
func (a *App) Start() error {
	if a.apiServer != nil {
		if err := a.apiServer.Start(); err != nil {
			return fmt.Errorf("start status API: %w", err)
		}
	}
	if a.health != nil {
		if err := a.health.start(); err != nil {
			a.stopServers()
			return fmt.Errorf("start health server: %w", err)
		}
	}
	return nil
}

// Run starts the servers and processes session commands until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	a.Serve(ctx)
	return nil
}

// Serve processes session commands until ctx ends, then stops the media
// pinhole and the servers. Start must have been called.
func (a *App) Serve(ctx context.Context) {
	slog.Info("[App] Running",
		"environment", a.cfg.Environment.String(),
		"transport", a.cfg.Transport.String(),
		"api", a.cfg.APIAddr,
		"health", a.cfg.HealthAddr)

	a.coord.Run(ctx)
	a.pinhole.Stop()
	a.stopServers()
	slog.Info("[App] Stopped")
}

func (a *App) stopServers() {
	if a.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.apiServer.Stop(ctx); err != nil {
			slog.Warn("[App] Status API shutdown", "error", err)
		}
	}
	if a.health != nil && a.health.ln != nil {
		a.health.stop()
	}
}
